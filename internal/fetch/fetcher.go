package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
)

// HTTPFetcher 将公开站点 URL 改写到 origin 后发起请求，并完整读取响应体。
// 只有传输层失败会返回 error，非 2xx 状态码作为正常响应返回。
type HTTPFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewHTTPFetcher 创建回源 Fetcher，origin 必须是 http/https 绝对地址。
func NewHTTPFetcher(client *http.Client, origin string) (*HTTPFetcher, error) {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: requires http(s) scheme and host", origin)
	}
	return &HTTPFetcher{client: client, origin: parsed}, nil
}

// Fetch 实现 strategy.Fetcher。
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	if r == nil || r.URL == nil {
		return nil, errors.New("fetch: nil request")
	}
	target := f.Target(r.URL)

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && method != http.MethodGet && method != http.MethodHead {
		body = r.Body
	}
	outReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(outReq.Header, r.Header)
	if r.ContentLength > 0 && body != nil {
		outReq.ContentLength = r.ContentLength
	}
	if r.URL.Host != "" {
		outReq.Header.Set("X-Forwarded-Host", r.URL.Host)
	}
	if r.URL.Scheme != "" {
		outReq.Header.Set("X-Forwarded-Proto", r.URL.Scheme)
	}

	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// Target 返回公开 URL 在 origin 上对应的地址，保留路径与查询串。
func (f *HTTPFetcher) Target(public *url.URL) *url.URL {
	target := *f.origin
	basePath := strings.TrimRight(f.origin.Path, "/")
	target.Path = basePath + public.Path
	target.RawPath = ""
	if public.RawPath != "" {
		target.RawPath = strings.TrimRight(f.origin.EscapedPath(), "/") + public.RawPath
	}
	target.RawQuery = public.RawQuery
	target.Fragment = ""
	return &target
}
