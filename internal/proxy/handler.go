package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/fetch"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/server"
	"github.com/verenigd-amsterdam/va-cache-router/internal/strategy"
)

// 响应头：命中的策略与响应来源。
const (
	HeaderStrategy = "X-VA-Strategy"
	HeaderCache    = "X-VA-Cache"

	cacheBypass = "bypass"
)

// RequestRouter 是 worker 的请求入口。
type RequestRouter interface {
	OnRequest(ctx context.Context, r *http.Request) (strategy.Result, bool, error)
}

// Handler 把 Fiber 请求转换为站点 URL 上的 *http.Request 交给 worker；
// worker 不拦截时直接回源。
type Handler struct {
	router  RequestRouter
	fetcher strategy.Fetcher
	logger  *logrus.Logger
}

// NewHandler 构造 proxy handler；fetcher 用于 router 不拦截的请求。
func NewHandler(router RequestRouter, fetcher strategy.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		router:  router,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildRequest(c)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "proxy",
			"request_id": requestID,
		}).Warn("invalid_request")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	res, intercepted, err := h.router.OnRequest(req.Context(), req)
	if !intercepted {
		return h.forward(c, req, requestID, started)
	}
	if err != nil {
		h.logResult(req, string(res.Strategy), "", requestID, 0, started, err)
		if strategy.IsTransport(err) {
			c.Set(HeaderStrategy, string(res.Strategy))
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		return h.writeError(c, fiber.StatusInternalServerError, "internal_error")
	}

	writeResponse(c, res.Response)
	c.Set(HeaderStrategy, string(res.Strategy))
	c.Set(HeaderCache, string(res.Source))
	h.logResult(req, string(res.Strategy), string(res.Source), requestID, res.Response.Status, started, nil)
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *http.Request,
	strategyKey string,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields("proxy", strategyKey, "", req.URL.String())
	fields["method"] = req.Method
	fields["source"] = source
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 还原客户端看到的站点 URL：协议优先取 X-Forwarded-Proto，
// 否则取连接本身的 http/https；主机取 Host 头。
func buildRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	scheme := firstHeaderValue(string(c.Request().Header.Peek("X-Forwarded-Proto")))
	if scheme == "" {
		scheme = c.Scheme()
	}
	host := getHostHeader(c)
	if host == "" {
		return nil, errors.New("missing host header")
	}
	requestURI := string(c.Request().RequestURI())
	if requestURI == "" {
		requestURI = "/"
	}
	public, err := url.Parse(fmt.Sprintf("%s://%s%s", strings.ToLower(scheme), host, requestURI))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), public.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}
	req.Header = fiberHeadersAsHTTP(c)
	req.Host = host
	return req, nil
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return c.Hostname()
}

func firstHeaderValue(raw string) string {
	if idx := strings.IndexByte(raw, ','); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// writeResponse 输出缓冲响应。Content-Length 由 fasthttp 根据正文重新计算。
func writeResponse(c fiber.Ctx, resp *cache.Response) {
	c.Status(resp.Status)
	for key, values := range resp.Header {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Response().SetBodyRaw(resp.Body)
}
