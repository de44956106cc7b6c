package worker

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

// discoverAssets 解析 HTML 响应，收集 link/script/img 引用的资源地址（已解析为绝对 URL）。
func discoverAssets(pageURL string, resp *cache.Response) []string {
	if resp == nil || !isHTML(resp.Header.Get("Content-Type")) {
		return nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	node, err := html.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil
	}

	var assets []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if ref := assetRef(n); ref != "" {
				if resolved, err := base.Parse(ref); err == nil {
					resolved.Fragment = ""
					assets = append(assets, resolved.String())
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return assets
}

func assetRef(n *html.Node) string {
	switch n.Data {
	case "link":
		rel := strings.ToLower(attr(n, "rel"))
		for _, token := range strings.Fields(rel) {
			switch token {
			case "stylesheet", "icon", "manifest", "apple-touch-icon", "preload":
				return attr(n, "href")
			}
		}
	case "script":
		return attr(n, "src")
	case "img":
		return attr(n, "src")
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html"
}

// newAssets 过滤跨域与已在预缓存列表中的地址，并去重。
func (w *Worker) newAssets(known, found []string) []string {
	seen := make(map[string]struct{}, len(known))
	for _, u := range known {
		seen[cache.GetKey(u).String()] = struct{}{}
	}
	var out []string
	for _, raw := range found {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			continue
		}
		if w.site != nil && routing.Origin(parsed).String() != w.site.String() {
			continue
		}
		key := cache.GetKey(raw).String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, raw)
	}
	return out
}
