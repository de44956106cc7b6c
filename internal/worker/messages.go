package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
)

// 页面可发送的控制消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageGetVersion  = "GET_VERSION"
	MessageCacheURLs   = "CACHE_URLS"
)

var (
	// ErrUnknownMessage 表示消息类型无法识别。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnknownSyncTag 表示周期同步标签未注册。
	ErrUnknownSyncTag = errors.New("unknown periodic sync tag")
)

// Message 是页面发往 worker 的控制消息。
type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// ClearReply 是 CLEAR_CACHE 的回复。
type ClearReply struct {
	Success bool `json:"success"`
}

// VersionReply 是 GET_VERSION 的回复。
type VersionReply struct {
	Version string `json:"version"`
}

// CacheURLsReply 是 CACHE_URLS 的回复，Cached 为实际写入缓存的 URL 数。
type CacheURLsReply struct {
	Success bool `json:"success"`
	Cached  int  `json:"cached"`
}

// OnMessage 处理控制消息。SKIP_WAITING 没有回复，返回 nil。
func (w *Worker) OnMessage(ctx context.Context, msg Message) (any, error) {
	kind := strings.ToUpper(strings.TrimSpace(msg.Type))
	w.logger.WithFields(logging.LifecycleFields("message", w.names.Version, string(w.State()))).
		WithField("type", kind).
		Debug("message_received")

	switch kind {
	case MessageSkipWaiting:
		w.metrics.ObserveMessage(kind)
		if w.State() == StateInstalled {
			if _, err := w.OnActivate(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case MessageClearCache:
		w.metrics.ObserveMessage(kind)
		return ClearReply{Success: w.clearAll(ctx) == nil}, nil
	case MessageGetVersion:
		w.metrics.ObserveMessage(kind)
		return VersionReply{Version: w.names.Version}, nil
	case MessageCacheURLs:
		w.metrics.ObserveMessage(kind)
		urls := w.resolveURLs(msg.URLs)
		cached, err := w.cacheAll(ctx, w.names.Dynamic, urls, reasonMessage)
		if err != nil {
			return CacheURLsReply{Success: false}, nil
		}
		return CacheURLsReply{Success: true, Cached: cached}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// clearAll 删除所有命名空间，包括其它前缀的缓存。
func (w *Worker) clearAll(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.LifecycleFields("cache_delete", w.names.Version, string(w.State()))).
			Warn("cache_list_failed")
		return err
	}
	var failed error
	for _, name := range names {
		if err := w.deleteNamespace(ctx, name); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}

// resolveURLs 将相对路径解析为站点绝对 URL，丢弃跨域与无法解析的地址。
func (w *Worker) resolveURLs(raw []string) []string {
	resolved := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ref, err := url.Parse(entry)
		if err != nil {
			w.logger.WithError(err).WithField("url", entry).Warn("cache_url_invalid")
			continue
		}
		abs := ref
		if w.site != nil {
			abs = w.site.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if w.site != nil && !strings.EqualFold(abs.Host, w.site.Host) {
			w.logger.WithField("url", abs.String()).Warn("cache_url_foreign")
			continue
		}
		abs.Fragment = ""
		resolved = append(resolved, abs.String())
	}
	return resolved
}
