package strategy

import (
	"context"
	"net/http"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

func init() {
	MustRegister(Metadata{
		Key:         routing.StrategyCacheFirst,
		Description: "Serve unexpired cache entry without network; otherwise fetch and store",
		ReadsCache:  true,
		WritesCache: true,
		Fallback:    "expired cached copy when network fails",
	})
}

// CacheFirst 在条目未超过命名空间 maxAge 时直接返回缓存，不发起网络请求。
// 否则回源：成功则写缓存；失败时若存在（已过期的）副本则返回副本。
func (e *Engine) CacheFirst(ctx context.Context, r *http.Request, namespace string) (Result, error) {
	ns := e.open(ctx, namespace)
	key := cache.KeyFor(r)

	cached := e.lookup(ctx, ns, key)
	if cached != nil && e.freshness.Fresh(namespace, cached) {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := e.fetch(ctx, r)
	if err != nil {
		if cached != nil {
			e.logFallback(routing.StrategyCacheFirst, namespace, key.URL, SourceStale, err)
			return Result{Response: cached, Source: SourceStale}, nil
		}
		return Result{}, err
	}
	e.store(ctx, ns, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}
