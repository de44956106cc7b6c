package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

func init() {
	MustRegister(Metadata{
		Key:         routing.StrategyNetworkFirst,
		Description: "Race network against timeout; cache successful responses",
		ReadsCache:  true,
		WritesCache: true,
		Fallback:    "cached copy of any age, then offline page for navigations",
	})
}

// NetworkFirst 让网络请求与超时竞速。成功时写入缓存并返回实时响应；
// 传输层失败时依次回退到任意年龄的缓存副本、导航请求的离线页。
// 非 GET 的导航（表单提交）可能已送达源站，失败时直接返回错误，不用离线页替代。
func (e *Engine) NetworkFirst(ctx context.Context, r *http.Request, namespace string, navigate bool) (Result, error) {
	ns := e.open(ctx, namespace)
	key := cache.KeyFor(r)

	resp, err := Race(ctx, e.timeout, func(ctx context.Context) (*cache.Response, error) {
		return e.fetch(ctx, r)
	})
	if err == nil {
		e.store(ctx, ns, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}
	if errors.Is(err, ErrTimeout) {
		err = &TransportError{URL: key.URL, Err: ErrTimeout}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	if cached := e.lookup(ctx, ns, key); cached != nil {
		e.logFallback(routing.StrategyNetworkFirst, namespace, key.URL, SourceStale, err)
		return Result{Response: cached, Source: SourceStale}, nil
	}
	if navigate && key.Cacheable() {
		if offline := e.offlinePage(ctx); offline != nil {
			e.logFallback(routing.StrategyNetworkFirst, namespace, key.URL, SourceOffline, err)
			return Result{Response: offline, Source: SourceOffline}, nil
		}
	}
	return Result{}, err
}

func (e *Engine) offlinePage(ctx context.Context) *cache.Response {
	if e.offlineURL == "" {
		return nil
	}
	return e.lookup(ctx, e.open(ctx, e.names.Static), cache.GetKey(e.offlineURL))
}
