package strategy

import (
	"context"
	"net/http"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

func init() {
	MustRegister(Metadata{
		Key:         routing.StrategyStaleWhileRevalidate,
		Description: "Serve cached entry immediately and refresh it in the background",
		ReadsCache:  true,
		WritesCache: true,
		Fallback:    "first request waits for the background fetch",
	})
}

type refreshOutcome struct {
	resp *cache.Response
	err  error
}

// StaleWhileRevalidate 忽略过期时间：有缓存立即返回，同时后台刷新；
// 没有缓存时等待后台请求的结果。后台刷新的失败只记录日志。
// 非 GET 请求不可缓存，每个请求各自直接回源，不参与合并。
func (e *Engine) StaleWhileRevalidate(ctx context.Context, r *http.Request, namespace string) (Result, error) {
	key := cache.KeyFor(r)
	if !key.Cacheable() {
		resp, err := e.fetch(ctx, r)
		if err != nil {
			return Result{}, err
		}
		return Result{Response: resp, Source: SourceNetwork}, nil
	}
	ns := e.open(ctx, namespace)

	cached := e.lookup(ctx, ns, key)
	refresh := e.revalidate(ctx, r, ns, namespace, key)
	if cached != nil {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	select {
	case outcome := <-refresh:
		if outcome.err != nil {
			return Result{}, outcome.err
		}
		return Result{Response: outcome.resp, Source: SourceNetwork}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// revalidate 启动后台刷新。同一命名空间内同一 key 同时只有一个网络请求，其余调用共享结果。
func (e *Engine) revalidate(ctx context.Context, r *http.Request, ns cache.Namespace, namespace string, key cache.Key) <-chan refreshOutcome {
	out := make(chan refreshOutcome, 1)
	detached := context.WithoutCancel(ctx)

	flight := e.flights.DoChan(namespace+"|"+key.String(), func() (interface{}, error) {
		resp, err := e.fetch(detached, r)
		if err != nil {
			return nil, err
		}
		e.store(detached, ns, key, resp)
		return resp, nil
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := <-flight
		e.observer.ObserveRefresh(res.Err)
		if res.Err != nil {
			e.logger.WithError(res.Err).
				WithFields(logging.RequestFields("refresh", string(routing.StrategyStaleWhileRevalidate), namespace, key.URL)).
				Warn("refresh_failed")
			out <- refreshOutcome{err: res.Err}
			return
		}
		resp, _ := res.Val.(*cache.Response)
		out <- refreshOutcome{resp: resp.Clone()}
	}()
	return out
}
