package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
)

// 预缓存来源，用于日志与指标。
const (
	reasonInstall = "install"
	reasonSync    = "sync"
	reasonMessage = "message"
)

// cacheAll 并发抓取 urls 并写入 namespace，返回成功写入的数量。
// 单个 URL 失败只记录日志；只有命名空间无法打开时返回 error。
// 开启资源发现时，install/sync 会再抓取一轮预缓存页面引用的同源资源。
func (w *Worker) cacheAll(ctx context.Context, namespace string, urls []string, reason string) (int, error) {
	ns, err := w.storage.Open(ctx, namespace)
	if err != nil {
		storageErr := &cache.StorageError{Op: "open", Namespace: namespace, Err: err}
		w.metrics.ObserveStorageFailure(storageErr.Op)
		w.logger.WithError(storageErr).
			WithFields(logging.RequestFields("precache", "", namespace, "")).
			Warn("storage_failed")
		return 0, storageErr
	}

	discover := w.discover && reason != reasonMessage
	cached, found := w.cacheRound(ctx, ns, urls, reason, discover)
	if discover {
		extra := w.newAssets(urls, found)
		if len(extra) > 0 {
			more, _ := w.cacheRound(ctx, ns, extra, reason, false)
			cached += more
		}
	}
	return cached, nil
}

// cacheRound 执行一轮并发抓取；discover 为 true 时返回 HTML 响应中引用的资源。
func (w *Worker) cacheRound(ctx context.Context, ns cache.Namespace, urls []string, reason string, discover bool) (int, []string) {
	var (
		cached atomic.Int64
		mu     sync.Mutex
		found  []string
		g      errgroup.Group
	)
	g.SetLimit(w.concurrency)
	for _, target := range urls {
		target := target
		g.Go(func() error {
			resp, err := w.cacheOne(ctx, ns, target, reason)
			w.metrics.ObservePrecache(reason, err)
			if err != nil {
				w.logger.WithError(err).
					WithFields(logging.RequestFields("precache", "", ns.Name(), target)).
					WithField("reason", reason).
					Warn("precache_failed")
				return nil
			}
			cached.Add(1)
			w.logger.WithFields(logging.RequestFields("precache", "", ns.Name(), target)).
				WithField("reason", reason).
				Debug("precached")
			if discover {
				assets := discoverAssets(target, resp)
				mu.Lock()
				found = append(found, assets...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(cached.Load()), found
}

func (w *Worker) cacheOne(ctx context.Context, ns cache.Namespace, target, reason string) (*cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if reason != reasonMessage {
		// 绕过中间缓存，等价于 fetch(url, {cache: 'no-cache'})。
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("unexpected status %d", resp.Status)
	}
	if err := ns.Put(ctx, cache.GetKey(target), cache.Stamp(resp, w.now())); err != nil {
		w.metrics.ObserveStorageFailure("put")
		return nil, &cache.StorageError{Op: "put", Namespace: ns.Name(), Err: err}
	}
	return resp, nil
}
