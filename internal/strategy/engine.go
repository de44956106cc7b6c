package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

// DefaultNetworkTimeout 是 network-first 策略的默认竞速超时。
const DefaultNetworkTimeout = 5 * time.Second

// Fetcher 代表网络：返回完整缓冲的响应，仅在传输层失败时返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*cache.Response, error)
}

// FetcherFunc 把普通函数适配为 Fetcher。
type FetcherFunc func(ctx context.Context, r *http.Request) (*cache.Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	return f(ctx, r)
}

// Observer 接收策略执行中的失败与后台刷新事件，通常由 metrics 实现。
type Observer interface {
	ObserveStorageFailure(op string)
	ObserveRefresh(err error)
}

type noopObserver struct{}

func (noopObserver) ObserveStorageFailure(string) {}
func (noopObserver) ObserveRefresh(error)         {}

// Source 描述最终响应的来源。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceStale   Source = "stale"
	SourceOffline Source = "offline"
)

// Result 是一次策略执行的结果。
type Result struct {
	Response  *cache.Response
	Source    Source
	Strategy  routing.Strategy
	Namespace string
}

// Options 汇总 Engine 的依赖，Storage 与 Fetcher 必填。
type Options struct {
	Storage        cache.Storage
	Fetcher        Fetcher
	Names          cache.Names
	MaxAge         cache.MaxAge
	NetworkTimeout time.Duration
	// OfflineURL 是离线兜底页的绝对 URL，预缓存阶段写入 static 命名空间。
	OfflineURL string
	Logger     *logrus.Logger
	Observer   Observer
	Now        func() time.Time
}

// Engine 执行路由决策给出的策略。多个请求可并发调用，彼此只共享缓存存储。
type Engine struct {
	storage    cache.Storage
	fetcher    Fetcher
	names      cache.Names
	freshness  cache.Freshness
	timeout    time.Duration
	offlineURL string
	logger     *logrus.Logger
	observer   Observer
	now        func() time.Time

	flights singleflight.Group
	wg      sync.WaitGroup
}

// NewEngine 构造策略执行器。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.NetworkTimeout
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Engine{
		storage:    opts.Storage,
		fetcher:    opts.Fetcher,
		names:      opts.Names,
		freshness:  cache.NewFreshness(opts.Names, opts.MaxAge, now),
		timeout:    timeout,
		offlineURL: opts.OfflineURL,
		logger:     logger,
		observer:   observer,
		now:        now,
	}, nil
}

// Serve 根据 decision 分派策略。
func (e *Engine) Serve(ctx context.Context, decision routing.Decision, r *http.Request) (Result, error) {
	var (
		res Result
		err error
	)
	switch decision.Strategy {
	case routing.StrategyNetworkOnly:
		res, err = e.NetworkOnly(ctx, r)
	case routing.StrategyNetworkFirst:
		res, err = e.NetworkFirst(ctx, r, decision.Namespace, decision.Navigate)
	case routing.StrategyCacheFirst:
		res, err = e.CacheFirst(ctx, r, decision.Namespace)
	case routing.StrategyStaleWhileRevalidate:
		res, err = e.StaleWhileRevalidate(ctx, r, decision.Namespace)
	default:
		return Result{}, fmt.Errorf("unknown strategy %q", decision.Strategy)
	}
	res.Strategy = decision.Strategy
	res.Namespace = decision.Namespace
	return res, err
}

// Wait 阻塞直到所有后台刷新结束，用于关闭流程与测试。
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &TransportError{URL: r.URL.String(), Err: err}
	}
	return resp, nil
}

// open 打开命名空间；失败只记录日志，返回 nil 表示本次不读写缓存。
func (e *Engine) open(ctx context.Context, name string) cache.Namespace {
	ns, err := e.storage.Open(ctx, name)
	if err != nil {
		e.storageFailed(&cache.StorageError{Op: "open", Namespace: name, Err: err}, "")
		return nil
	}
	return ns
}

func (e *Engine) lookup(ctx context.Context, ns cache.Namespace, key cache.Key) *cache.Response {
	if ns == nil {
		return nil
	}
	resp, err := ns.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.storageFailed(&cache.StorageError{Op: "match", Namespace: ns.Name(), Err: err}, key.URL)
		}
		return nil
	}
	return resp
}

// store 写入带时间戳的副本；仅缓存 2xx 的 GET 响应。
func (e *Engine) store(ctx context.Context, ns cache.Namespace, key cache.Key, resp *cache.Response) {
	if ns == nil || !resp.OK() || !key.Cacheable() {
		return
	}
	if err := ns.Put(ctx, key, cache.Stamp(resp, e.now())); err != nil {
		e.storageFailed(&cache.StorageError{Op: "put", Namespace: ns.Name(), Err: err}, key.URL)
	}
}

func (e *Engine) storageFailed(err *cache.StorageError, url string) {
	e.observer.ObserveStorageFailure(err.Op)
	e.logger.WithError(err).
		WithFields(logging.RequestFields("storage_failed", "", err.Namespace, url)).
		WithField("op", err.Op).
		Warn("storage_failed")
}

func (e *Engine) logFallback(strategy routing.Strategy, namespace, url string, source Source, err error) {
	e.logger.WithError(err).
		WithFields(logging.RequestFields("route", string(strategy), namespace, url)).
		WithField("source", string(source)).
		Info("network_failed_fallback")
}
