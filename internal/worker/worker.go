package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/logging"
	"github.com/verenigd-amsterdam/va-cache-router/internal/metrics"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
	"github.com/verenigd-amsterdam/va-cache-router/internal/strategy"
)

// DefaultPrecacheConcurrency 限制预缓存与 CACHE_URLS 的并发回源数。
const DefaultPrecacheConcurrency = 4

// Options 汇总 worker 依赖。SiteOrigin 用于同源判断与相对 URL 解析。
type Options struct {
	Storage    cache.Storage
	Fetcher    strategy.Fetcher
	SiteOrigin string
	Rules      routing.Rules
	Names      cache.Names
	MaxAge     cache.MaxAge

	NetworkTimeout time.Duration
	OfflineURL     string
	// Precache 是安装与周期刷新时写入 static 命名空间的绝对 URL。
	Precache            []string
	PrecacheConcurrency int
	// DiscoverAssets 让 install/sync 额外缓存预缓存页面引用的同源资源。
	DiscoverAssets      bool
	SkipWaiting         bool

	SyncTag      string
	SyncInterval time.Duration

	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Worker 是一个版本的缓存生命周期记录。
type Worker struct {
	storage     cache.Storage
	fetcher     strategy.Fetcher
	engine      *strategy.Engine
	classifier  routing.Classifier
	rules       routing.Rules
	names       cache.Names
	site        *url.URL
	precache    []string
	concurrency int
	discover    bool
	skipWaiting bool
	syncTag     string
	interval    time.Duration
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu    sync.RWMutex
	state State

	// lifecycle 串行化 install/activate，避免消息与启动流程交错。
	lifecycle sync.Mutex

	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// New 创建处于 new 状态的 worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Names.Prefix == "" || opts.Names.Version == "" {
		return nil, errors.New("cache names require prefix and version")
	}

	var site *url.URL
	if opts.SiteOrigin != "" {
		parsed, err := url.Parse(opts.SiteOrigin)
		if err != nil {
			return nil, fmt.Errorf("invalid site origin: %w", err)
		}
		site = routing.Origin(parsed)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	concurrency := opts.PrecacheConcurrency
	if concurrency <= 0 {
		concurrency = DefaultPrecacheConcurrency
	}

	engine, err := strategy.NewEngine(strategy.Options{
		Storage:        opts.Storage,
		Fetcher:        opts.Fetcher,
		Names:          opts.Names,
		MaxAge:         opts.MaxAge,
		NetworkTimeout: opts.NetworkTimeout,
		OfflineURL:     opts.OfflineURL,
		Logger:         logger,
		Observer:       opts.Metrics,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}

	return &Worker{
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		engine:      engine,
		classifier:  routing.NewClassifier(site, opts.Rules, opts.Names),
		rules:       opts.Rules,
		names:       opts.Names,
		site:        site,
		precache:    append([]string(nil), opts.Precache...),
		concurrency: concurrency,
		discover:    opts.DiscoverAssets,
		skipWaiting: opts.SkipWaiting,
		syncTag:     opts.SyncTag,
		interval:    opts.SyncInterval,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		state:       StateNew,
	}, nil
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.metrics.SetState(w.names.Version, string(state))
}

// Version 返回版本标记。
func (w *Worker) Version() string {
	return w.names.Version
}

// Names 返回当前版本的命名空间名称。
func (w *Worker) Names() cache.Names {
	return w.names
}

// Start 执行 install；配置了 skip-waiting 时紧接着 activate，并启动周期刷新。
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.OnInstall(ctx); err != nil {
		return err
	}
	if w.skipWaiting {
		if _, err := w.OnActivate(ctx); err != nil {
			return err
		}
	}
	w.startScheduler()
	return nil
}

// Close 停止调度器，等待后台刷新结束并关闭存储。
func (w *Worker) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.bg.Wait()
	w.engine.Wait()
	w.setState(StateRedundant)
	return w.storage.Close()
}

// OnInstall 打开 static 命名空间并逐个预缓存关键资源，单个失败不影响其它资源。
func (w *Worker) OnInstall(ctx context.Context) (int, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.setState(StateInstalling)
	w.logger.WithFields(logging.LifecycleFields("install", w.names.Version, string(StateInstalling))).Info("worker_installing")

	cached, err := w.cacheAll(ctx, w.names.Static, w.precache, reasonInstall)
	if err != nil {
		w.setState(StateRedundant)
		return 0, fmt.Errorf("install: %w", err)
	}

	w.setState(StateInstalled)
	w.logger.WithFields(logging.LifecycleFields("install", w.names.Version, string(StateInstalled))).
		WithField("precached", cached).
		WithField("total", len(w.precache)).
		Info("worker_installed")
	return cached, nil
}

// OnActivate 删除带本系统前缀但不属于当前版本的命名空间，然后接管客户端。
// 返回被删除的命名空间。枚举失败时仍会接管客户端，并返回该错误。
func (w *Worker) OnActivate(ctx context.Context) ([]string, error) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State() == StateActivated {
		return nil, nil
	}
	w.setState(StateActivating)

	deleted, err := w.cleanup(ctx)

	w.setState(StateActivated)
	w.logger.WithFields(logging.LifecycleFields("activate", w.names.Version, string(StateActivated))).
		WithField("deleted", deleted).
		Info("worker_activated")
	if err != nil {
		return deleted, fmt.Errorf("activate: %w", err)
	}
	return deleted, nil
}

func (w *Worker) cleanup(ctx context.Context) ([]string, error) {
	existing, err := w.storage.Keys(ctx)
	if err != nil {
		w.logger.WithError(err).
			WithFields(logging.LifecycleFields("activate", w.names.Version, string(StateActivating))).
			Warn("cache_list_failed")
		return nil, err
	}
	var deleted []string
	for _, name := range existing {
		if !w.names.IsStale(name) {
			continue
		}
		if err := w.deleteNamespace(ctx, name); err == nil {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func (w *Worker) deleteNamespace(ctx context.Context, name string) error {
	if _, err := w.storage.Delete(ctx, name); err != nil {
		storageErr := &cache.StorageError{Op: "delete", Namespace: name, Err: err}
		w.metrics.ObserveStorageFailure(storageErr.Op)
		w.logger.WithError(storageErr).
			WithFields(logging.RequestFields("cache_delete", "", name, "")).
			Warn("storage_failed")
		return storageErr
	}
	w.metrics.ObserveNamespaceDelete()
	w.logger.WithFields(logging.RequestFields("cache_delete", "", name, "")).Info("cache_deleted")
	return nil
}

// OnRequest 是 fetch 事件入口。intercepted=false 表示 worker 不处理该请求，
// 调用方应按默认方式直接回源。
func (w *Worker) OnRequest(ctx context.Context, r *http.Request) (strategy.Result, bool, error) {
	if !w.State().Controlling() {
		w.metrics.ObserveBypass("not_controlling")
		return strategy.Result{}, false, nil
	}
	decision := w.classifier.Classify(routing.Describe(r))
	if !decision.Intercept {
		w.metrics.ObserveBypass("foreign")
		return strategy.Result{}, false, nil
	}

	res, err := w.engine.Serve(ctx, decision, r)
	if err != nil {
		if strategy.IsTransport(err) {
			w.metrics.ObserveTransportError(string(decision.Strategy))
		}
		w.logger.WithError(err).
			WithFields(logging.RequestFields("route", string(decision.Strategy), decision.Namespace, r.URL.String())).
			Warn("route_failed")
		return res, true, err
	}
	w.metrics.ObserveRequest(string(decision.Strategy), string(res.Source))
	w.logger.WithFields(logging.RequestFields("route", string(decision.Strategy), decision.Namespace, r.URL.String())).
		WithField("source", string(res.Source)).
		Debug("route_served")
	return res, true, nil
}

// OnPeriodicSync 在收到已注册标签时以与安装相同的方式刷新预缓存资源。
func (w *Worker) OnPeriodicSync(ctx context.Context, tag string) (int, error) {
	if w.syncTag == "" || tag != w.syncTag {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSyncTag, tag)
	}
	w.logger.WithFields(logging.LifecycleFields("periodic_sync", w.names.Version, string(w.State()))).
		WithField("tag", tag).
		Info("periodic_sync_started")
	return w.cacheAll(ctx, w.names.Static, w.precache, reasonSync)
}

// Status 汇总诊断信息。
type Status struct {
	Version     string              `json:"version"`
	State       State               `json:"state"`
	Controlling bool                `json:"controlling"`
	Current     []string            `json:"current"`
	Namespaces  []string            `json:"namespaces"`
	SyncTag     string              `json:"sync_tag,omitempty"`
	Rules       routing.Rules       `json:"rules"`
	Strategies  []strategy.Metadata `json:"strategies"`
}

// Status 返回当前版本、状态与已存在的命名空间。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	state := w.State()
	namespaces, err := w.storage.Keys(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Version:     w.names.Version,
		State:       state,
		Controlling: state.Controlling(),
		Current:     w.names.All(),
		Namespaces:  namespaces,
		SyncTag:     w.syncTag,
		Rules:       w.rules,
		Strategies:  strategy.List(),
	}, nil
}

// startScheduler 以固定间隔触发周期同步，模拟平台的 periodic sync。
func (w *Worker) startScheduler() {
	if w.interval <= 0 || w.syncTag == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.OnPeriodicSync(ctx, w.syncTag); err != nil {
					w.logger.WithError(err).
						WithFields(logging.LifecycleFields("periodic_sync", w.names.Version, string(w.State()))).
						Warn("periodic_sync_failed")
				}
			}
		}
	}()
}
