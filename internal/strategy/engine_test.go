package strategy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"strings"
	"testing"
	"time"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
	"github.com/verenigd-amsterdam/va-cache-router/internal/routing"
)

const site = "https://verenigdamsterdam.nl"

var errUnreachable = errors.New("dial tcp: connection refused")

// fakeFetcher 记录调用次数，返回预设的响应或错误。
type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	status int
	body   []byte
	err    error
	delay  time.Duration
	gate   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, r *http.Request) (*cache.Response, error) {
	f.mu.Lock()
	f.calls++
	status, body, err, delay, gate := f.status, f.body, f.err, f.delay, f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if status == 0 {
		status = http.StatusOK
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   append([]byte(nil), body...),
	}, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	f.body = []byte(body)
	f.err = err
	f.mu.Unlock()
}

// spyStorage 包装真实存储并统计读写次数。
type spyStorage struct {
	cache.Storage
	opens   atomic.Int32
	matches atomic.Int32
	puts    atomic.Int32
	failPut bool
}

type spyNamespace struct {
	cache.Namespace
	spy *spyStorage
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Namespace, error) {
	s.opens.Add(1)
	ns, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyNamespace{Namespace: ns, spy: s}, nil
}

func (n *spyNamespace) Match(ctx context.Context, key cache.Key) (*cache.Response, error) {
	n.spy.matches.Add(1)
	return n.Namespace.Match(ctx, key)
}

func (n *spyNamespace) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	n.spy.puts.Add(1)
	if n.spy.failPut {
		return errors.New("quota exceeded")
	}
	return n.Namespace.Put(ctx, key, resp)
}

type countingObserver struct {
	storageFailures atomic.Int32
	refreshes       atomic.Int32
	refreshErrors   atomic.Int32
}

func (o *countingObserver) ObserveStorageFailure(string) { o.storageFailures.Add(1) }
func (o *countingObserver) ObserveRefresh(err error) {
	o.refreshes.Add(1)
	if err != nil {
		o.refreshErrors.Add(1)
	}
}

type harness struct {
	engine   *Engine
	fetcher  *fakeFetcher
	storage  *spyStorage
	observer *countingObserver
	names    cache.Names
	now      time.Time
	clock    func() time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetcher:  &fakeFetcher{body: []byte("live")},
		storage:  &spyStorage{Storage: cache.NewMemoryStorage(0)},
		observer: &countingObserver{},
		names:    cache.NewNames("va-", "v2"),
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	h.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return h.now
	}
	engine, err := NewEngine(Options{
		Storage:        h.storage,
		Fetcher:        h.fetcher,
		Names:          h.names,
		MaxAge:         cache.DefaultMaxAge(),
		NetworkTimeout: 50 * time.Millisecond,
		OfflineURL:     site + "/offline.html",
		Observer:       h.observer,
		Now:            h.clock,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) seed(t *testing.T, namespace, rawURL, body string, at time.Time) {
	t.Helper()
	ns, err := h.storage.Storage.Open(context.Background(), namespace)
	if err != nil {
		t.Fatalf("open %s: %v", namespace, err)
	}
	resp := cache.Stamp(&cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, at)
	if err := ns.Put(context.Background(), cache.GetKey(rawURL), resp); err != nil {
		t.Fatalf("seed %s: %v", rawURL, err)
	}
}

func (h *harness) stored(t *testing.T, namespace, rawURL string) *cache.Response {
	t.Helper()
	ns, err := h.storage.Storage.Open(context.Background(), namespace)
	if err != nil {
		t.Fatalf("open %s: %v", namespace, err)
	}
	resp, err := ns.Match(context.Background(), cache.GetKey(rawURL))
	if err != nil {
		return nil
	}
	return resp
}

func (h *harness) serve(t *testing.T, path string, navigate bool) (Result, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, site+path, nil)
	if navigate {
		req.Header.Set(routing.NavigateHeader, "navigate")
	}
	classifier := routing.NewClassifier(routing.Origin(req.URL), routing.DefaultRules(), h.names)
	decision := classifier.Classify(routing.Describe(req))
	if !decision.Intercept {
		t.Fatalf("request %s should be intercepted", path)
	}
	return h.engine.Serve(context.Background(), decision, req)
}

func TestNetworkOnlyNeverTouchesCache(t *testing.T) {
	h := newHarness(t)

	res, err := h.serve(t, "/api/health", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Response.Body) != "live" {
		t.Fatalf("unexpected result: %+v", res)
	}

	h.fetcher.set("", errUnreachable)
	_, err = h.serve(t, "/api/health", false)
	if !errors.Is(err, errUnreachable) {
		t.Fatalf("failure should propagate unchanged, got %v", err)
	}
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %T", err)
	}
	if h.storage.opens.Load() != 0 || h.storage.matches.Load() != 0 || h.storage.puts.Load() != 0 {
		t.Fatalf("network-only must not touch storage: opens=%d matches=%d puts=%d",
			h.storage.opens.Load(), h.storage.matches.Load(), h.storage.puts.Load())
	}
	if h.fetcher.Calls() != 2 {
		t.Fatalf("expected exactly 2 network calls, got %d", h.fetcher.Calls())
	}
}

func TestScenarioAImagesCacheFirst(t *testing.T) {
	h := newHarness(t)

	res, err := h.serve(t, "/images/logo.png", false)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if res.Source != SourceNetwork || res.Namespace != h.names.Images {
		t.Fatalf("unexpected first result: %+v", res)
	}
	if h.fetcher.Calls() != 1 || h.storage.puts.Load() != 1 {
		t.Fatalf("absent entry should produce one fetch and one write, got fetch=%d put=%d",
			h.fetcher.Calls(), h.storage.puts.Load())
	}
	stored := h.stored(t, h.names.Images, site+"/images/logo.png")
	at, ok := cache.FetchedAt(stored)
	if !ok || !at.Equal(h.now.Truncate(time.Millisecond)) {
		t.Fatalf("stored timestamp should equal write time, got %v ok=%v", at, ok)
	}

	h.now = h.now.Add(29 * 24 * time.Hour)
	res, err = h.serve(t, "/images/logo.png", false)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if res.Source != SourceCache {
		t.Fatalf("fresh entry should be served from cache, got %s", res.Source)
	}
	if h.fetcher.Calls() != 1 {
		t.Fatalf("cache-first must be network-silent when fresh, calls=%d", h.fetcher.Calls())
	}
	if !bytes.Equal(res.Response.Body, []byte("live")) {
		t.Fatalf("round trip should return identical body, got %q", res.Response.Body)
	}
}

func TestCacheFirstExpiredRefetches(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Images, site+"/images/logo.png", "old", h.now.Add(-31*24*time.Hour))

	res, err := h.serve(t, "/images/logo.png", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Response.Body) != "live" {
		t.Fatalf("expired entry should be refreshed from network, got %+v", res)
	}
	if got := h.stored(t, h.names.Images, site+"/images/logo.png"); string(got.Body) != "live" {
		t.Fatalf("cache should hold refreshed body, got %q", got.Body)
	}
}

func TestCacheFirstServesStaleOnFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Fonts, site+"/fonts/inter.woff2", "old-font", h.now.Add(-400*24*time.Hour))
	h.fetcher.set("", errUnreachable)

	res, err := h.serve(t, "/fonts/inter.woff2", false)
	if err != nil {
		t.Fatalf("stale copy should be served, got %v", err)
	}
	if res.Source != SourceStale || string(res.Response.Body) != "old-font" {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = h.serve(t, "/images/missing.png", false)
	if !IsTransport(err) {
		t.Fatalf("absent entry with failed network should propagate, got %v", err)
	}
}

func TestCacheFirstDoesNotStoreErrorStatus(t *testing.T) {
	h := newHarness(t)
	h.fetcher.status = http.StatusNotFound

	res, err := h.serve(t, "/images/none.png", false)
	if err != nil {
		t.Fatalf("non-success status is still a response: %v", err)
	}
	if res.Response.Status != http.StatusNotFound {
		t.Fatalf("status should be passed through, got %d", res.Response.Status)
	}
	if h.storage.puts.Load() != 0 {
		t.Fatalf("non-2xx responses must not be cached")
	}
}

func TestScenarioBOfflinePage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/offline.html", "offline", h.now.Add(-90*24*time.Hour))
	h.fetcher.set("", errUnreachable)

	res, err := h.serve(t, "/nieuws/", true)
	if err != nil {
		t.Fatalf("navigation should fall back to offline page, got %v", err)
	}
	if res.Source != SourceOffline || string(res.Response.Body) != "offline" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestScenarioCStaleCopyAnyAge(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/offline.html", "offline", h.now)
	h.seed(t, h.names.Dynamic, site+"/nieuws/", "yesterday's news", h.now.Add(-365*24*time.Hour))
	h.fetcher.set("", errUnreachable)

	res, err := h.serve(t, "/nieuws/", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceStale || string(res.Response.Body) != "yesterday's news" {
		t.Fatalf("cached copy should win regardless of age, got %+v", res)
	}
}

func TestNetworkFirstTimeoutFallsBack(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Dynamic, site+"/standpunten/wonen", "cached", h.now)
	gate := make(chan struct{})
	h.fetcher.gate = gate
	defer close(gate)

	start := time.Now()
	res, err := h.serve(t, "/standpunten/wonen", false)
	if err != nil {
		t.Fatalf("timeout should fall back to cache: %v", err)
	}
	if res.Source != SourceStale || string(res.Response.Body) != "cached" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("network-first wait should be bounded by timeout, took %s", elapsed)
	}
}

func TestNetworkFirstNonNavigationPropagates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/offline.html", "offline", h.now)
	h.fetcher.set("", errUnreachable)

	_, err := h.serve(t, "/nieuws/feed.json", false)
	if !IsTransport(err) {
		t.Fatalf("non-navigation without cache should propagate, got %v", err)
	}
}

func TestNetworkFirstStoresSuccess(t *testing.T) {
	h := newHarness(t)

	res, err := h.serve(t, "/over-ons/", true)
	if err != nil || res.Source != SourceNetwork {
		t.Fatalf("unexpected result: %+v err=%v", res, err)
	}
	if got := h.stored(t, h.names.Dynamic, site+"/over-ons/"); got == nil || string(got.Body) != "live" {
		t.Fatalf("successful response should be cached in dynamic namespace")
	}
}

func TestScenarioDNetworkOnlyFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Dynamic, site+"/api/health", "cached", h.now)
	h.seed(t, h.names.Static, site+"/offline.html", "offline", h.now)
	h.fetcher.set("", errUnreachable)

	res, err := h.serve(t, "/api/health", true)
	if err == nil {
		t.Fatalf("expected failure, got %+v", res)
	}
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(te.Err, errUnreachable) {
		t.Fatalf("failure should be the original transport error, got %v", err)
	}
}

func TestStaleWhileRevalidateServesCachedAndRefreshes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/styles.css", "old-css", h.now.Add(-100*24*time.Hour))
	h.fetcher.set("new-css", nil)

	res, err := h.serve(t, "/styles.css", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceCache || string(res.Response.Body) != "old-css" {
		t.Fatalf("cached entry should be returned immediately, got %+v", res)
	}
	h.engine.Wait()
	if got := h.stored(t, h.names.Static, site+"/styles.css"); string(got.Body) != "new-css" {
		t.Fatalf("background refresh should overwrite entry, got %q", got.Body)
	}
	if h.observer.refreshes.Load() != 1 {
		t.Fatalf("refresh should be observed once, got %d", h.observer.refreshes.Load())
	}
}

func TestStaleWhileRevalidateFirstRequestWaits(t *testing.T) {
	h := newHarness(t)

	res, err := h.serve(t, "/script.js", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceNetwork || string(res.Response.Body) != "live" {
		t.Fatalf("first request should resolve with network result, got %+v", res)
	}
	h.engine.Wait()

	h.fetcher.set("", errUnreachable)
	_, err = h.serve(t, "/manifest.json", false)
	if !IsTransport(err) {
		t.Fatalf("first request with failed refresh should propagate, got %v", err)
	}
	h.engine.Wait()
}

func TestStaleWhileRevalidateSwallowsRefreshFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/styles.css", "css", h.now)
	h.fetcher.set("", errUnreachable)

	res, err := h.serve(t, "/styles.css", false)
	if err != nil || string(res.Response.Body) != "css" {
		t.Fatalf("refresh failure must not surface: %+v err=%v", res, err)
	}
	h.engine.Wait()
	if h.observer.refreshErrors.Load() != 1 {
		t.Fatalf("refresh failure should be observed")
	}
	if got := h.stored(t, h.names.Static, site+"/styles.css"); string(got.Body) != "css" {
		t.Fatalf("failed refresh must leave entry untouched, got %q", got.Body)
	}
}

func TestStaleWhileRevalidateIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set("stable", nil)

	for i := 0; i < 3; i++ {
		h.now = h.now.Add(time.Hour)
		if _, err := h.serve(t, "/styles.css", false); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		h.engine.Wait()
		got := h.stored(t, h.names.Static, site+"/styles.css")
		if string(got.Body) != "stable" {
			t.Fatalf("payload should not change across refreshes, got %q", got.Body)
		}
		if at, _ := cache.FetchedAt(got); !at.Equal(h.now.Truncate(time.Millisecond)) {
			t.Fatalf("timestamp should follow latest refresh, got %v", at)
		}
	}
}

func TestStaleWhileRevalidateCoalescesRefresh(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/script.js", "js", h.now)
	gate := make(chan struct{})
	h.fetcher.gate = gate

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.serve(t, "/script.js", false); err != nil {
				t.Errorf("serve: %v", err)
			}
		}()
	}
	wg.Wait()
	close(gate)
	h.engine.Wait()

	if calls := h.fetcher.Calls(); calls < 1 || calls > 5 {
		t.Fatalf("unexpected fetch count %d", calls)
	}
	if h.observer.refreshes.Load() != 5 {
		t.Fatalf("each caller should observe the shared refresh, got %d", h.observer.refreshes.Load())
	}
}

func TestStorageFailureNeverEscalates(t *testing.T) {
	h := newHarness(t)
	h.storage.failPut = true

	res, err := h.serve(t, "/images/logo.png", false)
	if err != nil {
		t.Fatalf("storage failure must not surface: %v", err)
	}
	if res.Source != SourceNetwork {
		t.Fatalf("expected live response, got %s", res.Source)
	}
	if h.observer.storageFailures.Load() != 1 {
		t.Fatalf("storage failure should be observed once, got %d", h.observer.storageFailures.Load())
	}
}

func TestNonGetIsNotCached(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, site+"/doe-mee/", nil)
	decision := routing.Decision{Intercept: true, Strategy: routing.StrategyNetworkFirst, Namespace: h.names.Dynamic}

	if _, err := h.engine.Serve(context.Background(), decision, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.storage.puts.Load() != 0 {
		t.Fatalf("POST responses must not be cached")
	}
}

func TestNewEngineValidatesOptions(t *testing.T) {
	if _, err := NewEngine(Options{Fetcher: &fakeFetcher{}}); err == nil {
		t.Fatalf("missing storage should fail")
	}
	if _, err := NewEngine(Options{Storage: cache.NewMemoryStorage(0)}); err == nil {
		t.Fatalf("missing fetcher should fail")
	}
}

func TestStaleWhileRevalidateDoesNotMergePosts(t *testing.T) {
	var (
		mu     sync.Mutex
		calls  int
		bodies []string
	)
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*cache.Response, error) {
		payload, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls++
		bodies = append(bodies, string(payload))
		mu.Unlock()
		arrived <- struct{}{}
		<-release
		return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok:" + string(payload))}, nil
	})
	names := cache.NewNames("va-", "v2")
	engine, err := NewEngine(Options{Storage: cache.NewMemoryStorage(0), Fetcher: fetcher, Names: names})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	classifier := routing.NewClassifier(nil, routing.DefaultRules(), names)
	results := make(map[string]string)
	var resMu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob"} {
		name := name
		req := httptest.NewRequest(http.MethodPost, site+"/contact", strings.NewReader(name))
		decision := classifier.Classify(routing.Describe(req))
		if decision.Strategy != routing.StrategyStaleWhileRevalidate {
			t.Fatalf("expected default stale-while-revalidate, got %s", decision.Strategy)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Serve(context.Background(), decision, req)
			if err != nil {
				t.Errorf("serve %s: %v", name, err)
				return
			}
			resMu.Lock()
			results[name] = string(res.Response.Body)
			resMu.Unlock()
		}()
	}

	// 两个请求都必须独立到达源站；若被合并，第二个永远不会到达。
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(time.Second):
			close(release)
			wg.Wait()
			mu.Lock()
			merged := calls
			mu.Unlock()
			t.Fatalf("concurrent POSTs were merged into %d upstream call(s)", merged)
		}
	}
	close(release)
	wg.Wait()
	engine.Wait()

	if results["alice"] != "ok:alice" || results["bob"] != "ok:bob" {
		t.Fatalf("each POST must get its own response, got %v", results)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d (%v)", calls, bodies)
	}
}

func TestNetworkFirstPostNavigationSkipsOfflinePage(t *testing.T) {
	h := newHarness(t)
	h.seed(t, h.names.Static, site+"/offline.html", "offline", h.now)
	h.fetcher.set("", errUnreachable)

	req := httptest.NewRequest(http.MethodPost, site+"/doe-mee/", strings.NewReader("naam=test"))
	req.Header.Set(routing.NavigateHeader, "navigate")
	decision := routing.Decision{Intercept: true, Strategy: routing.StrategyNetworkFirst, Namespace: h.names.Dynamic, Navigate: true}

	res, err := h.engine.Serve(context.Background(), decision, req)
	if !IsTransport(err) {
		t.Fatalf("form submit failure must surface as transport error, got %v (%+v)", err, res)
	}
	if res.Response != nil {
		t.Fatalf("offline page must not replace a failed POST")
	}
}
