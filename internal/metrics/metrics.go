// Package metrics 以 prometheus 指标暴露路由决策、缓存结果与生命周期事件。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有独立的 registry，避免与进程默认 registry 冲突，测试中可反复创建。
type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	bypassed         *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	storageFailures  *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	precache         *prometheus.CounterVec
	namespaceDeletes prometheus.Counter
	messages         *prometheus.CounterVec
	versionInfo      *prometheus.GaugeVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_requests_total",
		Help: "Intercepted requests by strategy and response source",
	}, []string{"strategy", "source"})

	bypassed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_bypass_total",
		Help: "Requests forwarded without interception",
	}, []string{"reason"})

	transportErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_transport_errors_total",
		Help: "Transport failures propagated to the client",
	}, []string{"strategy"})

	storageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_storage_failures_total",
		Help: "Cache storage operations that failed",
	}, []string{"op"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_refresh_total",
		Help: "Background stale-while-revalidate refreshes",
	}, []string{"result"})

	precache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_precache_total",
		Help: "Precache and on-demand cache attempts per URL",
	}, []string{"reason", "result"})

	namespaceDeletes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "va_cache_namespace_deletes_total",
		Help: "Cache namespaces deleted by activation or CLEAR_CACHE",
	})

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "va_cache_messages_total",
		Help: "Control messages received",
	}, []string{"type"})

	versionInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "va_cache_worker_info",
		Help: "Active worker version and lifecycle state",
	}, []string{"version", "state"})

	registry.MustRegister(requests, bypassed, transportErrors, storageFailures, refreshes, precache, namespaceDeletes, messages, versionInfo)

	return &Metrics{
		registry:         registry,
		requests:         requests,
		bypassed:         bypassed,
		transportErrors:  transportErrors,
		storageFailures:  storageFailures,
		refreshes:        refreshes,
		precache:         precache,
		namespaceDeletes: namespaceDeletes,
		messages:         messages,
		versionInfo:      versionInfo,
	}
}

// Handler 输出 prometheus 文本格式。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(strategy, source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) ObserveBypass(reason string) {
	if m == nil {
		return
	}
	m.bypassed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTransportError(strategy string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(strategy).Inc()
}

// ObserveStorageFailure 与 ObserveRefresh 满足 strategy.Observer。
func (m *Metrics) ObserveStorageFailure(op string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(resultLabel(err)).Inc()
}

// ObservePrecache 记录单个 URL 的预缓存结果，reason 为 install/sync/message。
func (m *Metrics) ObservePrecache(reason string, err error) {
	if m == nil {
		return
	}
	m.precache.WithLabelValues(reason, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveNamespaceDelete() {
	if m == nil {
		return
	}
	m.namespaceDeletes.Inc()
}

func (m *Metrics) ObserveMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

// SetState 将当前版本/状态置为 1，其余组合清零。
func (m *Metrics) SetState(version, state string) {
	if m == nil {
		return
	}
	m.versionInfo.Reset()
	m.versionInfo.WithLabelValues(version, state).Set(1)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
