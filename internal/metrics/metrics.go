// Package metrics exposes Prometheus counters for fetch sources and lifecycle
// outcomes of every site worker. Each Recorder owns a private registry so
// tests and multiple servers in one process never collide; a nil *Recorder is
// a valid no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_hub"

// Lifecycle 事件与结果标签。
const (
	EventInstall  = "install"
	EventActivate = "activate"

	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Recorder 汇总 fetch 来源、生命周期结果与清理数量。
type Recorder struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	lifecycle     *prometheus.CounterVec
	purged        *prometheus.CounterVec
}

// NewRecorder 创建带独立 Registry 的 Recorder，并注册 Go 运行时指标。
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Fetch events answered, by site and response source",
		}, []string{"site", "source"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Fetch events that ended in a network failure without fallback",
		}, []string{"site"}),
		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Install and activate dispatches by outcome",
		}, []string{"site", "event", "result"}),
		purged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stores_purged_total",
			Help:      "Stale cache stores deleted during activation",
		}, []string{"site"}),
	}
}

// ObserveFetch 记录一次成功应答的来源。
func (r *Recorder) ObserveFetch(site, source string) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(site, source).Inc()
}

// ObserveFetchFailure 记录一次以网络失败结束的请求。
func (r *Recorder) ObserveFetchFailure(site string) {
	if r == nil {
		return
	}
	r.fetchFailures.WithLabelValues(site).Inc()
}

// ObserveLifecycle 记录 install/activate 的结果。
func (r *Recorder) ObserveLifecycle(site, event, result string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(site, event, result).Inc()
}

// ObservePurged 累加被删除的过期 Store 数量。
func (r *Recorder) ObservePurged(site string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.purged.WithLabelValues(site).Add(float64(count))
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
