package diag

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the answer cache and provider counters.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	lookups         *prometheus.CounterVec
	providerErrors  prometheus.Counter
	providerLatency prometheus.Histogram
	entries         prometheus.Gauge
}

// NewMetrics creates a Metrics backed by its own registry, so multiple
// filesystems in one process (as in tests) never collide.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chapfuse",
			Name:      "answer_lookups_total",
			Help:      "Answer cache lookups by result (hit, miss, shared).",
		}, []string{"result"}),
		providerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chapfuse",
			Name:      "provider_errors_total",
			Help:      "Answer provider calls that returned an error.",
		}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chapfuse",
			Name:      "provider_duration_seconds",
			Help:      "Time spent waiting on the answer provider.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chapfuse",
			Name:      "answer_cache_entries",
			Help:      "Number of answers held in the cache.",
		}),
	}
	m.registry.MustRegister(
		m.lookups,
		m.providerErrors,
		m.providerLatency,
		m.entries,
		collectors.NewGoCollector(),
	)
	return m
}

// Hit records a cache hit.
func (m *Metrics) Hit() {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("hit").Inc()
}

// Miss records a cache miss that went to the provider.
func (m *Metrics) Miss() {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("miss").Inc()
}

// Shared records a miss that was satisfied by another caller's in-flight request.
func (m *Metrics) Shared() {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues("shared").Inc()
}

// ObserveProvider records one provider call.
func (m *Metrics) ObserveProvider(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.providerLatency.Observe(d.Seconds())
	if err != nil {
		m.providerErrors.Inc()
	}
}

// SetEntries records the current number of cached answers.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServeMux returns a mux serving /diag from t and /metrics from m.
func NewServeMux(t *Tracker, m *Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/diag", t.Handler())
	mux.Handle("/metrics", m.Handler())
	return mux
}
