package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics by registering counters/histograms
// on a dedicated prometheus.Registry, exposed by the HTTP server's
// GET /metrics (SPEC_FULL §0 — OTEL's metric API alone does not produce
// the Prometheus exposition format, so this mirrors the same
// requests/classifier/rate-limit/breaker signals into prometheus.Collectors).
type PrometheusMetrics struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a PrometheusMetrics bound to registry.
// Collectors are created lazily, keyed by metric name, the first time
// each name is observed; tag count must stay consistent across calls for
// a given name (a Prometheus label-cardinality requirement).
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func sanitizeName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func tagLabels(tags []string) ([]string, []string) {
	labels := make([]string, 0, len(tags)/2)
	values := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, sanitizeName(tags[i]))
		values = append(values, tags[i+1])
	}
	return labels, values
}

// IncCounter implements Metrics.
func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	labels, values := tagLabels(tags)
	name = sanitizeName(name)
	m.mu.Lock()
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labels)
		m.registry.MustRegister(cv)
		m.counters[name] = cv
	}
	m.mu.Unlock()
	cv.WithLabelValues(values...).Add(value)
}

// RecordTimer implements Metrics.
func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	labels, values := tagLabels(tags)
	name = sanitizeName(name)
	m.mu.Lock()
	hv, ok := m.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: prometheus.DefBuckets}, labels)
		m.registry.MustRegister(hv)
		m.histograms[name] = hv
	}
	m.mu.Unlock()
	hv.WithLabelValues(values...).Observe(duration.Seconds())
}

// RecordGauge implements Metrics.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	labels, values := tagLabels(tags)
	name = sanitizeName(name)
	m.mu.Lock()
	gv, ok := m.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labels)
		m.registry.MustRegister(gv)
		m.gauges[name] = gv
	}
	m.mu.Unlock()
	gv.WithLabelValues(values...).Set(value)
}

var _ Metrics = (*PrometheusMetrics)(nil)
