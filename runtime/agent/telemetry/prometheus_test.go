package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_IncCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.IncCounter("requests_total", 1, "route", "/health", "status", "200")
	m.IncCounter("requests_total", 2, "route", "/health", "status", "200")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "requests_total", families[0].GetName())
	assert.InDelta(t, 3, counterValue(families[0]), 0.0001)
}

func TestPrometheusMetrics_RecordTimerAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.RecordTimer("classify_duration", 50*time.Millisecond, "tier", "cache")
	m.RecordGauge("active_workflows", 3, "status", "running")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}

func counterValue(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}
