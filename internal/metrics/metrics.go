// Package metrics exposes prometheus instrumentation for store calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Outcome labels.
const (
	OutcomeOK              = "ok"
	OutcomeInvalidArgument = "invalid_argument"
	OutcomeStorageFailure  = "storage_failure"
	OutcomeMasked          = "masked"
	OutcomeNotFound        = "method_not_found"
)

// MethodUnknown is the method label for calls to unrecognized methods.
const MethodUnknown = "unknown"

// Metrics holds the collectors for one registry.
type Metrics struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coffer_channel_calls_total",
			Help: "Store calls by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coffer_channel_call_duration_seconds",
			Help:    "Store call latency by method.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
	}
	reg.MustRegister(m.calls, m.duration, collectors.NewGoCollector())
	return m
}

// Observe records one call.
func (m *Metrics) Observe(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Calls returns the current count for a method and outcome.
func (m *Metrics) Calls(method, outcome string) float64 {
	c, err := m.calls.GetMetricWithLabelValues(method, outcome)
	if err != nil {
		return 0
	}
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Series reports how many label combinations the named metric has.
func (m *Metrics) Series(name string) int {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
