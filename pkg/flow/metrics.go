package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the decision engine.
type Metrics struct {
	// Decisions
	checks  *prometheus.CounterVec
	denials *prometheus.CounterVec

	// Fallback activations
	fallbacks *prometheus.CounterVec

	// Check latency
	checkDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with Prometheus collectors.
// Collectors register globally, so create at most one per process.
func NewMetrics() *Metrics {
	return &Metrics{
		checks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limiteron_flow_checks_total",
				Help: "Total number of decision checks performed",
			},
			[]string{"result"},
		),

		denials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limiteron_flow_denials_total",
				Help: "Total number of denied requests by reason",
			},
			[]string{"reason"},
		),

		fallbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "limiteron_flow_fallbacks_total",
				Help: "Total number of fallback policy activations",
			},
			[]string{"stage", "policy"},
		),

		checkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "limiteron_flow_check_duration_seconds",
				Help:    "Duration of decision checks in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
			[]string{"stage"},
		),
	}
}

// RecordCheck records one completed decision.
func (m *Metrics) RecordCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.checks.WithLabelValues(result).Inc()
}

// RecordDenial records a denial by reason.
func (m *Metrics) RecordDenial(reason DenyReason) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(string(reason)).Inc()
}

// RecordFallback records a fallback policy activation.
func (m *Metrics) RecordFallback(stage string, policy FallbackPolicy) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(stage, string(policy)).Inc()
}

// RecordCheckDuration records the duration of one stage in seconds.
func (m *Metrics) RecordCheckDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.checkDuration.WithLabelValues(stage).Observe(seconds)
}
