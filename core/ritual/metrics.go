package ritual

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ritual outcomes as recorded in qube_ritual_total.
const (
	OutcomeSealed            = "sealed"
	OutcomeQuarantined       = "quarantined"
	OutcomeConflict          = "append_conflict"
	OutcomeDependencyMissing = "dependency_missing"
	OutcomeFailed            = "failed"
)

type Metrics struct {
	rituals     *prometheus.CounterVec
	failedRules *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the ritual metrics with reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		rituals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qube_ritual_total",
			Help: "Rituals run, by outcome.",
		}, []string{"outcome"}),
		failedRules: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qube_parity_rule_failures_total",
			Help: "Parity rule failures, by rule.",
		}, []string{"rule"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qube_ritual_duration_seconds",
			Help:    "Ritual latency from canonicalization to durable append.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observe(outcome string, seconds float64) {
	m.rituals.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(seconds)
}
