// Package monitoring exposes Prometheus metrics for the decision pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the decision pipeline.
type Metrics struct {
	// Decision metrics
	DecisionsTotal   *prometheus.CounterVec
	RiskScore        prometheus.Histogram
	DecisionDuration prometheus.Histogram

	// Dependency metrics
	FailSafeTotal      *prometheus.CounterVec
	PersistenceFailure *prometheus.CounterVec

	// Alert metrics
	AlertsEmitted *prometheus.CounterVec
}

// NewMetrics creates the pipeline metrics and registers them on reg. Using an
// injected registry keeps tests isolated from the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zta_decisions_total",
				Help: "Total enforcement decisions by action",
			},
			[]string{"enforcement"}, // ALLOW, MFA_STEP_UP, DENY
		),

		RiskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zta_risk_score",
				Help:    "Distribution of computed risk scores",
				Buckets: []float64{0.05, 0.1, 0.15, 0.25, 0.4, 0.6, 0.8, 0.9, 1.0},
			},
		),

		DecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zta_decision_duration_seconds",
				Help:    "End-to-end latency of the decision pipeline",
				Buckets: prometheus.DefBuckets,
			},
		),

		FailSafeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zta_fail_safe_total",
				Help: "Decisions forced to DENY because a dependency failed",
			},
			[]string{"dependency"}, // alert_store, audit_store
		),

		PersistenceFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zta_persistence_failures_total",
				Help: "Audit or alert writes that failed after the decision was made",
			},
			[]string{"store"},
		),

		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zta_alerts_emitted_total",
				Help: "Alerts emitted by the gateway by severity",
			},
			[]string{"severity"},
		),
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.RiskScore,
		m.DecisionDuration,
		m.FailSafeTotal,
		m.PersistenceFailure,
		m.AlertsEmitted,
	)
	return m
}
