// Package gateway implements the Enforcement Gateway: it orchestrates the
// enrichment, validation, alert-aggregation, and scoring stages, maps the
// decision to an enforcement action, and persists the audit trail. When any
// scoring dependency is unreachable the gateway fails safe to DENY.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zta-mfa/backend/internal/alerts"
	"github.com/zta-mfa/backend/internal/circuitbreaker"
	"github.com/zta-mfa/backend/internal/core"
	"github.com/zta-mfa/backend/internal/monitoring"
	"github.com/zta-mfa/backend/internal/telemetry"
)

// ===== DEPENDENCY CONTRACTS =====

// Resolver annotates a bundle with reference-data lookups.
type Resolver interface {
	Enrich(bundle core.SignalBundle) core.EnrichmentResult
}

// Validator turns a bundle plus enrichment into a validated vector.
type Validator interface {
	Validate(bundle core.SignalBundle, enrichment core.EnrichmentResult) core.ValidatedVector
}

// Scorer computes the risk assessment.
type Scorer interface {
	Score(vector core.ValidatedVector, alerts core.AlertWindowCount) core.RiskAssessment
}

// AlertCounter answers windowed severity-count queries.
type AlertCounter interface {
	CountRecent(ctx context.Context, sessionID string) (core.AlertWindowCount, error)
}

// AuditStore persists enforcement records.
type AuditStore interface {
	InsertEnforcement(ctx context.Context, rec core.EnforcementRecord) error
}

// ===== RESULT =====

// PersistenceStatus reports whether the audit record was durably written. A
// failed write never changes the already-decided enforcement action.
type PersistenceStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the gateway's response for one authentication attempt.
type Result struct {
	SessionID    string                `json:"session_id"`
	Risk         float64               `json:"risk"`
	Decision     core.Decision         `json:"decision"`
	Enforcement  core.Enforcement      `json:"enforcement"`
	Reasons      []core.AnomalyReason  `json:"reasons,omitempty"`
	Stride       []core.StrideCategory `json:"stride_categories,omitempty"`
	Confidence   float64               `json:"confidence"`
	FailSafe     bool                  `json:"fail_safe,omitempty"`
	AlertEmitted bool                  `json:"alert_emitted,omitempty"`
	OTPDemo      string                `json:"otp_demo,omitempty"`
	Persistence  PersistenceStatus     `json:"persistence"`
}

// ===== GATEWAY =====

// Options holds the gateway's static configuration.
type Options struct {
	// EmitThreshold is the risk at or above which an alert is recorded.
	EmitThreshold float64

	// HighSeverityRisk is the risk at or above which emitted alerts are
	// tagged high severity instead of medium.
	HighSeverityRisk float64

	// DependencyTimeout bounds every external call in the decision path.
	DependencyTimeout time.Duration

	// TOTPSecret, when set, is used to mint the step-up OTP challenge.
	TOTPSecret string
}

// Gateway decides enforcement for authentication attempts. Stateless per
// request; safe for concurrent use.
type Gateway struct {
	resolver   Resolver
	validator  Validator
	scorer     Scorer
	counter    AlertCounter
	alertStore alerts.Store
	audit      AuditStore

	countBreaker *circuitbreaker.CircuitBreaker
	auditBreaker *circuitbreaker.CircuitBreaker

	sink    telemetry.Sink
	metrics *monitoring.Metrics
	opts    Options
	now     func() time.Time
}

// New creates a Gateway. sink and metrics may be nil.
func New(
	resolver Resolver,
	validator Validator,
	scorer Scorer,
	counter AlertCounter,
	alertStore alerts.Store,
	audit AuditStore,
	sink telemetry.Sink,
	metrics *monitoring.Metrics,
	opts Options,
) *Gateway {
	if opts.DependencyTimeout <= 0 {
		opts.DependencyTimeout = 3 * time.Second
	}
	return &Gateway{
		resolver:     resolver,
		validator:    validator,
		scorer:       scorer,
		counter:      counter,
		alertStore:   alertStore,
		audit:        audit,
		countBreaker: circuitbreaker.New(storeBreakerConfig("alert_store")),
		auditBreaker: circuitbreaker.New(storeBreakerConfig("audit_store")),
		sink:         sink,
		metrics:      metrics,
		opts:         opts,
		now:          time.Now,
	}
}

// Decide runs the full pipeline for one bundle. The only error it returns is
// the caller's own context cancellation; dependency failures surface as a
// fail-safe DENY result instead.
func (g *Gateway) Decide(ctx context.Context, bundle core.SignalBundle) (Result, error) {
	started := g.now()

	enrichment := g.resolver.Enrich(bundle)
	vector := g.validator.Validate(bundle, enrichment)

	counts, err := g.countRecent(ctx, bundle.SessionID)
	if err != nil {
		if ctx.Err() != nil {
			// cancelled mid-pipeline: discard partial work, persist nothing
			return Result{}, ctx.Err()
		}
		slog.Error("alert aggregation unavailable, failing safe",
			"session_id", bundle.SessionID, "error", err)
		if g.metrics != nil {
			g.metrics.FailSafeTotal.WithLabelValues("alert_store").Inc()
		}
		return g.finish(ctx, bundle, failSafeAssessment(bundle.SessionID, vector), vector, true, started)
	}

	assessment := g.scorer.Score(vector, counts)

	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return g.finish(ctx, bundle, assessment, vector, false, started)
}

// failSafeAssessment is the hard security fallback: DENY at maximum risk,
// keeping whatever reasons validation already found.
func failSafeAssessment(sessionID string, vector core.ValidatedVector) core.RiskAssessment {
	return core.RiskAssessment{
		SessionID:        sessionID,
		Risk:             1.0,
		Decision:         core.DecisionDeny,
		StrideCategories: core.StrideSet(vector.Reasons),
		Confidence:       0,
	}
}

// finish maps the assessment to an enforcement action, persists the audit
// record, emits the alert when warranted, and publishes telemetry.
func (g *Gateway) finish(
	ctx context.Context,
	bundle core.SignalBundle,
	assessment core.RiskAssessment,
	vector core.ValidatedVector,
	failSafe bool,
	started time.Time,
) (Result, error) {
	enforcement := core.EnforcementFor(assessment.Decision)

	record := core.EnforcementRecord{
		SessionID:   bundle.SessionID,
		Risk:        assessment.Risk,
		Decision:    assessment.Decision,
		Enforcement: enforcement,
		Reasons:     vector.Reasons,
		Timestamp:   g.now(),
	}

	result := Result{
		SessionID:   bundle.SessionID,
		Risk:        assessment.Risk,
		Decision:    assessment.Decision,
		Enforcement: enforcement,
		Reasons:     vector.Reasons,
		Stride:      assessment.StrideCategories,
		Confidence:  assessment.Confidence,
		FailSafe:    failSafe,
		Persistence: g.persistAudit(ctx, record),
	}

	if enforcement == core.EnforceStepUp && g.opts.TOTPSecret != "" {
		if code, err := totpNow(g.opts.TOTPSecret, g.now()); err == nil {
			result.OTPDemo = code
		} else {
			slog.Warn("otp challenge generation failed", "error", err)
		}
	}

	if assessment.Risk >= g.opts.EmitThreshold {
		result.AlertEmitted = g.emitAlert(ctx, assessment)
	}

	g.publishTelemetry(ctx, result)

	if g.metrics != nil {
		g.metrics.DecisionsTotal.WithLabelValues(string(enforcement)).Inc()
		g.metrics.RiskScore.Observe(assessment.Risk)
		g.metrics.DecisionDuration.Observe(g.now().Sub(started).Seconds())
	}
	return result, nil
}

// errCallerGone marks store-call errors caused by the caller abandoning the
// request rather than the dependency failing. The store breakers must not
// count these, or a burst of cancelled requests could trip a breaker against
// a healthy store and force fail-safe denials for everyone behind it.
var errCallerGone = errors.New("caller abandoned request")

// storeBreakerConfig is StoreConfig with caller abandonment exempted from
// failure accounting.
func storeBreakerConfig(name string) *circuitbreaker.Config {
	cfg := circuitbreaker.StoreConfig(name)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, errCallerGone)
	}
	return cfg
}

// countRecent queries the alert aggregator behind its breaker and timeout.
func (g *Gateway) countRecent(ctx context.Context, sessionID string) (core.AlertWindowCount, error) {
	var counts core.AlertWindowCount
	err := g.countBreaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.opts.DependencyTimeout)
		defer cancel()
		var err error
		counts, err = g.counter.CountRecent(callCtx, sessionID)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errCallerGone, err)
		}
		return err
	})
	return counts, err
}

// persistAudit writes the enforcement record. Failure is surfaced in the
// persistence status but never changes the decision.
func (g *Gateway) persistAudit(ctx context.Context, record core.EnforcementRecord) PersistenceStatus {
	err := g.auditBreaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.opts.DependencyTimeout)
		defer cancel()
		if err := g.audit.InsertEnforcement(callCtx, record); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", errCallerGone, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		slog.Error("enforcement record not persisted",
			"session_id", record.SessionID, "enforcement", record.Enforcement, "error", err)
		if g.metrics != nil {
			g.metrics.PersistenceFailure.WithLabelValues("audit_store").Inc()
		}
		return PersistenceStatus{OK: false, Error: err.Error()}
	}
	return PersistenceStatus{OK: true}
}

// emitAlert records an alert tagged with the dominant STRIDE category.
func (g *Gateway) emitAlert(ctx context.Context, assessment core.RiskAssessment) bool {
	severity := core.SeverityMedium
	if assessment.Risk >= g.opts.HighSeverityRisk {
		severity = core.SeverityHigh
	}

	stride := core.StrideInfoDisclosure
	if len(assessment.StrideCategories) > 0 {
		stride = assessment.StrideCategories[0]
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.DependencyTimeout)
	defer cancel()
	err := g.alertStore.Insert(callCtx, core.Alert{
		SessionID: assessment.SessionID,
		Stride:    stride,
		Severity:  severity,
		Source:    "gateway",
		Raw: map[string]interface{}{
			"risk":     assessment.Risk,
			"decision": assessment.Decision,
		},
		CreatedAt: g.now(),
	})
	if err != nil {
		slog.Error("alert emission failed",
			"session_id", assessment.SessionID, "severity", severity, "error", err)
		if g.metrics != nil {
			g.metrics.PersistenceFailure.WithLabelValues("alert_store").Inc()
		}
		return false
	}
	if g.metrics != nil {
		g.metrics.AlertsEmitted.WithLabelValues(string(severity)).Inc()
	}
	return true
}

// publishTelemetry mirrors the decision to the telemetry bus, best-effort.
func (g *Gateway) publishTelemetry(ctx context.Context, result Result) {
	if g.sink == nil {
		return
	}
	g.sink.Publish(ctx, telemetry.Event{
		Type:      telemetry.EventDecision,
		SessionID: result.SessionID,
		Payload: map[string]interface{}{
			"risk":        result.Risk,
			"decision":    result.Decision,
			"enforcement": result.Enforcement,
			"fail_safe":   result.FailSafe,
		},
	})
}
