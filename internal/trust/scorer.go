// Package trust implements the Trust Scorer: a pure function from a
// validated signal vector plus recent alert pressure to a risk assessment.
package trust

import (
	"math"

	"github.com/zta-mfa/backend/internal/core"
)

// DefaultIncrements is the per-reason risk increment table. DoS-class and
// privilege-elevation indicators dominate; soft posture findings contribute
// the least.
var DefaultIncrements = map[core.AnomalyReason]float64{
	core.ReasonDOSAttack:          0.30,
	core.ReasonPolicyElevation:    0.25,
	core.ReasonBruteForce:         0.25,
	core.ReasonDownloadExfil:      0.20,
	core.ReasonCredentialStuffing: 0.18,
	core.ReasonTLSAnomaly:         0.15,
	core.ReasonJA3Suspect:         0.12,
	core.ReasonDeviceUnhealthy:    0.10,
	core.ReasonInsufficientSignal: 0.10,
	core.ReasonPostureOutdated:    0.08,
	core.ReasonGPSMismatch:        0.06,
	core.ReasonIPGeoMismatch:      0.05,
	core.ReasonWifiMismatch:       0.04,
}

// reasonSignal attributes a reason to the signal type whose evidence produced
// it. Location-mismatch reasons are deliberately absent: their weight cap
// already discounts the location evidence, and scaling the mismatch penalty
// by the capped weight would let the inconsistency shrink its own penalty.
var reasonSignal = map[core.AnomalyReason]core.SignalType{
	core.ReasonTLSAnomaly:      core.SignalTLSFP,
	core.ReasonJA3Suspect:      core.SignalTLSFP,
	core.ReasonDeviceUnhealthy: core.SignalDevicePosture,
	core.ReasonPostureOutdated: core.SignalDevicePosture,
}

// Options holds the Scorer's static configuration. Threshold ordering is
// validated at startup by the config layer, before a Scorer is constructed.
type Options struct {
	BaseRisk       float64
	AllowThreshold float64
	DenyThreshold  float64
	SiemHighBump   float64
	SiemMediumBump float64

	// BaseWeights is the Validator's base weight table, used to normalize
	// attributed signal weights into penalty scale factors.
	BaseWeights map[core.SignalType]float64

	// Increments overrides DefaultIncrements when non-nil.
	Increments map[core.AnomalyReason]float64
}

// Scorer computes risk assessments. It holds no mutable state and is safe
// for concurrent use; identical inputs always yield identical output.
type Scorer struct {
	opts Options
}

// NewScorer creates a Scorer with the given options.
func NewScorer(opts Options) *Scorer {
	if opts.Increments == nil {
		opts.Increments = DefaultIncrements
	}
	return &Scorer{opts: opts}
}

// Score turns a validated vector and the session's recent alert pressure into
// a RiskAssessment. Adding a reason to an otherwise-fixed vector never
// decreases the resulting risk.
func (s *Scorer) Score(vector core.ValidatedVector, alerts core.AlertWindowCount) core.RiskAssessment {
	risk := s.opts.BaseRisk
	for _, reason := range vector.Reasons {
		risk += s.opts.Increments[reason] * s.scale(reason, vector)
	}
	risk += float64(alerts.High)*s.opts.SiemHighBump + float64(alerts.Medium)*s.opts.SiemMediumBump

	confidence := s.Confidence(vector)
	switch {
	case confidence >= 0.90:
		risk *= 0.75
	case confidence <= 0.50:
		risk *= 1.10
	}
	risk = clamp01(risk)

	return core.RiskAssessment{
		SessionID:        vector.Bundle.SessionID,
		Risk:             risk,
		Decision:         s.decisionFor(risk),
		StrideCategories: core.StrideSet(vector.Reasons),
		Confidence:       confidence,
	}
}

// scale returns the penalty scale factor for a reason: the attributed
// signal's validated weight relative to its base weight, or 1 when the reason
// is not attributable to a single signal.
func (s *Scorer) scale(reason core.AnomalyReason, vector core.ValidatedVector) float64 {
	st, attributed := reasonSignal[reason]
	if !attributed {
		return 1
	}
	w, weighted := vector.Weights[st]
	if !weighted {
		return 1
	}
	base := s.opts.BaseWeights[st]
	if base <= 0 {
		return 1
	}
	return clamp01(w / base)
}

// Confidence measures how well-evidenced the vector is: 60% validated weight
// mass (saturating at 1.5) and 40% signal coverage breadth (saturating at 5
// signal types).
func (s *Scorer) Confidence(vector core.ValidatedVector) float64 {
	mass := math.Min(1, vector.TotalWeight()/1.5)
	breadth := math.Min(1, float64(len(vector.Weights))/5)
	return 0.6*mass + 0.4*breadth
}

// decisionFor applies the half-open threshold intervals: risk exactly at the
// allow threshold already requires step-up, risk exactly at the deny
// threshold denies.
func (s *Scorer) decisionFor(risk float64) core.Decision {
	switch {
	case risk >= s.opts.DenyThreshold:
		return core.DecisionDeny
	case risk >= s.opts.AllowThreshold:
		return core.DecisionStepUp
	default:
		return core.DecisionAllow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
