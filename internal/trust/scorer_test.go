package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zta-mfa/backend/internal/core"
)

var testBaseWeights = map[core.SignalType]float64{
	core.SignalIPGeo:         0.25,
	core.SignalGPS:           0.30,
	core.SignalWifiBSSID:     0.20,
	core.SignalDevicePosture: 0.15,
	core.SignalTLSFP:         0.10,
}

func newTestScorer() *Scorer {
	return NewScorer(Options{
		BaseRisk:       0.05,
		AllowThreshold: 0.15,
		DenyThreshold:  0.80,
		SiemHighBump:   0.25,
		SiemMediumBump: 0.10,
		BaseWeights:    testBaseWeights,
	})
}

func fullVector(reasons ...core.AnomalyReason) core.ValidatedVector {
	weights := make(map[core.SignalType]float64, len(testBaseWeights))
	for st, w := range testBaseWeights {
		weights[st] = w
	}
	return core.ValidatedVector{
		Bundle:  core.SignalBundle{SessionID: "sess-1"},
		Weights: weights,
		Reasons: reasons,
	}
}

func TestScoreBenignBundleAllows(t *testing.T) {
	s := newTestScorer()
	out := s.Score(fullVector(), core.AlertWindowCount{})

	assert.InDelta(t, 0.05, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionAllow, out.Decision)
	assert.Empty(t, out.StrideCategories)
	assert.Equal(t, "sess-1", out.SessionID)
}

func TestScoreDeterministic(t *testing.T) {
	s := newTestScorer()
	vec := fullVector(core.ReasonBruteForce, core.ReasonTLSAnomaly)
	alerts := core.AlertWindowCount{High: 1, Medium: 2}

	first := s.Score(vec, alerts)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Score(vec, alerts))
	}
}

func TestScoreMonotoneInReasons(t *testing.T) {
	s := newTestScorer()
	baselines := []core.ValidatedVector{
		fullVector(),
		fullVector(core.ReasonPostureOutdated),
		{Bundle: core.SignalBundle{SessionID: "s"}, Weights: map[core.SignalType]float64{}},
	}
	for _, base := range baselines {
		before := s.Score(base, core.AlertWindowCount{}).Risk
		for reason := range DefaultIncrements {
			extended := base
			extended.Reasons = append(append([]core.AnomalyReason{}, base.Reasons...), reason)
			after := s.Score(extended, core.AlertWindowCount{}).Risk
			assert.GreaterOrEqual(t, after, before, "adding %s must not lower risk", reason)
		}
	}
}

func TestScoreThresholdBoundariesAreHalfOpen(t *testing.T) {
	// With a full-coverage vector the confidence adjustment is neutral, so
	// the base risk lands exactly on the thresholds.
	atAllow := NewScorer(Options{
		BaseRisk: 0.15, AllowThreshold: 0.15, DenyThreshold: 0.80,
		BaseWeights: testBaseWeights,
	})
	out := atAllow.Score(fullVector(), core.AlertWindowCount{})
	assert.InDelta(t, 0.15, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionStepUp, out.Decision, "risk at allow threshold must step up")

	atDeny := NewScorer(Options{
		BaseRisk: 0.80, AllowThreshold: 0.15, DenyThreshold: 0.80,
		BaseWeights: testBaseWeights,
	})
	out = atDeny.Score(fullVector(), core.AlertWindowCount{})
	assert.InDelta(t, 0.80, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionDeny, out.Decision, "risk at deny threshold must deny")
}

func TestScoreDOSWithAlertPressureDenies(t *testing.T) {
	s := newTestScorer()
	out := s.Score(fullVector(core.ReasonDOSAttack), core.AlertWindowCount{High: 2})

	// 0.05 base + 0.30 DoS + 2*0.25 alert pressure
	assert.InDelta(t, 0.85, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionDeny, out.Decision)
	assert.Contains(t, out.StrideCategories, core.StrideDoS)
}

func TestScoreLocationMismatchStepsUp(t *testing.T) {
	s := newTestScorer()
	vec := fullVector(core.ReasonGPSMismatch, core.ReasonWifiMismatch)
	vec.Weights[core.SignalGPS] = 0.2
	vec.Weights[core.SignalWifiBSSID] = 0.2

	out := s.Score(vec, core.AlertWindowCount{})

	// 0.05 + 0.06 + 0.04, confidence in the neutral band
	assert.InDelta(t, 0.15, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionStepUp, out.Decision)
	assert.Equal(t, []core.StrideCategory{core.StrideSpoofing}, out.StrideCategories)
}

func TestScoreAlertPressureTerm(t *testing.T) {
	s := newTestScorer()
	quiet := s.Score(fullVector(), core.AlertWindowCount{}).Risk
	noisy := s.Score(fullVector(), core.AlertWindowCount{High: 1, Medium: 2}).Risk
	assert.InDelta(t, 0.25+2*0.10, noisy-quiet, 1e-9)
}

func TestScoreLowConfidenceUplift(t *testing.T) {
	s := newTestScorer()
	vec := core.ValidatedVector{
		Bundle:  core.SignalBundle{SessionID: "s"},
		Weights: map[core.SignalType]float64{core.SignalTLSFP: 0.10},
	}
	out := s.Score(vec, core.AlertWindowCount{})

	assert.LessOrEqual(t, out.Confidence, 0.50)
	assert.InDelta(t, 0.05*1.10, out.Risk, 1e-9)
}

func TestScoreHighConfidenceDampening(t *testing.T) {
	heavy := map[core.SignalType]float64{
		core.SignalIPGeo:         0.30,
		core.SignalGPS:           0.30,
		core.SignalWifiBSSID:     0.30,
		core.SignalDevicePosture: 0.30,
		core.SignalTLSFP:         0.30,
	}
	s := NewScorer(Options{
		BaseRisk: 0.20, AllowThreshold: 0.15, DenyThreshold: 0.80,
		BaseWeights: heavy,
	})
	out := s.Score(core.ValidatedVector{
		Bundle:  core.SignalBundle{SessionID: "s"},
		Weights: heavy,
	}, core.AlertWindowCount{})

	assert.GreaterOrEqual(t, out.Confidence, 0.90)
	assert.InDelta(t, 0.20*0.75, out.Risk, 1e-9)
}

func TestScoreAttributedReasonScalesWithSignalWeight(t *testing.T) {
	s := newTestScorer()
	vec := core.ValidatedVector{
		Bundle:  core.SignalBundle{SessionID: "s"},
		Weights: map[core.SignalType]float64{core.SignalTLSFP: 0.05},
		Reasons: []core.AnomalyReason{core.ReasonTLSAnomaly},
	}
	out := s.Score(vec, core.AlertWindowCount{})

	// half the base weight halves the TLS increment; low confidence uplifts
	assert.InDelta(t, (0.05+0.15*0.5)*1.10, out.Risk, 1e-9)
}

func TestScoreClampsToOne(t *testing.T) {
	s := newTestScorer()
	reasons := make([]core.AnomalyReason, 0, len(DefaultIncrements))
	for r := range DefaultIncrements {
		reasons = append(reasons, r)
	}
	out := s.Score(fullVector(reasons...), core.AlertWindowCount{High: 10})
	assert.InDelta(t, 1.0, out.Risk, 1e-9)
	assert.Equal(t, core.DecisionDeny, out.Decision)
}

func TestConfidenceBounds(t *testing.T) {
	s := newTestScorer()
	require.InDelta(t, 0,
		s.Confidence(core.ValidatedVector{Weights: map[core.SignalType]float64{}}), 1e-9)
	assert.InDelta(t, 0.8, s.Confidence(fullVector()), 1e-9)
}
