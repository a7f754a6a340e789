package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zta-mfa/backend/internal/alerts"
	"github.com/zta-mfa/backend/internal/core"
	"github.com/zta-mfa/backend/internal/enrich"
	"github.com/zta-mfa/backend/internal/refdata"
	"github.com/zta-mfa/backend/internal/trust"
	"github.com/zta-mfa/backend/internal/validate"
)

// rfc6238Secret is the base32 form of the RFC 6238 test key "12345678901234567890".
const rfc6238Secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

var gwWeights = map[core.SignalType]float64{
	core.SignalIPGeo:         0.25,
	core.SignalGPS:           0.30,
	core.SignalWifiBSSID:     0.20,
	core.SignalDevicePosture: 0.15,
	core.SignalTLSFP:         0.10,
}

type memAudit struct {
	mu      sync.Mutex
	records []core.EnforcementRecord
	err     error
}

func (m *memAudit) InsertEnforcement(ctx context.Context, rec core.EnforcementRecord) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type failCounter struct{}

func (failCounter) CountRecent(ctx context.Context, sessionID string) (core.AlertWindowCount, error) {
	return core.AlertWindowCount{}, errors.New("alert store unreachable")
}

func newTestGateway(store alerts.Store, counter AlertCounter, audit AuditStore) *Gateway {
	resolver := enrich.NewResolver(refdata.NewStore(refdata.NewSnapshot(nil, nil, nil, nil)), 50)
	validator := validate.NewValidator(validate.Options{
		BaseWeights:       gwWeights,
		MismatchWeightCap: 0.2,
	})
	scorer := trust.NewScorer(trust.Options{
		BaseRisk:       0.05,
		AllowThreshold: 0.15,
		DenyThreshold:  0.80,
		SiemHighBump:   0.25,
		SiemMediumBump: 0.10,
		BaseWeights:    gwWeights,
	})
	return New(resolver, validator, scorer, counter, store, audit, nil, nil, Options{
		EmitThreshold:     0.25,
		HighSeverityRisk:  0.70,
		DependencyTimeout: time.Second,
		TOTPSecret:        rfc6238Secret,
	})
}

func cleanBundle(sessionID, label string) core.SignalBundle {
	return core.SignalBundle{
		SessionID: sessionID,
		Label:     label,
		Signals: map[core.SignalType]core.Signal{
			core.SignalIPGeo:         {"ip": "203.0.113.7"},
			core.SignalGPS:           {"lat": 52.52, "lon": 13.405},
			core.SignalWifiBSSID:     {"bssid": "aa:bb:cc:dd:ee:ff"},
			core.SignalDevicePosture: {"device_id": "laptop-1"},
			core.SignalTLSFP:         {"ja3": "abc123"},
		},
	}
}

func TestDecideCleanBundleAllows(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	result, err := gw.Decide(context.Background(), cleanBundle("sess-1", "BENIGN"))
	require.NoError(t, err)

	assert.Equal(t, core.EnforceAllow, result.Enforcement)
	assert.InDelta(t, 0.05, result.Risk, 1e-9)
	assert.True(t, result.Persistence.OK)
	assert.False(t, result.AlertEmitted)
	assert.Empty(t, result.OTPDemo)
	assert.Equal(t, 1, audit.count())
}

func TestDecideBruteForceStepsUpWithChallenge(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	result, err := gw.Decide(context.Background(), cleanBundle("sess-1", "SSH-Patator"))
	require.NoError(t, err)

	assert.Equal(t, core.EnforceStepUp, result.Enforcement)
	assert.True(t, containsReason(result.Reasons, core.ReasonBruteForce))
	assert.Len(t, result.OTPDemo, 6)
	assert.True(t, result.AlertEmitted)

	counts, err := store.CountSince(context.Background(), "sess-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Medium)
}

func TestDecideAlertPressureEscalatesToDeny(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Insert(ctx, core.Alert{
			SessionID: "sess-1", Severity: core.SeverityHigh, CreatedAt: time.Now(),
		}))
	}

	result, err := gw.Decide(ctx, cleanBundle("sess-1", "DDoS"))
	require.NoError(t, err)

	assert.Equal(t, core.EnforceDeny, result.Enforcement)
	assert.GreaterOrEqual(t, result.Risk, 0.80)
	assert.Contains(t, result.Stride, core.StrideDoS)
	assert.True(t, result.AlertEmitted)

	// the emitted alert is high severity at this risk
	counts, err := store.CountSince(ctx, "sess-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, counts.High)
}

func TestDecideFailsSafeWhenAggregatorUnreachable(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, failCounter{}, audit)

	result, err := gw.Decide(context.Background(), cleanBundle("sess-1", "BENIGN"))
	require.NoError(t, err)

	assert.True(t, result.FailSafe)
	assert.Equal(t, core.EnforceDeny, result.Enforcement)
	assert.InDelta(t, 1.0, result.Risk, 1e-9)
	// the fail-safe decision is still audited
	assert.Equal(t, 1, audit.count())
}

func TestDecidePersistenceFailureKeepsDecision(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{err: errors.New("db down")}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	result, err := gw.Decide(context.Background(), cleanBundle("sess-1", "BENIGN"))
	require.NoError(t, err)

	assert.Equal(t, core.EnforceAllow, result.Enforcement)
	assert.False(t, result.Persistence.OK)
	assert.Contains(t, result.Persistence.Error, "db down")
}

func TestDecideCancelledContextPersistsNothing(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Decide(ctx, cleanBundle("sess-1", "BENIGN"))
	require.Error(t, err)
	assert.Equal(t, 0, audit.count())
}

func TestDecideCancelledRequestsDoNotTripFailSafe(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	// abandoned requests against a healthy store; enough to trip the
	// alert-store breaker if they were counted as dependency failures
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := gw.Decide(ctx, cleanBundle("sess-1", "BENIGN"))
		require.Error(t, err)
	}

	result, err := gw.Decide(context.Background(), cleanBundle("sess-1", "BENIGN"))
	require.NoError(t, err)
	assert.False(t, result.FailSafe)
	assert.Equal(t, core.EnforceAllow, result.Enforcement)
	assert.InDelta(t, 0.05, result.Risk, 1e-9)
}

func TestDecideEmptyBundleStillDecides(t *testing.T) {
	store := alerts.NewMemoryStore()
	audit := &memAudit{}
	gw := newTestGateway(store, alerts.NewAggregator(store, 15*time.Minute), audit)

	result, err := gw.Decide(context.Background(), core.SignalBundle{SessionID: "sess-1"})
	require.NoError(t, err)

	assert.True(t, containsReason(result.Reasons, core.ReasonInsufficientSignal))
	assert.Equal(t, core.EnforceStepUp, result.Enforcement)
}

func TestTOTPMatchesRFC6238Vector(t *testing.T) {
	code, err := totpNow(rfc6238Secret, time.Unix(59, 0).UTC())
	require.NoError(t, err)
	assert.Equal(t, "287082", code)
}

func TestTOTPRejectsBadSecret(t *testing.T) {
	_, err := totpNow("not base32 !!", time.Now())
	assert.Error(t, err)
}

func containsReason(reasons []core.AnomalyReason, want core.AnomalyReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
