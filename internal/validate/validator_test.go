package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zta-mfa/backend/internal/core"
)

var testWeights = map[core.SignalType]float64{
	core.SignalIPGeo:         0.25,
	core.SignalGPS:           0.30,
	core.SignalWifiBSSID:     0.20,
	core.SignalDevicePosture: 0.15,
	core.SignalTLSFP:         0.10,
}

func newTestValidator() *Validator {
	return NewValidator(Options{
		BaseWeights:       testWeights,
		MaxSignalAge:      5 * time.Minute,
		MismatchWeightCap: 0.2,
		Now:               func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
}

func TestValidateEmptyBundle(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{SessionID: "s1"}, core.EnrichmentResult{})
	assert.Empty(t, out.Weights)
	require.Len(t, out.Reasons, 1)
	assert.Equal(t, core.ReasonInsufficientSignal, out.Reasons[0])
}

func TestValidateAssignsBaseWeights(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalIPGeo: {"ip": "203.0.113.7"},
			core.SignalGPS:   {"lat": 52.52, "lon": 13.405},
			core.SignalTLSFP: {"ja3": "abc"},
		},
	}, core.EnrichmentResult{})

	assert.InDelta(t, 0.25, out.Weights[core.SignalIPGeo], 1e-9)
	assert.InDelta(t, 0.30, out.Weights[core.SignalGPS], 1e-9)
	assert.InDelta(t, 0.10, out.Weights[core.SignalTLSFP], 1e-9)
	assert.InDelta(t, 0.65, out.TotalWeight(), 1e-9)
	assert.Empty(t, out.Reasons)
}

func TestValidateMalformedSignalExcluded(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS:   {"lat": "not-a-number", "lon": 13.405},
			core.SignalIPGeo: {"ip": "203.0.113.7"},
		},
	}, core.EnrichmentResult{})

	_, hasGPS := out.Weights[core.SignalGPS]
	assert.False(t, hasGPS)
	assert.InDelta(t, 0.25, out.Weights[core.SignalIPGeo], 1e-9)
	assert.True(t, out.HasReason(core.ReasonInsufficientSignal))
}

func TestValidateStaleGPSExcluded(t *testing.T) {
	v := newTestValidator()
	stale := float64(1_700_000_000 - 3600)
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS: {"lat": 52.52, "lon": 13.405, "ts": stale},
		},
	}, core.EnrichmentResult{})

	assert.Empty(t, out.Weights)
	assert.True(t, out.HasReason(core.ReasonInsufficientSignal))
}

func TestValidateFreshGPSKept(t *testing.T) {
	v := newTestValidator()
	fresh := float64(1_700_000_000 - 60)
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS: {"lat": 52.52, "lon": 13.405, "ts": fresh},
		},
	}, core.EnrichmentResult{})
	assert.InDelta(t, 0.30, out.Weights[core.SignalGPS], 1e-9)
}

func TestValidateMismatchCapsLocationWeightsNotZero(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS:       {"lat": 40.0, "lon": -3.7},
			core.SignalWifiBSSID: {"bssid": "aa:bb:cc:dd:ee:ff"},
			core.SignalIPGeo:     {"ip": "203.0.113.7"},
		},
	}, core.EnrichmentResult{
		Wifi: &core.WifiAP{Lat: 52.52, Lon: 13.405},
		Checks: []core.ConsistencyCheck{
			{Metric: "ip_wifi_distance_km", Value: 1869.0, Threshold: 50.0},
		},
	})

	assert.True(t, out.HasReason(core.ReasonGPSMismatch))
	assert.True(t, out.HasReason(core.ReasonWifiMismatch))
	assert.False(t, out.HasReason(core.ReasonIPGeoMismatch))

	// Capped at 0.2, never zeroed.
	assert.InDelta(t, 0.2, out.Weights[core.SignalGPS], 1e-9)
	assert.InDelta(t, 0.2, out.Weights[core.SignalWifiBSSID], 1e-9)
	assert.InDelta(t, 0.2, out.Weights[core.SignalIPGeo], 1e-9)
	assert.Positive(t, out.Weights[core.SignalGPS])
}

func TestValidateMismatchAgainstIPGeoReference(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS:   {"lat": 40.0, "lon": -3.7},
			core.SignalIPGeo: {"ip": "203.0.113.7"},
		},
	}, core.EnrichmentResult{
		Geo: &core.GeoLocation{Lat: 52.52, Lon: 13.405},
		Checks: []core.ConsistencyCheck{
			{Metric: "ip_wifi_distance_km", Value: 1869.0, Threshold: 50.0},
		},
	})
	assert.True(t, out.HasReason(core.ReasonIPGeoMismatch))
	assert.False(t, out.HasReason(core.ReasonWifiMismatch))
}

func TestValidateConsistentCheckAddsNothing(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalGPS: {"lat": 52.52, "lon": 13.41},
		},
	}, core.EnrichmentResult{
		Checks: []core.ConsistencyCheck{
			{Metric: "ip_wifi_distance_km", Value: 1.2, Threshold: 50.0},
		},
	})
	assert.Empty(t, out.Reasons)
	assert.InDelta(t, 0.30, out.Weights[core.SignalGPS], 1e-9)
}

func TestValidatePostureFindings(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalDevicePosture: {"device_id": "laptop-1"},
		},
	}, core.EnrichmentResult{
		Device: &core.DevicePosture{OS: "windows", Patched: false, EDR: "none"},
	})
	assert.True(t, out.HasReason(core.ReasonPostureOutdated))
	assert.True(t, out.HasReason(core.ReasonDeviceUnhealthy))
}

func TestValidateHealthyDeviceCleanTLS(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalDevicePosture: {"device_id": "laptop-1"},
			core.SignalTLSFP:         {"ja3": "abc"},
		},
	}, core.EnrichmentResult{
		Device: &core.DevicePosture{Patched: true, EDR: "crowdstrike"},
		TLSTag: "benign",
	})
	assert.Empty(t, out.Reasons)
}

func TestValidateTLSReputation(t *testing.T) {
	v := newTestValidator()
	base := core.SignalBundle{
		SessionID: "s1",
		Signals: map[core.SignalType]core.Signal{
			core.SignalTLSFP: {"ja3": "abc"},
		},
	}

	out := v.Validate(base, core.EnrichmentResult{TLSTag: "malicious"})
	assert.True(t, out.HasReason(core.ReasonJA3Suspect))

	out = v.Validate(base, core.EnrichmentResult{TLSTag: "suspicious"})
	assert.True(t, out.HasReason(core.ReasonTLSAnomaly))
	assert.False(t, out.HasReason(core.ReasonJA3Suspect))
}

func TestValidateLabelMapping(t *testing.T) {
	v := newTestValidator()
	out := v.Validate(core.SignalBundle{
		SessionID: "s1",
		Label:     "DDoS",
		Signals: map[core.SignalType]core.Signal{
			core.SignalIPGeo: {"ip": "203.0.113.7"},
		},
	}, core.EnrichmentResult{})
	assert.True(t, out.HasReason(core.ReasonDOSAttack))

	out = v.Validate(core.SignalBundle{
		SessionID: "s1",
		Label:     "BENIGN",
		Signals: map[core.SignalType]core.Signal{
			core.SignalIPGeo: {"ip": "203.0.113.7"},
		},
	}, core.EnrichmentResult{})
	assert.Empty(t, out.Reasons)
}

func TestValidateDeterministic(t *testing.T) {
	v := newTestValidator()
	bundle := core.SignalBundle{
		SessionID: "s1",
		Label:     "SSH-Patator",
		Signals: map[core.SignalType]core.Signal{
			core.SignalIPGeo:         {"ip": "203.0.113.7"},
			core.SignalGPS:           {"lat": 40.0, "lon": -3.7},
			core.SignalWifiBSSID:     {"bssid": "aa:bb:cc:dd:ee:ff"},
			core.SignalDevicePosture: {"device_id": "laptop-1"},
			core.SignalTLSFP:         {"ja3": "abc"},
		},
	}
	enrichment := core.EnrichmentResult{
		Wifi:   &core.WifiAP{Lat: 52.52, Lon: 13.405},
		Device: &core.DevicePosture{Patched: false, EDR: ""},
		TLSTag: "malicious",
		Checks: []core.ConsistencyCheck{
			{Metric: "ip_wifi_distance_km", Value: 1869.0, Threshold: 50.0},
		},
	}

	first := v.Validate(bundle, enrichment)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, v.Validate(bundle, enrichment))
	}
}
