package core

import "time"

// SignalType identifies one source of contextual evidence about an
// authentication attempt.
type SignalType string

const (
	SignalIPGeo         SignalType = "ip_geo"
	SignalGPS           SignalType = "gps"
	SignalWifiBSSID     SignalType = "wifi_bssid"
	SignalDevicePosture SignalType = "device_posture"
	SignalTLSFP         SignalType = "tls_fp"
)

// KnownSignalTypes lists every signal type the pipeline understands, in
// stable order.
var KnownSignalTypes = []SignalType{
	SignalIPGeo,
	SignalGPS,
	SignalWifiBSSID,
	SignalDevicePosture,
	SignalTLSFP,
}

// Signal is the opaque key/value payload submitted for a single signal type.
type Signal map[string]interface{}

// SignalBundle is the immutable input to the pipeline: one authentication
// attempt's worth of raw signals, keyed by type. Label carries an optional
// ground-truth network-flow classification (CICIDS-style) used in evaluation
// contexts only.
type SignalBundle struct {
	SessionID string                `json:"session_id"`
	Signals   map[SignalType]Signal `json:"signals"`
	Label     string                `json:"label,omitempty"`
}

// Empty reports whether the bundle carries no signals at all.
func (b SignalBundle) Empty() bool {
	return len(b.Signals) == 0
}

// GeoLocation is a resolved geographic position.
type GeoLocation struct {
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// WifiAP is a known Wi-Fi access point from the reference dataset.
type WifiAP struct {
	SSID string  `json:"ssid,omitempty"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// DevicePosture is the reference posture record for a managed device.
type DevicePosture struct {
	OS         string `json:"os,omitempty"`
	Patched    bool   `json:"patched"`
	EDR        string `json:"edr,omitempty"`
	LastUpdate string `json:"last_update,omitempty"`
}

// ConsistencyCheck is one cross-signal consistency metric with the threshold
// it was judged against.
type ConsistencyCheck struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Exceeded reports whether the metric is over its threshold.
func (c ConsistencyCheck) Exceeded() bool {
	return c.Value > c.Threshold
}

// EnrichmentResult carries derived, read-only annotations for one pipeline
// invocation. A nil field means the reference dataset had no entry.
type EnrichmentResult struct {
	Geo    *GeoLocation       `json:"geo,omitempty"`
	Wifi   *WifiAP            `json:"wifi,omitempty"`
	TLSTag string             `json:"tls_tag,omitempty"`
	Device *DevicePosture     `json:"device,omitempty"`
	Checks []ConsistencyCheck `json:"checks,omitempty"`
}

// ValidatedVector is the Validator's output: the original bundle plus a
// per-signal confidence weight and the anomaly reasons found. Weight keys are
// always a subset of the signal types observed in the bundle.
type ValidatedVector struct {
	Bundle  SignalBundle           `json:"vector"`
	Weights map[SignalType]float64 `json:"weights"`
	Reasons []AnomalyReason        `json:"reasons"`
}

// TotalWeight sums the per-signal weights (the vector's validated mass).
func (v ValidatedVector) TotalWeight() float64 {
	total := 0.0
	for _, w := range v.Weights {
		total += w
	}
	return total
}

// HasReason reports whether the given reason was recorded.
func (v ValidatedVector) HasReason(r AnomalyReason) bool {
	for _, have := range v.Reasons {
		if have == r {
			return true
		}
	}
	return false
}

// Decision is the Trust Scorer's discrete classification of a session.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionStepUp Decision = "step_up"
	DecisionDeny   Decision = "deny"
)

// Enforcement is the concrete action the Gateway takes for a decision.
type Enforcement string

const (
	EnforceAllow  Enforcement = "ALLOW"
	EnforceStepUp Enforcement = "MFA_STEP_UP"
	EnforceDeny   Enforcement = "DENY"
)

// EnforcementFor maps a trust decision to its enforcement action.
func EnforcementFor(d Decision) Enforcement {
	switch d {
	case DecisionStepUp:
		return EnforceStepUp
	case DecisionDeny:
		return EnforceDeny
	default:
		return EnforceAllow
	}
}

// RiskAssessment is the Trust Scorer's authoritative output for one attempt.
type RiskAssessment struct {
	SessionID        string           `json:"session_id"`
	Risk             float64          `json:"risk"`
	Decision         Decision         `json:"decision"`
	StrideCategories []StrideCategory `json:"stride_categories,omitempty"`
	Confidence       float64          `json:"confidence"`
}

// AlertWindowCount is a rolling aggregate of recent alerts for a session,
// recomputed on every query over the trailing window.
type AlertWindowCount struct {
	SessionID string `json:"session_id"`
	High      int    `json:"high"`
	Medium    int    `json:"medium"`
}

// Severity buckets for stored alerts.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// NormalizeSeverity maps free-form severity strings into the taxonomy.
// Critical collapses to high; anything unrecognized is medium.
func NormalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s)
	}
	if s == "critical" {
		return SeverityHigh
	}
	return SeverityMedium
}

// Alert is one security alert as stored in the alert store.
type Alert struct {
	SessionID string                 `json:"session_id"`
	Stride    StrideCategory         `json:"stride"`
	Severity  Severity               `json:"severity"`
	Source    string                 `json:"source,omitempty"`
	Raw       map[string]interface{} `json:"raw,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// EnforcementRecord is the durable, append-only audit record for one decision.
type EnforcementRecord struct {
	SessionID   string          `json:"session_id"`
	Risk        float64         `json:"risk"`
	Decision    Decision        `json:"decision"`
	Enforcement Enforcement     `json:"enforcement"`
	Reasons     []AnomalyReason `json:"reasons,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
