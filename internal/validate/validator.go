// Package validate implements the Signal Validator: per-signal quality
// checks, cross-signal consistency handling, confidence weight computation,
// and threat-indicator classification.
package validate

import (
	"time"

	"github.com/zta-mfa/backend/internal/core"
)

// Options configures a Validator.
type Options struct {
	// BaseWeights is the per-signal starting weight table. Required.
	BaseWeights map[core.SignalType]float64

	// MaxSignalAge is the freshness limit for timestamped signals. Zero
	// disables freshness checking.
	MaxSignalAge time.Duration

	// MismatchWeightCap is the ceiling applied to location-derived signal
	// weights when a consistency check fails. A mismatch caps trust, it
	// does not zero it.
	MismatchWeightCap float64

	// Now is the clock used for freshness checks; defaults to time.Now.
	Now func() time.Time
}

// Validator turns a raw bundle plus enrichment into a ValidatedVector.
// Validation is deterministic: identical inputs always produce identical
// output.
type Validator struct {
	opts Options
}

// NewValidator creates a Validator with the given options.
func NewValidator(opts Options) *Validator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MismatchWeightCap <= 0 {
		opts.MismatchWeightCap = 0.2
	}
	return &Validator{opts: opts}
}

// Validate runs the full validation sequence. It never fails: input defects
// are recovered locally through exclusion and reason annotation.
func (v *Validator) Validate(bundle core.SignalBundle, enrichment core.EnrichmentResult) core.ValidatedVector {
	reasons := newReasonList()

	if bundle.Empty() {
		reasons.add(core.ReasonInsufficientSignal)
		return core.ValidatedVector{
			Bundle:  bundle,
			Weights: map[core.SignalType]float64{},
			Reasons: reasons.slice(),
		}
	}

	// 1. Quality: signals that are present but malformed or stale carry no
	// weight; the defect is recorded once.
	weights := make(map[core.SignalType]float64)
	qualityFailed := false
	for _, st := range core.KnownSignalTypes {
		sig, present := bundle.Signals[st]
		if !present {
			continue
		}
		if !v.passesQuality(st, sig) {
			qualityFailed = true
			continue
		}
		weights[st] = v.opts.BaseWeights[st]
	}
	if qualityFailed {
		reasons.add(core.ReasonInsufficientSignal)
	}

	// 2. Cross-checks: an exceeded consistency metric flags a location
	// mismatch and caps the location-derived weights.
	for _, check := range enrichment.Checks {
		if !check.Exceeded() {
			continue
		}
		reasons.add(core.ReasonGPSMismatch)
		if enrichment.Wifi != nil {
			reasons.add(core.ReasonWifiMismatch)
		} else {
			reasons.add(core.ReasonIPGeoMismatch)
		}
		for _, st := range []core.SignalType{core.SignalGPS, core.SignalWifiBSSID, core.SignalIPGeo} {
			if w, ok := weights[st]; ok && w > v.opts.MismatchWeightCap {
				weights[st] = v.opts.MismatchWeightCap
			}
		}
	}

	// 3. Posture and TLS reputation findings from enrichment.
	if enrichment.Device != nil {
		if !enrichment.Device.Patched {
			reasons.add(core.ReasonPostureOutdated)
		}
		if enrichment.Device.EDR == "" || enrichment.Device.EDR == "none" {
			reasons.add(core.ReasonDeviceUnhealthy)
		}
	}
	switch enrichment.TLSTag {
	case "":
		// no reputation entry
	case "benign", "trusted":
		// known-good fingerprint
	case "malicious":
		reasons.add(core.ReasonJA3Suspect)
	default:
		reasons.add(core.ReasonTLSAnomaly)
	}

	// 4. Threat-indicator labels (fail-open for unknown labels).
	for _, r := range core.ReasonsForLabel(bundle.Label) {
		reasons.add(r)
	}

	return core.ValidatedVector{
		Bundle:  bundle,
		Weights: weights,
		Reasons: reasons.slice(),
	}
}

// passesQuality checks schema and freshness for a single signal.
func (v *Validator) passesQuality(st core.SignalType, sig core.Signal) bool {
	switch st {
	case core.SignalIPGeo:
		return nonEmptyString(sig, "ip")
	case core.SignalGPS:
		if _, ok := sig["lat"].(float64); !ok {
			return false
		}
		if _, ok := sig["lon"].(float64); !ok {
			return false
		}
		return v.fresh(sig)
	case core.SignalWifiBSSID:
		return nonEmptyString(sig, "bssid")
	case core.SignalDevicePosture:
		return nonEmptyString(sig, "device_id")
	case core.SignalTLSFP:
		return nonEmptyString(sig, "ja3")
	}
	return false
}

// fresh checks the optional "ts" field against the configured maximum age.
// Signals without a timestamp pass.
func (v *Validator) fresh(sig core.Signal) bool {
	if v.opts.MaxSignalAge <= 0 {
		return true
	}
	ts, ok := signalTime(sig)
	if !ok {
		return true
	}
	return v.opts.Now().Sub(ts) <= v.opts.MaxSignalAge
}

// signalTime parses "ts" as unix seconds or RFC 3339.
func signalTime(sig core.Signal) (time.Time, bool) {
	switch ts := sig["ts"].(type) {
	case float64:
		return time.Unix(int64(ts), 0), true
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func nonEmptyString(sig core.Signal, key string) bool {
	s, ok := sig[key].(string)
	return ok && s != ""
}

// reasonList is an ordered, deduplicating reason accumulator.
type reasonList struct {
	seen  map[core.AnomalyReason]bool
	items []core.AnomalyReason
}

func newReasonList() *reasonList {
	return &reasonList{seen: make(map[core.AnomalyReason]bool)}
}

func (l *reasonList) add(r core.AnomalyReason) {
	if !l.seen[r] {
		l.seen[r] = true
		l.items = append(l.items, r)
	}
}

func (l *reasonList) slice() []core.AnomalyReason {
	return l.items
}
