// Package enrich implements the Signal Enrichment Resolver: pure lookups of
// raw signals against the reference-data snapshot, plus cross-signal
// consistency metrics.
package enrich

import (
	"math"

	"github.com/zta-mfa/backend/internal/core"
	"github.com/zta-mfa/backend/internal/refdata"
)

// MetricIPWifiDistance is the consistency metric comparing the GPS-reported
// position against the Wi-Fi (preferred) or IP-derived location.
const MetricIPWifiDistance = "ip_wifi_distance_km"

// Resolver annotates signal bundles from an injected reference-data store.
// It has no side effects and is safe for concurrent use.
type Resolver struct {
	store       *refdata.Store
	thresholdKm float64
}

// NewResolver creates a resolver reading from store. thresholdKm is the
// distance above which a location consistency check counts as exceeded.
func NewResolver(store *refdata.Store, thresholdKm float64) *Resolver {
	return &Resolver{store: store, thresholdKm: thresholdKm}
}

// Enrich looks up auxiliary context for every signal present in the bundle.
// Missing reference entries yield empty annotations, never errors. Calling
// Enrich twice with the same bundle and snapshot yields identical results.
func (r *Resolver) Enrich(bundle core.SignalBundle) core.EnrichmentResult {
	snap := r.store.Current()
	var out core.EnrichmentResult

	if ip, ok := signalString(bundle, core.SignalIPGeo, "ip"); ok {
		if geo, found := snap.LookupIP(ip); found {
			out.Geo = &geo
		}
	}
	if bssid, ok := signalString(bundle, core.SignalWifiBSSID, "bssid"); ok {
		if ap, found := snap.LookupBSSID(bssid); found {
			out.Wifi = &ap
		}
	}
	if ja3, ok := signalString(bundle, core.SignalTLSFP, "ja3"); ok {
		if tag, found := snap.LookupJA3(ja3); found {
			out.TLSTag = tag
		}
	}
	if devID, ok := signalString(bundle, core.SignalDevicePosture, "device_id"); ok {
		if dev, found := snap.LookupDevice(devID); found {
			out.Device = &dev
		}
	}

	out.Checks = r.consistencyChecks(bundle, out)
	return out
}

// consistencyChecks compares the GPS position against the resolved Wi-Fi
// location, falling back to the IP-derived location when no AP is known.
func (r *Resolver) consistencyChecks(bundle core.SignalBundle, enriched core.EnrichmentResult) []core.ConsistencyCheck {
	lat, lon, ok := gpsCoordinates(bundle)
	if !ok {
		return nil
	}

	var refLat, refLon float64
	switch {
	case enriched.Wifi != nil:
		refLat, refLon = enriched.Wifi.Lat, enriched.Wifi.Lon
	case enriched.Geo != nil:
		refLat, refLon = enriched.Geo.Lat, enriched.Geo.Lon
	default:
		return nil
	}

	return []core.ConsistencyCheck{{
		Metric:    MetricIPWifiDistance,
		Value:     Haversine(lat, lon, refLat, refLon),
		Threshold: r.thresholdKm,
	}}
}

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func Haversine(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := radians(bLat - aLat)
	dLon := radians(bLon - aLon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(aLat))*math.Cos(radians(bLat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// signalString extracts a non-empty string field from a signal payload.
func signalString(bundle core.SignalBundle, st core.SignalType, key string) (string, bool) {
	sig, ok := bundle.Signals[st]
	if !ok {
		return "", false
	}
	v, ok := sig[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// gpsCoordinates extracts lat/lon from the GPS signal, accepting JSON
// numbers (float64) only.
func gpsCoordinates(bundle core.SignalBundle) (lat, lon float64, ok bool) {
	sig, present := bundle.Signals[core.SignalGPS]
	if !present {
		return 0, 0, false
	}
	lat, latOK := sig["lat"].(float64)
	lon, lonOK := sig["lon"].(float64)
	if !latOK || !lonOK {
		return 0, 0, false
	}
	return lat, lon, true
}
