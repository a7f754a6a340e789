// Package refdata holds the reference datasets the Enrichment Resolver
// consults: IP geolocation, known Wi-Fi access points, JA3 reputation tags,
// and device posture records.
//
// A Snapshot is built once and never mutated. Reloads build a fresh Snapshot
// and swap it in atomically, so in-flight requests always see a consistent
// view.
package refdata

import (
	"strings"
	"sync/atomic"

	"github.com/zta-mfa/backend/internal/core"
)

// Snapshot is an immutable view of all reference datasets.
type Snapshot struct {
	geo     map[string]core.GeoLocation
	wifi    map[string]core.WifiAP
	tls     map[string]string
	devices map[string]core.DevicePosture
}

// NewSnapshot builds a snapshot from pre-parsed tables. The maps are owned by
// the snapshot after the call and must not be mutated by the caller.
func NewSnapshot(
	geo map[string]core.GeoLocation,
	wifi map[string]core.WifiAP,
	tls map[string]string,
	devices map[string]core.DevicePosture,
) *Snapshot {
	if geo == nil {
		geo = map[string]core.GeoLocation{}
	}
	if wifi == nil {
		wifi = map[string]core.WifiAP{}
	}
	if tls == nil {
		tls = map[string]string{}
	}
	if devices == nil {
		devices = map[string]core.DevicePosture{}
	}
	return &Snapshot{geo: geo, wifi: wifi, tls: tls, devices: devices}
}

// LookupIP resolves an IP address to a geolocation.
func (s *Snapshot) LookupIP(ip string) (core.GeoLocation, bool) {
	g, ok := s.geo[strings.TrimSpace(ip)]
	return g, ok
}

// LookupBSSID resolves a Wi-Fi BSSID (case-insensitive) to a known AP.
func (s *Snapshot) LookupBSSID(bssid string) (core.WifiAP, bool) {
	ap, ok := s.wifi[strings.ToLower(strings.TrimSpace(bssid))]
	return ap, ok
}

// LookupJA3 resolves a JA3 fingerprint to its reputation tag.
func (s *Snapshot) LookupJA3(ja3 string) (string, bool) {
	tag, ok := s.tls[strings.TrimSpace(ja3)]
	return tag, ok
}

// LookupDevice resolves a device ID to its posture record.
func (s *Snapshot) LookupDevice(deviceID string) (core.DevicePosture, bool) {
	d, ok := s.devices[strings.TrimSpace(deviceID)]
	return d, ok
}

// Counts returns per-dataset entry counts, for startup logging and health.
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		"geo":    len(s.geo),
		"wifi":   len(s.wifi),
		"tls":    len(s.tls),
		"device": len(s.devices),
	}
}

// Store publishes a Snapshot to concurrent readers. Reload swaps the whole
// snapshot; readers never observe a partially loaded state.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(snap *Snapshot) *Store {
	st := &Store{}
	if snap == nil {
		snap = NewSnapshot(nil, nil, nil, nil)
	}
	st.current.Store(snap)
	return st
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Swap atomically replaces the active snapshot.
func (st *Store) Swap(snap *Snapshot) {
	if snap == nil {
		return
	}
	st.current.Store(snap)
}
