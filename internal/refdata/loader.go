package refdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/zta-mfa/backend/internal/core"
)

// Paths names the CSV files backing each dataset. Empty or missing files are
// tolerated: the corresponding lookups simply resolve nothing.
type Paths struct {
	GeoIP   string
	Wifi    string
	TLS     string
	Devices string
}

// PathsFromEnv reads dataset locations from the environment, mirroring the
// deployment layout of the original reference data volumes.
func PathsFromEnv() Paths {
	return Paths{
		GeoIP:   envOr("PATH_GEOIP", "/data/geolite2/ip_locations.csv"),
		Wifi:    envOr("PATH_WIFI", "/data/wifi/wigle_sample.csv"),
		TLS:     envOr("PATH_TLS", "/data/tls/ja3_fingerprints.csv"),
		Devices: envOr("PATH_DEV", "/data/device_posture/device_posture.csv"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load builds a Snapshot from the configured CSV files. A missing file skips
// that dataset; a malformed file is an error so a bad reload never replaces a
// good snapshot.
func Load(paths Paths) (*Snapshot, error) {
	geo, err := loadGeo(paths.GeoIP)
	if err != nil {
		return nil, fmt.Errorf("load geoip data: %w", err)
	}
	wifi, err := loadWifi(paths.Wifi)
	if err != nil {
		return nil, fmt.Errorf("load wifi data: %w", err)
	}
	tls, err := loadTLS(paths.TLS)
	if err != nil {
		return nil, fmt.Errorf("load tls data: %w", err)
	}
	devices, err := loadDevices(paths.Devices)
	if err != nil {
		return nil, fmt.Errorf("load device posture data: %w", err)
	}

	snap := NewSnapshot(geo, wifi, tls, devices)
	slog.Info("reference data loaded",
		"geo", len(geo), "wifi", len(wifi), "tls", len(tls), "devices", len(devices))
	return snap, nil
}

// loadGeo reads rows of ip,country,city,lat,lon.
func loadGeo(path string) (map[string]core.GeoLocation, error) {
	out := map[string]core.GeoLocation{}
	err := eachRow(path, func(row map[string]string) error {
		ip := strings.TrimSpace(row["ip"])
		if ip == "" {
			return nil
		}
		lat, err1 := strconv.ParseFloat(row["lat"], 64)
		lon, err2 := strconv.ParseFloat(row["lon"], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("bad coordinates for ip %s", ip)
		}
		out[ip] = core.GeoLocation{
			Country: row["country"],
			City:    row["city"],
			Lat:     lat,
			Lon:     lon,
		}
		return nil
	})
	return out, err
}

// loadWifi reads rows of bssid,ssid,lat,lon. BSSIDs are stored lower-case.
func loadWifi(path string) (map[string]core.WifiAP, error) {
	out := map[string]core.WifiAP{}
	err := eachRow(path, func(row map[string]string) error {
		bssid := strings.ToLower(strings.TrimSpace(row["bssid"]))
		if bssid == "" {
			return nil
		}
		lat, err1 := strconv.ParseFloat(row["lat"], 64)
		lon, err2 := strconv.ParseFloat(row["lon"], 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("bad coordinates for bssid %s", bssid)
		}
		out[bssid] = core.WifiAP{SSID: row["ssid"], Lat: lat, Lon: lon}
		return nil
	})
	return out, err
}

// loadTLS reads rows of ja3,tag.
func loadTLS(path string) (map[string]string, error) {
	out := map[string]string{}
	err := eachRow(path, func(row map[string]string) error {
		ja3 := strings.TrimSpace(row["ja3"])
		tag := strings.TrimSpace(row["tag"])
		if ja3 != "" && tag != "" {
			out[ja3] = tag
		}
		return nil
	})
	return out, err
}

// loadDevices reads rows of device_id,os,patched,edr,last_update.
func loadDevices(path string) (map[string]core.DevicePosture, error) {
	out := map[string]core.DevicePosture{}
	err := eachRow(path, func(row map[string]string) error {
		id := strings.TrimSpace(row["device_id"])
		if id == "" {
			return nil
		}
		out[id] = core.DevicePosture{
			OS:         row["os"],
			Patched:    strings.EqualFold(row["patched"], "true"),
			EDR:        row["edr"],
			LastUpdate: row["last_update"],
		}
		return nil
	})
	return out, err
}

// eachRow streams a header-keyed CSV file. A missing file is not an error.
func eachRow(path string, fn func(row map[string]string) error) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("reference dataset missing, lookups disabled", "path", path)
			return nil
		}
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}
