package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full pipeline configuration. Values come from an optional
// YAML file with environment-variable overrides applied on top; Validate
// must pass before any traffic is served.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Risk      RiskConfig      `yaml:"risk"`
	Signals   SignalsConfig   `yaml:"signals"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	StepUp    StepUpConfig    `yaml:"step_up"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// RiskConfig holds the Trust Scorer's constants. AllowThreshold and
// DenyThreshold must be strictly ordered; risk below AllowThreshold allows,
// at or above DenyThreshold denies, anything between requires step-up.
type RiskConfig struct {
	BaseRisk       float64 `yaml:"base_risk"`
	AllowThreshold float64 `yaml:"allow_threshold"`
	DenyThreshold  float64 `yaml:"deny_threshold"`
	SiemHighBump   float64 `yaml:"siem_high_bump"`
	SiemMediumBump float64 `yaml:"siem_medium_bump"`
}

// SignalsConfig covers the Validator: per-signal base weights, freshness
// limit, and the cross-check distance threshold.
type SignalsConfig struct {
	BaseWeights         map[string]float64 `yaml:"base_weights"`
	MaxSignalAgeSeconds int                `yaml:"max_signal_age_seconds"`
	DistanceThresholdKm float64            `yaml:"distance_threshold_km"`
	MismatchWeightCap   float64            `yaml:"mismatch_weight_cap"`
}

// AlertsConfig covers the Alert Aggregator window and the Gateway's alert
// emission thresholds.
type AlertsConfig struct {
	WindowMinutes     int     `yaml:"window_minutes"`
	EmitThreshold     float64 `yaml:"emit_threshold"`
	HighSeverityRisk  float64 `yaml:"high_severity_risk"`
	DependencyTimeout int     `yaml:"dependency_timeout_ms"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type TelemetryConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type StepUpConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

// Default returns the baseline configuration before file or env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "dev"},
		Risk: RiskConfig{
			BaseRisk:       0.05,
			AllowThreshold: 0.15,
			DenyThreshold:  0.80,
			SiemHighBump:   0.25,
			SiemMediumBump: 0.10,
		},
		Signals: SignalsConfig{
			BaseWeights: map[string]float64{
				"ip_geo":         0.25,
				"gps":            0.30,
				"wifi_bssid":     0.20,
				"device_posture": 0.15,
				"tls_fp":         0.10,
			},
			MaxSignalAgeSeconds: 300,
			DistanceThresholdKm: 50,
			MismatchWeightCap:   0.2,
		},
		Alerts: AlertsConfig{
			WindowMinutes:     15,
			EmitThreshold:     0.25,
			HighSeverityRisk:  0.70,
			DependencyTimeout: 3000,
		},
		Telemetry: TelemetryConfig{
			ChannelPrefix: "zta:events:",
		},
	}
}

// Load reads the YAML file at path (missing file is fine — defaults apply),
// layers environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. A violation here is fatal: the
// pipeline must not serve traffic with a broken decision contract.
func (c *Config) Validate() error {
	if c.Risk.AllowThreshold >= c.Risk.DenyThreshold {
		return fmt.Errorf("config: allow_threshold (%.2f) must be strictly below deny_threshold (%.2f)",
			c.Risk.AllowThreshold, c.Risk.DenyThreshold)
	}
	if c.Risk.AllowThreshold <= 0 || c.Risk.DenyThreshold > 1 {
		return fmt.Errorf("config: thresholds must lie in (0,1], got allow=%.2f deny=%.2f",
			c.Risk.AllowThreshold, c.Risk.DenyThreshold)
	}
	if c.Risk.BaseRisk < 0 || c.Risk.BaseRisk >= c.Risk.AllowThreshold {
		return fmt.Errorf("config: base_risk (%.2f) must be non-negative and below allow_threshold", c.Risk.BaseRisk)
	}
	if len(c.Signals.BaseWeights) == 0 {
		return fmt.Errorf("config: signal base_weights table is required")
	}
	for name, w := range c.Signals.BaseWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("config: base weight for %s out of range [0,1]: %.2f", name, w)
		}
	}
	if c.Signals.DistanceThresholdKm <= 0 {
		return fmt.Errorf("config: distance_threshold_km must be positive")
	}
	if c.Signals.MismatchWeightCap <= 0 || c.Signals.MismatchWeightCap >= 1 {
		return fmt.Errorf("config: mismatch_weight_cap must lie in (0,1)")
	}
	if c.Alerts.WindowMinutes <= 0 {
		return fmt.Errorf("config: alert window_minutes must be positive")
	}
	return nil
}

// DependencyTimeout returns the bound applied to every external call in the
// decision path.
func (c *Config) DependencyTimeout() time.Duration {
	if c.Alerts.DependencyTimeout <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Alerts.DependencyTimeout) * time.Millisecond
}

// AlertWindow returns the trailing window the Alert Aggregator queries.
func (c *Config) AlertWindow() time.Duration {
	return time.Duration(c.Alerts.WindowMinutes) * time.Minute
}

// MaxSignalAge returns the freshness limit for timestamped signals.
func (c *Config) MaxSignalAge() time.Duration {
	return time.Duration(c.Signals.MaxSignalAgeSeconds) * time.Second
}
