package config

import (
	"os"
	"strconv"
)

// applyEnv layers environment-variable overrides on top of the file config.
// Keys mirror the deployment surface of the original services.
func applyEnv(c *Config) {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")

	setFloat(&c.Risk.BaseRisk, "BASE_RISK")
	setFloat(&c.Risk.AllowThreshold, "ALLOW_T")
	setFloat(&c.Risk.DenyThreshold, "DENY_T")
	setFloat(&c.Risk.SiemHighBump, "SIEM_HIGH_BUMP")
	setFloat(&c.Risk.SiemMediumBump, "SIEM_MED_BUMP")

	setInt(&c.Signals.MaxSignalAgeSeconds, "MAX_SIGNAL_AGE_SEC")
	setFloat(&c.Signals.DistanceThresholdKm, "DISTANCE_THRESHOLD_KM")
	setFloat(&c.Signals.MismatchWeightCap, "MISMATCH_WEIGHT_CAP")

	setInt(&c.Alerts.WindowMinutes, "ALERT_WINDOW_MIN")
	setFloat(&c.Alerts.EmitThreshold, "ALERT_EMIT_THRESHOLD")
	setFloat(&c.Alerts.HighSeverityRisk, "SEV_HIGH")
	setInt(&c.Alerts.DependencyTimeout, "DEPENDENCY_TIMEOUT_MS")

	setString(&c.Store.DSN, "DB_DSN")

	setString(&c.Telemetry.RedisAddr, "REDIS_ADDR")
	setString(&c.Telemetry.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Telemetry.RedisDB, "REDIS_DB")
	setString(&c.Telemetry.ChannelPrefix, "TELEMETRY_CHANNEL_PREFIX")

	setString(&c.StepUp.TOTPSecret, "TOTP_SECRET")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
