package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zta-mfa/backend/internal/alerts"
	"github.com/zta-mfa/backend/internal/api"
	"github.com/zta-mfa/backend/internal/config"
	"github.com/zta-mfa/backend/internal/core"
	"github.com/zta-mfa/backend/internal/database"
	"github.com/zta-mfa/backend/internal/enrich"
	"github.com/zta-mfa/backend/internal/gateway"
	"github.com/zta-mfa/backend/internal/monitoring"
	"github.com/zta-mfa/backend/internal/refdata"
	"github.com/zta-mfa/backend/internal/telemetry"
	"github.com/zta-mfa/backend/internal/trust"
	"github.com/zta-mfa/backend/internal/validate"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting zero-trust MFA decision backend")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		// broken decision contract: refuse to serve any traffic
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// ===== REFERENCE DATA =====
	refPaths := refdata.PathsFromEnv()
	snap, err := refdata.Load(refPaths)
	if err != nil {
		slog.Error("reference data load failed", "error", err)
		os.Exit(1)
	}
	refStore := refdata.NewStore(snap)

	// ===== STORES =====
	var (
		alertStore alerts.Store
		audit      gateway.AuditStore
	)
	if dsn := cfg.Store.DSN; dsn != "" {
		db, err := database.Open(ctx, dsn)
		if err != nil {
			slog.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			slog.Error("schema setup failed", "error", err)
			os.Exit(1)
		}
		alertStore = database.NewAlertStore(db)
		audit = database.NewEventStore(db)
		slog.Info("postgres connected")
	} else {
		slog.Warn("DB_DSN not set, using in-memory stores (decisions will not survive restarts)")
		mem := alerts.NewMemoryStore()
		alertStore = mem
		audit = memoryAudit{}
	}

	// ===== TELEMETRY =====
	hub := telemetry.NewHub()
	var bus *telemetry.Bus
	if cfg.Telemetry.RedisAddr != "" {
		client, err := telemetry.NewRedisClient(ctx, cfg.Telemetry.RedisAddr, cfg.Telemetry.RedisPassword, cfg.Telemetry.RedisDB)
		if err != nil {
			slog.Warn("redis unreachable, telemetry is local-only", "addr", cfg.Telemetry.RedisAddr, "error", err)
			bus = telemetry.NewBus(nil, cfg.Telemetry.ChannelPrefix, hub)
		} else {
			defer client.Close()
			bus = telemetry.NewBus(client, cfg.Telemetry.ChannelPrefix, hub)
			slog.Info("redis telemetry connected", "addr", cfg.Telemetry.RedisAddr)
		}
	} else {
		bus = telemetry.NewBus(nil, cfg.Telemetry.ChannelPrefix, hub)
	}

	// ===== PIPELINE =====
	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	baseWeights := make(map[core.SignalType]float64, len(cfg.Signals.BaseWeights))
	for name, w := range cfg.Signals.BaseWeights {
		baseWeights[core.SignalType(name)] = w
	}

	resolver := enrich.NewResolver(refStore, cfg.Signals.DistanceThresholdKm)
	validator := validate.NewValidator(validate.Options{
		BaseWeights:       baseWeights,
		MaxSignalAge:      cfg.MaxSignalAge(),
		MismatchWeightCap: cfg.Signals.MismatchWeightCap,
	})
	scorer := trust.NewScorer(trust.Options{
		BaseRisk:       cfg.Risk.BaseRisk,
		AllowThreshold: cfg.Risk.AllowThreshold,
		DenyThreshold:  cfg.Risk.DenyThreshold,
		SiemHighBump:   cfg.Risk.SiemHighBump,
		SiemMediumBump: cfg.Risk.SiemMediumBump,
		BaseWeights:    baseWeights,
	})
	aggregator := alerts.NewAggregator(alertStore, cfg.AlertWindow())

	gw := gateway.New(resolver, validator, scorer, aggregator, alertStore, audit, bus, metrics, gateway.Options{
		EmitThreshold:     cfg.Alerts.EmitThreshold,
		HighSeverityRisk:  cfg.Alerts.HighSeverityRisk,
		DependencyTimeout: cfg.DependencyTimeout(),
		TOTPSecret:        cfg.StepUp.TOTPSecret,
	})

	// ===== SERVE =====
	srv := api.NewServer(gw, alertStore, refStore, refPaths, hub, bus, registry, cfg.AlertWindow())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(":" + cfg.Server.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}
}

// memoryAudit satisfies the audit contract when no database is configured.
type memoryAudit struct{}

func (memoryAudit) InsertEnforcement(ctx context.Context, rec core.EnforcementRecord) error {
	slog.Info("enforcement (not persisted)",
		"session_id", rec.SessionID, "enforcement", rec.Enforcement, "risk", rec.Risk)
	return nil
}
