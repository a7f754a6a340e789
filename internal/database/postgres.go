// Package database provides the Postgres persistence layer: the append-only
// enforcement audit log and the durable alert store.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/zta-mfa/backend/internal/core"
)

// Open connects to Postgres and verifies the connection. The pool is sized
// for the request-scoped, short-transaction workload of the decision path.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the zta schema and its tables when absent. Existing
// tables are left untouched.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS zta`,
		`CREATE TABLE IF NOT EXISTS zta.mfa_events (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			method     TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			detail     JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS zta.siem_alerts (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			stride     TEXT NOT NULL,
			severity   TEXT NOT NULL,
			source     TEXT,
			raw        JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS siem_alerts_session_created_idx
			ON zta.siem_alerts (session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	slog.Info("database schema verified")
	return nil
}

// ===== ENFORCEMENT AUDIT LOG =====

// EventStore writes enforcement audit records to zta.mfa_events. Records are
// append-only; nothing in the pipeline updates or deletes them.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore over db.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// enforcementOutcome maps the enforcement action to the audit outcome field:
// a step-up means a challenge was sent, a deny means the attempt failed.
func enforcementOutcome(e core.Enforcement) string {
	switch e {
	case core.EnforceStepUp:
		return "sent"
	case core.EnforceDeny:
		return "failed"
	default:
		return "success"
	}
}

// InsertEnforcement appends one audit record.
func (s *EventStore) InsertEnforcement(ctx context.Context, rec core.EnforcementRecord) error {
	detail, err := json.Marshal(map[string]interface{}{
		"risk":        rec.Risk,
		"decision":    rec.Decision,
		"enforcement": rec.Enforcement,
		"reasons":     rec.Reasons,
	})
	if err != nil {
		return fmt.Errorf("marshal enforcement detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO zta.mfa_events (session_id, method, outcome, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, "gateway_policy", enforcementOutcome(rec.Enforcement), detail, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert mfa event: %w", err)
	}
	return nil
}

// ===== ALERT STORE =====

// AlertStore persists alerts in zta.siem_alerts and serves the Alert
// Aggregator's windowed count queries.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates an AlertStore over db.
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

// Insert appends one alert. A zero CreatedAt defers to the column default.
func (s *AlertStore) Insert(ctx context.Context, alert core.Alert) error {
	raw, err := json.Marshal(alert.Raw)
	if err != nil {
		return fmt.Errorf("marshal alert raw: %w", err)
	}

	if alert.CreatedAt.IsZero() {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO zta.siem_alerts (session_id, stride, severity, source, raw)
			 VALUES ($1, $2, $3, $4, $5)`,
			alert.SessionID, string(alert.Stride), string(alert.Severity), alert.Source, raw,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO zta.siem_alerts (session_id, stride, severity, source, raw, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			alert.SessionID, string(alert.Stride), string(alert.Severity), alert.Source, raw, alert.CreatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("insert siem alert: %w", err)
	}
	return nil
}

// CountSince buckets the session's alerts newer than since by severity.
func (s *AlertStore) CountSince(ctx context.Context, sessionID string, since time.Time) (core.AlertWindowCount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM((severity = 'high')::int), 0),
			COALESCE(SUM((severity = 'medium')::int), 0)
		 FROM zta.siem_alerts
		 WHERE session_id = $1 AND created_at >= $2`,
		sessionID, since,
	)

	out := core.AlertWindowCount{SessionID: sessionID}
	if err := row.Scan(&out.High, &out.Medium); err != nil {
		return core.AlertWindowCount{}, fmt.Errorf("count siem alerts: %w", err)
	}
	return out, nil
}
