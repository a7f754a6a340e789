// Package alerts implements the Alert Aggregator: rolling severity counts
// over a trailing window, recomputed on every query against a durable store.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/zta-mfa/backend/internal/core"
)

// Store is the durable alert backend. Reads may observe a snapshot that
// misses alerts inserted after the query started; no stronger consistency is
// required.
type Store interface {
	Insert(ctx context.Context, alert core.Alert) error
	CountSince(ctx context.Context, sessionID string, since time.Time) (core.AlertWindowCount, error)
}

// Aggregator answers windowed severity-count queries. Counts are always
// recomputed from the store, never kept as a running total.
type Aggregator struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewAggregator creates an Aggregator over store with the given trailing
// window.
func NewAggregator(store Store, window time.Duration) *Aggregator {
	return &Aggregator{store: store, window: window, now: time.Now}
}

// CountRecent returns the high/medium alert counts for the session over the
// trailing window. Read-only: alert lifecycle is never affected.
func (a *Aggregator) CountRecent(ctx context.Context, sessionID string) (core.AlertWindowCount, error) {
	since := a.now().Add(-a.window)
	return a.store.CountSince(ctx, sessionID, since)
}

// Window returns the configured trailing window.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// ===== IN-MEMORY STORE =====

// MemoryStore is a Store backed by process memory, used in tests and
// single-node development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	bySessID map[string][]core.Alert
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySessID: make(map[string][]core.Alert)}
}

// Insert appends the alert, stamping CreatedAt when unset.
func (m *MemoryStore) Insert(ctx context.Context, alert core.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySessID[alert.SessionID] = append(m.bySessID[alert.SessionID], alert)
	return nil
}

// CountSince buckets the session's alerts newer than since by severity.
func (m *MemoryStore) CountSince(ctx context.Context, sessionID string, since time.Time) (core.AlertWindowCount, error) {
	if err := ctx.Err(); err != nil {
		return core.AlertWindowCount{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := core.AlertWindowCount{SessionID: sessionID}
	for _, alert := range m.bySessID[sessionID] {
		if alert.CreatedAt.Before(since) {
			continue
		}
		switch alert.Severity {
		case core.SeverityHigh:
			out.High++
		case core.SeverityMedium:
			out.Medium++
		}
	}
	return out, nil
}
