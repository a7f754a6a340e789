// Package telemetry fans decision and alert events out to Redis Pub/Sub for
// cross-pod distribution and to local WebSocket subscribers. Telemetry is
// strictly best-effort: a failing sink never affects the decision path.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types published by the gateway.
const (
	EventDecision = "decision"
	EventAlert    = "alert"
)

// Event is one telemetry message.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Sink accepts telemetry events. Implementations must swallow their own
// failures.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Bus publishes events to Redis Pub/Sub and mirrors every event to the local
// WebSocket hub for zero-latency delivery to connected dashboards. With no
// Redis client configured it runs in local-only mode.
type Bus struct {
	client *redis.Client
	prefix string
	hub    *Hub
}

// NewBus creates a Bus. client may be nil (local-only mode); hub may be nil
// (no local subscribers).
func NewBus(client *redis.Client, channelPrefix string, hub *Hub) *Bus {
	if channelPrefix == "" {
		channelPrefix = "zta:events:"
	}
	return &Bus{client: client, prefix: channelPrefix, hub: hub}
}

// Publish sends the event. Never returns an error and never blocks beyond the
// caller's context: telemetry failures are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("telemetry marshal failed", "type", event.Type, "error", err)
		return
	}

	if b.hub != nil {
		b.hub.Broadcast(data)
	}

	if b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, b.prefix+event.Type, data).Err(); err != nil {
		slog.Warn("telemetry publish failed, local-only delivery",
			"type", event.Type, "channel", b.prefix+event.Type, "error", err)
	}
}

// NewRedisClient builds a Pub/Sub client and verifies connectivity. A nil
// client (with error) is returned when Redis is unreachable; callers are
// expected to fall back to local-only telemetry.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
