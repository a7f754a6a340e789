// Package api exposes the decision pipeline over REST/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zta-mfa/backend/internal/alerts"
	"github.com/zta-mfa/backend/internal/core"
	"github.com/zta-mfa/backend/internal/gateway"
	"github.com/zta-mfa/backend/internal/middleware"
	"github.com/zta-mfa/backend/internal/refdata"
	"github.com/zta-mfa/backend/internal/telemetry"
)

// Server wires the gateway and its supporting stores into HTTP routes.
type Server struct {
	gw            *gateway.Gateway
	alertStore    alerts.Store
	refStore      *refdata.Store
	refPaths      refdata.Paths
	hub           *telemetry.Hub
	sink          telemetry.Sink
	registry      *prometheus.Registry
	limiter       *middleware.RateLimiter
	defaultWindow time.Duration

	httpSrv *http.Server
}

// NewServer creates the API server. hub, sink, and registry may be nil.
func NewServer(
	gw *gateway.Gateway,
	alertStore alerts.Store,
	refStore *refdata.Store,
	refPaths refdata.Paths,
	hub *telemetry.Hub,
	sink telemetry.Sink,
	registry *prometheus.Registry,
	defaultWindow time.Duration,
) *Server {
	return &Server{
		gw:            gw,
		alertStore:    alertStore,
		refStore:      refStore,
		refPaths:      refPaths,
		hub:           hub,
		sink:          sink,
		registry:      registry,
		limiter:       middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		defaultWindow: defaultWindow,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/decision", s.limiter.Middleware(http.HandlerFunc(s.handleDecision))).Methods("POST")
	v1.HandleFunc("/alerts", s.handleAlertIngest).Methods("POST")
	v1.HandleFunc("/alerts/aggregate", s.handleAlertAggregate).Methods("GET")
	v1.HandleFunc("/refdata/reload", s.handleRefdataReload).Methods("POST")
	if s.hub != nil {
		v1.HandleFunc("/stream", s.hub.HandleWebSocket).Methods("GET")
	}

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("api server listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ===== HANDLERS =====

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if s.refStore != nil {
		body["refdata"] = s.refStore.Current().Counts()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDecision runs the full pipeline for one signal bundle.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var bundle core.SignalBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signal bundle: " + err.Error()})
		return
	}
	if bundle.SessionID == "" {
		// session_id is caller-supplied when the client tracks its own
		// attempts; otherwise we mint one and return it in the response
		bundle.SessionID = "sess-" + uuid.NewString()
	}

	result, err := s.gw.Decide(r.Context(), bundle)
	if err != nil {
		// only context cancellation reaches here; the client is gone
		slog.Warn("decision aborted", "session_id", bundle.SessionID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type alertIngestRequest struct {
	SessionID string                 `json:"session_id"`
	Stride    string                 `json:"stride"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Raw       map[string]interface{} `json:"raw"`
}

// handleAlertIngest accepts external SIEM events into the alert store.
func (s *Server) handleAlertIngest(w http.ResponseWriter, r *http.Request) {
	var req alertIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid alert: " + err.Error()})
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	alert := core.Alert{
		SessionID: req.SessionID,
		Stride:    core.NormalizeStride(req.Stride),
		Severity:  core.NormalizeSeverity(req.Severity),
		Source:    req.Source,
		Raw:       req.Raw,
		CreatedAt: time.Now(),
	}
	if err := s.alertStore.Insert(r.Context(), alert); err != nil {
		slog.Error("alert ingest failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert store unavailable"})
		return
	}

	if s.sink != nil {
		s.sink.Publish(r.Context(), telemetry.Event{
			Type:      telemetry.EventAlert,
			SessionID: alert.SessionID,
			Payload: map[string]interface{}{
				"stride":   alert.Stride,
				"severity": alert.Severity,
				"source":   alert.Source,
			},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

// handleAlertAggregate returns windowed severity counts for a session.
func (s *Server) handleAlertAggregate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	window := s.defaultWindow
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "minutes must be a positive integer"})
			return
		}
		window = time.Duration(minutes) * time.Minute
	}

	counts, err := s.alertStore.CountSince(r.Context(), sessionID, time.Now().Add(-window))
	if err != nil {
		slog.Error("alert aggregation failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "alert store unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"window_min": int(window / time.Minute),
		"counts":     counts,
	})
}

// handleRefdataReload rebuilds the reference snapshot and swaps it in
// atomically. A load failure leaves the current snapshot serving.
func (s *Server) handleRefdataReload(w http.ResponseWriter, r *http.Request) {
	if s.refStore == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reference data not configured"})
		return
	}

	snap, err := refdata.Load(s.refPaths)
	if err != nil {
		slog.Error("reference data reload failed, keeping current snapshot", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.refStore.Swap(snap)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "counts": snap.Counts()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
