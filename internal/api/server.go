// Package api exposes the daemon's read-only status surface. Rule writes
// go straight to the store from whatever front end owns them; the daemon
// picks mutations up through its poll loop.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"niftystrategist/internal/config"
	"niftystrategist/internal/session"
	"niftystrategist/internal/store"
)

// SnapshotProvider is the daemon-side source of session state.
type SnapshotProvider interface {
	Snapshots() []session.Snapshot
}

// Server runs the status HTTP API.
type Server struct {
	cfg      config.StatusConfig
	provider SnapshotProvider
	st       *store.Store
	server   *http.Server
	started  time.Time
	logger   *slog.Logger
}

// NewServer creates a status server.
func NewServer(cfg config.StatusConfig, provider SnapshotProvider, st *store.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		st:       st,
		started:  time.Now(),
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/logs", s.handleLogs)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statusSnapshot is the /api/snapshot response body.
type statusSnapshot struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	SessionCount  int                `json:"session_count"`
	Sessions      []session.Snapshot `json:"sessions"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sessions := s.provider.Snapshots()
	body := statusSnapshot{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		SessionCount:  len(sessions),
		Sessions:      sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleLogs returns recent fire logs, optionally filtered by rule_id.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var ruleID int64
	if raw := r.URL.Query().Get("rule_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid rule_id", http.StatusBadRequest)
			return
		}
		ruleID = id
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := s.st.ListFireLogs(r.Context(), ruleID, limit)
	if err != nil {
		s.logger.Error("failed to list fire logs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"logs": logs})
}
