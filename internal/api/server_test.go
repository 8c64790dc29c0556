package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"niftystrategist/internal/config"
	"niftystrategist/internal/session"
	"niftystrategist/internal/store"
)

const testTokenKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type stubProvider struct {
	snaps []session.Snapshot
}

func (p *stubProvider) Snapshots() []session.Snapshot { return p.snaps }

func newTestServer(t *testing.T, provider SnapshotProvider) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"), testTokenKey)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(config.StatusConfig{Enabled: true, Port: 0}, provider, st, logger)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubProvider{})
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("payload = %v", body)
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()

	provider := &stubProvider{snaps: []session.Snapshot{
		{UserID: "u1", RuleCount: 3, Instruments: []string{"NSE:1"}, TokenExpiry: time.Now().Add(time.Hour)},
		{UserID: "u2", Paused: true},
	}}
	s := newTestServer(t, provider)

	rec := httptest.NewRecorder()
	s.handleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body statusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionCount != 2 || len(body.Sessions) != 2 {
		t.Fatalf("session count = %d / %d", body.SessionCount, len(body.Sessions))
	}
	if body.Sessions[0].UserID != "u1" || !body.Sessions[1].Paused {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
}

func TestHandleLogsValidation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &stubProvider{})

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"defaults ok", "/api/logs", http.StatusOK},
		{"rule filter ok", "/api/logs?rule_id=7&limit=10", http.StatusOK},
		{"bad rule_id", "/api/logs?rule_id=abc", http.StatusBadRequest},
		{"zero limit", "/api/logs?limit=0", http.StatusBadRequest},
		{"limit over cap", "/api/logs?limit=501", http.StatusBadRequest},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			s.handleLogs(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
