package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vibematch/matchbot/internal/config"
	"github.com/vibematch/matchbot/internal/server"
)

// newTestServer builds a Server without a Telegram bot (no token) against a
// throwaway database.
func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := &config.Config{
		ServerAddr:   ":0",
		DataDir:      t.TempDir(),
		HubURL:       "http://hub.invalid/events",
		BackendURL:   "http://backend.invalid",
	}
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "test.db")

	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want %q", body.Status, "ok")
	}
}

func TestNotify_MissingFields(t *testing.T) {
	srv := newTestServer(t)

	for _, body := range []string{`{}`, `{"telegram_chat_id":100}`, `{"text":"hi"}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/internal/notify", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("notify with body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestNotify_WithoutBotConfigured(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/notify",
		strings.NewReader(`{"telegram_chat_id":100,"text":"hello"}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 (no bot configured)", rec.Code)
	}
}
