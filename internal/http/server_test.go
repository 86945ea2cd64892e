package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockConsumer implements ConsumerStatus for testing.
type mockConsumer struct {
	joined bool
}

func (m *mockConsumer) IsJoined() bool { return m.joined }

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(db DBChecker, stateJoined, historyJoined bool) *Server {
	return NewServer(":0", "rib-decoder-test", db, map[string]ConsumerStatus{
		"state":   &mockConsumer{joined: stateJoined},
		"history": &mockConsumer{joined: historyJoined},
	}, zap.NewNop())
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	w, body := get(t, newTestServer(nil, false, false), "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if body["status"] != "ok" || body["instance_id"] != "rib-decoder-test" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHealthz_RejectsPost(t *testing.T) {
	s := newTestServer(nil, true, true)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name          string
		db            DBChecker
		stateJoined   bool
		historyJoined bool
		wantCode      int
		wantChecks    map[string]string
	}{
		{
			name:       "no database, consumers not joined",
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "error", "kafka_state": "not_joined", "kafka_history": "not_joined"},
		},
		{
			name:          "consumers joined, database down",
			db:            &mockDBChecker{err: errors.New("connection refused")},
			stateJoined:   true,
			historyJoined: true,
			wantCode:      http.StatusServiceUnavailable,
			wantChecks:    map[string]string{"postgres": "error", "kafka_state": "ok", "kafka_history": "ok"},
		},
		{
			name:        "history consumer not joined",
			db:          &mockDBChecker{},
			stateJoined: true,
			wantCode:    http.StatusServiceUnavailable,
			wantChecks:  map[string]string{"postgres": "ok", "kafka_state": "ok", "kafka_history": "not_joined"},
		},
		{
			name:          "all healthy",
			db:            &mockDBChecker{},
			stateJoined:   true,
			historyJoined: true,
			wantCode:      http.StatusOK,
			wantChecks:    map[string]string{"postgres": "ok", "kafka_state": "ok", "kafka_history": "ok"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := get(t, newTestServer(tt.db, tt.stateJoined, tt.historyJoined), "/readyz")

			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, w.Code)
			}
			wantStatus := "ready"
			if tt.wantCode != http.StatusOK {
				wantStatus = "not_ready"
			}
			if body["status"] != wantStatus {
				t.Errorf("expected status '%s', got '%v'", wantStatus, body["status"])
			}
			checks := body["checks"].(map[string]any)
			for k, v := range tt.wantChecks {
				if checks[k] != v {
					t.Errorf("expected %s '%s', got '%v'", k, v, checks[k])
				}
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(nil, true, true)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
