package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Kirky-X/limiteron/pkg/config"
	"github.com/Kirky-X/limiteron/pkg/flow"
	"github.com/Kirky-X/limiteron/pkg/flow/ban"
	"github.com/Kirky-X/limiteron/pkg/flow/ratelimit"
	"github.com/Kirky-X/limiteron/pkg/flow/storage"
)

func newTestServer(t *testing.T, capacity int64) (*Server, *ban.Manager) {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	banManager, err := ban.NewManager(ban.NewMemoryStore(), ban.DefaultManagerConfig())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	checker, err := ban.NewParallelChecker(banManager)
	if err != nil {
		t.Fatalf("NewParallelChecker failed: %v", err)
	}
	limiter, err := ratelimit.NewTokenBucket(store, capacity, 1)
	if err != nil {
		t.Fatalf("NewTokenBucket failed: %v", err)
	}

	governor, err := flow.NewGovernor(flow.GovernorConfig{
		BanChecker: checker,
		Limiter:    limiter,
	})
	if err != nil {
		t.Fatalf("NewGovernor failed: %v", err)
	}

	cfg := &config.ServerConfig{
		ListenAddress:   "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}
	srv, err := NewServer(cfg, Options{Governor: governor, BanManager: banManager})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, banManager
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// ===== Admission =====

func TestCheckEndpointAllows(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/v1/check", checkRequest{
		Identifiers: []identifierPayload{{Type: "user", Value: "alice"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if !resp.Allowed {
		t.Errorf("expected allowed, got %+v", resp)
	}
}

func TestCheckEndpointDeniesWith429(t *testing.T) {
	srv, _ := newTestServer(t, 1)
	handler := srv.Handler()

	body := checkRequest{Identifiers: []identifierPayload{{Type: "user", Value: "bob"}}}
	if rec := postJSON(t, handler, "/v1/check", body); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec := postJSON(t, handler, "/v1/check", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("denial should carry a Retry-After header")
	}

	var resp checkResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Allowed || resp.Reason != string(flow.ReasonRateLimited) {
		t.Errorf("unexpected denial payload: %+v", resp)
	}
}

func TestCheckEndpointRejectsBadPayloads(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/check", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}

	if rec := postJSON(t, handler, "/v1/check", checkRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing identifiers: expected 400, got %d", rec.Code)
	}
}

// ===== Ban administration =====

func TestBanLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/v1/bans", banCreateRequest{
		Target:     "203.0.113.7",
		TargetType: "ip",
		Reason:     "credential stuffing",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	check := postJSON(t, handler, "/v1/check", checkRequest{
		Identifiers: []identifierPayload{{Type: "ip", Value: "203.0.113.7"}},
	})
	if check.Code != http.StatusTooManyRequests {
		t.Fatalf("banned target should be denied, got %d", check.Code)
	}
	var resp checkResponse
	if err := json.Unmarshal(check.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Reason != string(flow.ReasonBanned) {
		t.Errorf("expected banned reason, got %q", resp.Reason)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/bans?active=true&target_type=ip", nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from list, got %d", listRec.Code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("invalid list response: %v", err)
	}
	if listed.Count != 1 {
		t.Errorf("expected 1 active ban, got %d", listed.Count)
	}

	unban := postJSON(t, handler, "/v1/unban", unbanRequest{Target: "203.0.113.7", Actor: "ops"})
	if unban.Code != http.StatusOK {
		t.Fatalf("expected 200 from unban, got %d", unban.Code)
	}

	again := postJSON(t, handler, "/v1/check", checkRequest{
		Identifiers: []identifierPayload{{Type: "ip", Value: "203.0.113.7"}},
	})
	if again.Code != http.StatusOK {
		t.Errorf("unbanned target should be admitted, got %d", again.Code)
	}
}

func TestUnbanUnknownTargetReturns404(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	handler := srv.Handler()

	rec := postJSON(t, handler, "/v1/unban", unbanRequest{Target: "198.51.100.9"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// ===== Stats and health =====

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 10)
	handler := srv.Handler()

	postJSON(t, handler, "/v1/check", checkRequest{
		Identifiers: []identifierPayload{{Type: "user", Value: "carol"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats struct {
		Total   int64 `json:"total"`
		Allowed int64 `json:"allowed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid stats response: %v", err)
	}
	if stats.Total != 1 || stats.Allowed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ===== Lifecycle =====

func TestServerStartAndStop(t *testing.T) {
	srv, _ := newTestServer(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
