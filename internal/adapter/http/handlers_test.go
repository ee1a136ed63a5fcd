package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfhttp "github.com/Strob0t/autopack/internal/adapter/http"
	"github.com/Strob0t/autopack/internal/adapter/memstore"
	"github.com/Strob0t/autopack/internal/adapter/ristretto"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/middleware"
	"github.com/Strob0t/autopack/internal/service"
)

type testServer struct {
	router http.Handler
	store  *memstore.Store
	runs   *service.RunService
	gov    *service.GovernanceService
}

func newTestServer(t *testing.T, checks map[string]cfhttp.HealthCheck) *testServer {
	t.Helper()
	return newTestServerWith(t, checks, cfhttp.RouterConfig{CORSOrigin: "http://localhost:3000"})
}

func newTestServerWith(t *testing.T, checks map[string]cfhttp.HealthCheck, rcfg cfhttp.RouterConfig) *testServer {
	t.Helper()
	cfg := config.Defaults()
	store := memstore.New()
	telemetry := service.NewTelemetryService(store, nil, nil, nil)
	runs := service.NewRunService(store, service.NewTierOrchestrator(store, nil), telemetry, nil, &cfg)
	gov := service.NewGovernanceService(store, nil, nil, cfg.Governance)

	h := &cfhttp.Handlers{Runs: runs, Governance: gov, Checks: checks}
	return &testServer{
		router: cfhttp.NewRouter(h, rcfg),
		store:  store,
		runs:   runs,
		gov:    gov,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createRun(t *testing.T) *run.Run {
	t.Helper()
	r, err := s.runs.Create(context.Background(), &plan.Spec{
		GoalAnchor: "ship it",
		Tiers: []plan.TierSpec{{Name: "one", Phases: []plan.PhaseSpec{{
			ID:    "p1",
			Scope: plan.Scope{Paths: []string{"src/"}},
		}}}},
	}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (s *testServer) pendingRequest(t *testing.T) *governance.Request {
	t.Helper()
	req, err := s.gov.Request(context.Background(), "run-1", "p1", []scope.Decision{
		{Path: "config.py", Reason: scope.ReasonProtectedPath},
	})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.createRun(t)

	w := s.do(t, http.MethodGet, "/api/v1/runs/"+r.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[run.Run](t, w)
	if got.ID != r.ID || got.Status != run.StatusQueued || len(got.Tiers) != 1 {
		t.Errorf("run = %+v", got)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run: expected 404, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t, nil)
	s.createRun(t)

	w := s.do(t, http.MethodGet, "/api/v1/runs?status=QUEUED", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[[]run.Run](t, w); len(got) != 1 {
		t.Errorf("queued runs = %d, want 1", len(got))
	}

	w = s.do(t, http.MethodGet, "/api/v1/runs?status=COMPLETE", "")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty list body = %s, want []", got)
	}
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t, nil)
	r := s.createRun(t)

	w := s.do(t, http.MethodPost, "/api/v1/runs/"+r.ID+"/cancel", `{"reason":"wrong plan"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := s.runs.Get(context.Background(), r.ID)
	if got.Status != run.StatusCancelled || got.FailureReason != "wrong plan" {
		t.Errorf("run = %s (%s)", got.Status, got.FailureReason)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/runs/"+r.ID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("second cancel: expected 409, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/api/v1/runs/"+r.ID+"/cancel", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}
}

func TestGovernanceApprove(t *testing.T) {
	s := newTestServer(t, nil)
	req := s.pendingRequest(t)

	w := s.do(t, http.MethodGet, "/api/v1/governance/requests", "")
	if got := decode[[]governance.Request](t, w); len(got) != 1 || got[0].ID != req.ID {
		t.Fatalf("pending = %+v", got)
	}

	w = s.do(t, http.MethodPost, "/api/v1/governance/requests/"+req.ID+"/approve", `{"resolver":"alice","note":"docs are fine"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decode[governance.Request](t, w)
	if got.Status != governance.StatusApproved || got.Resolver != "alice" || got.ResolvedAt == nil {
		t.Errorf("resolved = %+v", got)
	}

	w = s.do(t, http.MethodGet, "/api/v1/governance/requests/"+req.ID, "")
	if got := decode[governance.Request](t, w); got.Status != governance.StatusApproved {
		t.Errorf("stored status = %s", got.Status)
	}
}

func TestGovernanceDecisionErrors(t *testing.T) {
	s := newTestServer(t, nil)
	req := s.pendingRequest(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing resolver", "/api/v1/governance/requests/" + req.ID + "/deny", `{}`, http.StatusBadRequest},
		{"unknown request", "/api/v1/governance/requests/nope/approve", `{"resolver":"bob"}`, http.StatusNotFound},
		{"invalid body", "/api/v1/governance/requests/" + req.ID + "/approve", `{`, http.StatusBadRequest},
		{"deny", "/api/v1/governance/requests/" + req.ID + "/deny", `{"resolver":"bob"}`, http.StatusOK},
		{"already resolved", "/api/v1/governance/requests/" + req.ID + "/approve", `{"resolver":"bob"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(t, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHealth(t *testing.T) {
	healthy := newTestServer(t, map[string]cfhttp.HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	if w := healthy.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	degraded := newTestServer(t, map[string]cfhttp.HealthCheck{
		"nats": func(context.Context) error { return errors.New("not connected") },
	})
	w := degraded.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "degraded" {
		t.Errorf("body = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodOptions, "/api/v1/runs", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/health", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestOperatorTokenRequired(t *testing.T) {
	s := newTestServerWith(t, nil, cfhttp.RouterConfig{
		APIToken: func() string { return "op-token" },
	})

	if w := s.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should stay public, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/runs", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", http.NoBody)
	req.Header.Set("Authorization", "Bearer op-token")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}

func TestCancelRun_IdempotentReplay(t *testing.T) {
	store, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)
	s := newTestServerWith(t, nil, cfhttp.RouterConfig{
		Idempotency:    store,
		IdempotencyTTL: time.Hour,
	})
	r := s.createRun(t)

	cancel := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+r.ID+"/cancel", http.NoBody)
		req.Header.Set("Idempotency-Key", "cancel-once")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}
	if w := cancel(); w.Code != http.StatusAccepted {
		t.Fatalf("first cancel: %d", w.Code)
	}
	w := cancel()
	if w.Code != http.StatusAccepted {
		t.Errorf("retried cancel should replay 202, got %d", w.Code)
	}
	if w.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("expected replay marker")
	}
}

func TestRateLimitedAPI(t *testing.T) {
	s := newTestServerWith(t, nil, cfhttp.RouterConfig{
		Limiter: middleware.NewRateLimiter(0.001, 1),
	})
	if w := s.do(t, http.MethodGet, "/api/v1/runs", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/runs", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health should not be limited, got %d", w.Code)
	}
}
