package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/run"
)

// RunController is the run lifecycle surface the handlers need.
type RunController interface {
	Get(ctx context.Context, runID string) (*run.Run, error)
	List(ctx context.Context, status run.Status) ([]run.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// GovernanceController resolves approval requests.
type GovernanceController interface {
	Get(ctx context.Context, id string) (*governance.Request, error)
	ListPending(ctx context.Context) ([]governance.Request, error)
	Resolve(ctx context.Context, d governance.Decision) (*governance.Request, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the services behind the API.
type Handlers struct {
	Runs       RunController
	Governance GovernanceController
	// Checks are reported by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// ListRuns handles GET /api/v1/runs?status=.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.List(r.Context(), run.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeDomainError(w, err, "runs not found")
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	got, err := h.Runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRun handles POST /api/v1/runs/{id}/cancel. The body is optional.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[cancelRequest](w, r, defaultBodyLimit); !ok {
			return
		}
	}
	id := urlParam(r, "id")
	if err := h.Runs.Cancel(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// ListGovernanceRequests handles GET /api/v1/governance/requests.
func (h *Handlers) ListGovernanceRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Governance.ListPending(r.Context())
	if err != nil {
		writeDomainError(w, err, "requests not found")
		return
	}
	if reqs == nil {
		reqs = []governance.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetGovernanceRequest handles GET /api/v1/governance/requests/{id}.
func (h *Handlers) GetGovernanceRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Governance.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "governance request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Resolver string `json:"resolver"`
	Note     string `json:"note"`
}

// ApproveGovernanceRequest handles POST /api/v1/governance/requests/{id}/approve.
func (h *Handlers) ApproveGovernanceRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// DenyGovernanceRequest handles POST /api/v1/governance/requests/{id}/deny.
func (h *Handlers) DenyGovernanceRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	body, ok := readJSON[decisionRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	req, err := h.Governance.Resolve(r.Context(), governance.Decision{
		RequestID: urlParam(r, "id"),
		Approve:   approve,
		Resolver:  body.Resolver,
		Note:      body.Note,
	})
	if err != nil {
		writeDomainError(w, err, "governance request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health. Any failing check turns the response into 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	code := http.StatusOK
	for name, check := range h.Checks {
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, code, resp)
}
