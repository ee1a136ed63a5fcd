// Package llmrole defines one port per LLM role. Implementations share a
// transport but callers depend only on the role they use.
package llmrole

import (
	"context"
	"errors"

	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/retry"
)

// Transport errors. Role implementations wrap one of these so callers can
// classify failures without knowing the transport.
var (
	ErrTimeout     = errors.New("llm call timed out")
	ErrRateLimited = errors.New("llm rate limited")
	ErrTransport   = errors.New("llm transport error")
)

// BuildRequest asks the Builder for a patch for one phase attempt.
type BuildRequest struct {
	RunID        string            `json:"run_id"`
	PhaseID      string            `json:"phase_id"`
	AttemptIndex int               `json:"attempt_index"`
	Model        string            `json:"model"`
	Mode         plan.BuilderMode  `json:"mode"`
	GoalAnchor   string            `json:"goal_anchor"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Deliverables []string          `json:"deliverables,omitempty"`
	ScopePaths   []string          `json:"scope_paths"`
	Instructions string            `json:"instructions,omitempty"`
	LastFailure  string            `json:"last_failure,omitempty"`
	Files        map[string]string `json:"files"`
}

// BuildResult is the Builder's raw output: a unified diff or NDJSON operations.
type BuildResult struct {
	Patch      string `json:"patch"`
	Model      string `json:"model"`
	TokensUsed int64  `json:"tokens_used"`
}

// ReviewRequest asks the Auditor to review an applied patch.
type ReviewRequest struct {
	RunID        string   `json:"run_id"`
	PhaseID      string   `json:"phase_id"`
	Model        string   `json:"model"`
	Description  string   `json:"description"`
	Deliverables []string `json:"deliverables,omitempty"`
	Patch        string   `json:"patch"`
	Applied      []string `json:"applied"`
}

// ReviewResult is the Auditor's verdict.
type ReviewResult struct {
	Approved   bool     `json:"approved"`
	Issues     []string `json:"issues,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	TokensUsed int64    `json:"tokens_used"`
}

// DiagnoseRequest asks the Doctor what to do with a struggling phase.
type DiagnoseRequest struct {
	RunID          string          `json:"run_id"`
	PhaseID        string          `json:"phase_id"`
	Model          string          `json:"model"`
	ContextSummary string          `json:"context_summary"`
	FailureHistory []event.Attempt `json:"failure_history"`
}

// DiagnoseResult is the Doctor's recommendation.
type DiagnoseResult struct {
	Action             retry.DoctorAction `json:"action"`
	RecommendedFixType string             `json:"recommended_fix_type,omitempty"`
	Rationale          string             `json:"rationale,omitempty"`
	TokensUsed         int64              `json:"tokens_used"`
}

// Builder produces patches.
type Builder interface {
	ExecutePhase(ctx context.Context, req BuildRequest) (*BuildResult, error)
}

// Auditor reviews applied patches.
type Auditor interface {
	ReviewPatch(ctx context.Context, req ReviewRequest) (*ReviewResult, error)
}

// Doctor diagnoses repeated or ambiguous failures.
type Doctor interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*DiagnoseResult, error)
}
