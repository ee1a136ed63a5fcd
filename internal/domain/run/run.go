// Package run defines the Run domain entity: one autonomous execution of a build plan.
package run

import (
	"time"

	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/resource"
)

// Status represents the current state of a run.
type Status string

const (
	StatusQueued        Status = "QUEUED"
	StatusPhaseQueueing Status = "PHASE_QUEUEING"
	StatusExecuting     Status = "EXECUTING"
	StatusComplete      Status = "COMPLETE"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
)

// IsTerminal returns true once the run can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is the top-level unit of work. It owns an ordered sequence of tiers.
type Run struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	GoalAnchor    string          `json:"goal_anchor"`
	Workspace     string          `json:"workspace"`
	Budget        resource.Budget `json:"budget"`
	Protected     []string        `json:"protected_paths,omitempty"`
	TokensUsed    int64           `json:"tokens_used"`
	PhasesStarted int             `json:"phases_started"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Tiers         []plan.Tier     `json:"tiers,omitempty"`
	Version       int             `json:"version"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
