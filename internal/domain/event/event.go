// Package event defines the telemetry events emitted while a run executes.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeRunStarted          Type = "run.started"
	TypeRunFinished         Type = "run.finished"
	TypePhaseStatus         Type = "phase.status"
	TypeAttemptRecorded     Type = "attempt.recorded"
	TypeGovernanceRequested Type = "governance.requested"
	TypeGovernanceResolved  Type = "governance.resolved"
)

// Attempt is the outcome of one phase attempt. Exactly one is emitted per attempt.
type Attempt struct {
	RunID         string    `json:"run_id"`
	PhaseID       string    `json:"phase_id"`
	AttemptIndex  int       `json:"attempt_index"`
	ActionTaken   string    `json:"action_taken"`
	TokensUsed    int64     `json:"tokens_used"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Model         string    `json:"model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PhaseStatus announces a phase state change.
type PhaseStatus struct {
	RunID   string `json:"run_id"`
	TierID  string `json:"tier_id"`
	PhaseID string `json:"phase_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// RunStatus announces a run state change.
type RunStatus struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Envelope wraps any event payload for transport on the broadcast hub.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
