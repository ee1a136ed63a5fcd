// Package plan defines the Tier and Phase domain entities that make up a build plan.
package plan

import "time"

// TierStatus represents the lifecycle state of a tier.
type TierStatus string

const (
	TierPending  TierStatus = "PENDING"
	TierActive   TierStatus = "ACTIVE"
	TierComplete TierStatus = "COMPLETE"
	TierFailed   TierStatus = "FAILED"
)

// PhaseStatus represents the lifecycle state of a phase.
type PhaseStatus string

const (
	PhaseQueued    PhaseStatus = "QUEUED"
	PhaseExecuting PhaseStatus = "EXECUTING"
	PhaseComplete  PhaseStatus = "COMPLETE"
	PhaseFailed    PhaseStatus = "FAILED"
	PhaseBlocked   PhaseStatus = "BLOCKED"
)

// IsTerminal returns true if the phase will not execute again without outside input.
// BLOCKED counts as terminal for scheduling: it only resumes through a governance decision.
func (s PhaseStatus) IsTerminal() bool {
	switch s {
	case PhaseComplete, PhaseFailed, PhaseBlocked:
		return true
	}
	return false
}

// Complexity is the phase risk category used by the retry policy.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// BuilderMode selects the patch representation the Builder is asked to produce.
type BuilderMode string

const (
	BuilderModeDiff     BuilderMode = "diff"
	BuilderModeFullFile BuilderMode = "full_file"
)

// Approval records how a phase was allowed to reach COMPLETE.
type Approval string

const (
	ApprovalAuditor Approval = "auditor"
	ApprovalAuto    Approval = "auto"
)

// Scope is the set of paths a phase may touch plus what it should deliver.
type Scope struct {
	Paths             []string `json:"paths" yaml:"paths"`
	Deliverables      []string `json:"deliverables,omitempty" yaml:"deliverables,omitempty"`
	LastFailureReason string   `json:"last_failure_reason,omitempty" yaml:"-"`
}

// Tier is an ordered group of phases executed as a batch.
type Tier struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	TierIndex int        `json:"tier_index"`
	Name      string     `json:"name"`
	Status    TierStatus `json:"status"`
	Phases    []Phase    `json:"phases,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Phase is the atomic unit of build work.
type Phase struct {
	ID              string      `json:"phase_id"`
	RunID           string      `json:"run_id"`
	TierID          string      `json:"tier_id"`
	PhaseIndex      int         `json:"phase_index"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	TaskCategory    string      `json:"task_category"`
	Complexity      Complexity  `json:"complexity"`
	BuilderMode     BuilderMode `json:"builder_mode"`
	Scope           Scope       `json:"scope"`
	DependsOn       []string    `json:"depends_on,omitempty"`
	Status          PhaseStatus `json:"status"`
	BuilderAttempts int         `json:"builder_attempts"`
	AuditorAttempts int         `json:"auditor_attempts"`
	RetryAttempt    int         `json:"retry_attempt"`
	EscalationLevel int         `json:"escalation_level"`
	DoctorCalls     int         `json:"doctor_calls"`
	TokensUsed      int64       `json:"tokens_used"`
	MaxAttempts     int         `json:"max_attempts"`
	AutoApprove     bool        `json:"auto_approve"`
	ApprovedBy      Approval    `json:"approved_by,omitempty"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	NotRunReason    string      `json:"not_run_reason,omitempty"`
	Version         int         `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
