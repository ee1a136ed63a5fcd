package plan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrApprovalRequired  = errors.New("phase completion requires auditor approval or auto-approval")
	ErrEmptyReason       = errors.New("failed phase requires a failure reason")
)

var phaseTransitions = map[PhaseStatus][]PhaseStatus{
	PhaseQueued:    {PhaseExecuting},
	PhaseExecuting: {PhaseComplete, PhaseFailed, PhaseBlocked},
	PhaseBlocked:   {PhaseExecuting, PhaseFailed},
}

// CanTransition reports whether a phase may move from one status to another.
func CanTransition(from, to PhaseStatus) bool {
	for _, s := range phaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (p *Phase) transition(to PhaseStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("phase %s: %s -> %s: %w", p.ID, p.Status, to, ErrInvalidTransition)
	}
	p.Status = to
	return nil
}

// Start moves a QUEUED or BLOCKED phase into EXECUTING.
func (p *Phase) Start() error {
	if err := p.transition(PhaseExecuting); err != nil {
		return err
	}
	p.NotRunReason = ""
	return nil
}

// Complete moves an EXECUTING phase to COMPLETE. The approval must be recorded.
func (p *Phase) Complete(via Approval) error {
	if via != ApprovalAuditor && via != ApprovalAuto {
		return fmt.Errorf("phase %s: %w", p.ID, ErrApprovalRequired)
	}
	if err := p.transition(PhaseComplete); err != nil {
		return err
	}
	p.ApprovedBy = via
	p.FailureReason = ""
	return nil
}

// Fail moves the phase to FAILED with a specific reason.
func (p *Phase) Fail(reason string) error {
	if reason == "" {
		return fmt.Errorf("phase %s: %w", p.ID, ErrEmptyReason)
	}
	if err := p.transition(PhaseFailed); err != nil {
		return err
	}
	p.FailureReason = reason
	p.Scope.LastFailureReason = reason
	return nil
}

// Block moves an EXECUTING phase to BLOCKED pending a governance decision.
func (p *Phase) Block(reason string) error {
	if err := p.transition(PhaseBlocked); err != nil {
		return err
	}
	p.Scope.LastFailureReason = reason
	return nil
}
