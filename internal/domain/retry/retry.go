// Package retry holds the pure attempt policy: given a phase's counters and the
// classified outcome of its last attempt, it decides what happens next.
package retry

import "github.com/Strob0t/autopack/internal/domain/plan"

// FailureReason classifies why an attempt did not produce an approved change.
type FailureReason string

const (
	FailureNone               FailureReason = ""
	FailureTimeout            FailureReason = "timeout"
	FailureRateLimit          FailureReason = "rate_limit"
	FailureTransport          FailureReason = "transport_error"
	FailurePatchMalformed     FailureReason = "patch_malformed"
	FailureScopeViolation     FailureReason = "scope_violation"
	FailureApplyFailed        FailureReason = "apply_failed"
	FailureAuditorRejected    FailureReason = "auditor_rejected"
	FailureCI                 FailureReason = "ci_failure"
	FailureBuilderFailed      FailureReason = "builder_failed"
	FailureUnknown            FailureReason = "unknown"
	FailureGovernanceRequired FailureReason = "governance_required"
)

// Class groups failure reasons by the remediation they call for.
type Class string

const (
	ClassNone       Class = "none"
	ClassTransient  Class = "transient"
	ClassComplex    Class = "complex"
	ClassAmbiguous  Class = "ambiguous"
	ClassGovernance Class = "governance"
)

// Class returns the remediation class. Unrecognised reasons are ambiguous.
func (r FailureReason) Class() Class {
	switch r {
	case FailureNone:
		return ClassNone
	case FailureTimeout, FailureRateLimit, FailureTransport:
		return ClassTransient
	case FailurePatchMalformed, FailureScopeViolation, FailureApplyFailed, FailureAuditorRejected, FailureCI:
		return ClassComplex
	case FailureGovernanceRequired:
		return ClassGovernance
	default:
		return ClassAmbiguous
	}
}

// Action is the outcome of a retry decision.
type Action string

const (
	ActionRetrySameModel     Action = "RETRY_SAME_MODEL"
	ActionEscalateModel      Action = "ESCALATE_MODEL"
	ActionInvokeDoctor       Action = "INVOKE_DOCTOR"
	ActionFailPhase          Action = "FAIL_PHASE"
	ActionBlockForGovernance Action = "BLOCK_FOR_GOVERNANCE"
)

// Config bounds the policy. Models is the escalation ladder, cheapest first.
type Config struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	EscalateAfter    int      `yaml:"escalate_after"`
	DiagnosticsAfter int      `yaml:"diagnostics_after"`
	MaxDoctorCalls   int      `yaml:"max_doctor_calls"`
	Models           []string `yaml:"models"`
	DoctorModel      string   `yaml:"doctor_model"`
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		EscalateAfter:    2,
		DiagnosticsAfter: 3,
		MaxDoctorCalls:   1,
		Models:           []string{"fast", "strong"},
	}
}

// Counters are the per-phase attempt counters. They never decrease.
type Counters struct {
	BuilderAttempts int `json:"builder_attempts"`
	AuditorAttempts int `json:"auditor_attempts"`
	RetryAttempt    int `json:"retry_attempt"`
	EscalationLevel int `json:"escalation_level"`
	DoctorCalls     int `json:"doctor_calls"`
}

// CountersOf reads the counters persisted on a phase.
func CountersOf(p *plan.Phase) Counters {
	return Counters{
		BuilderAttempts: p.BuilderAttempts,
		AuditorAttempts: p.AuditorAttempts,
		RetryAttempt:    p.RetryAttempt,
		EscalationLevel: p.EscalationLevel,
		DoctorCalls:     p.DoctorCalls,
	}
}

// Store writes counters back to a phase without letting any of them decrease.
func (c Counters) Store(p *plan.Phase) {
	p.BuilderAttempts = max(p.BuilderAttempts, c.BuilderAttempts)
	p.AuditorAttempts = max(p.AuditorAttempts, c.AuditorAttempts)
	p.RetryAttempt = max(p.RetryAttempt, c.RetryAttempt)
	p.EscalationLevel = max(p.EscalationLevel, c.EscalationLevel)
	p.DoctorCalls = max(p.DoctorCalls, c.DoctorCalls)
}

// AttemptContext is the input to every policy function.
type AttemptContext struct {
	Counters
	// MaxAttempts overrides Config.MaxAttempts when positive.
	MaxAttempts         int
	ConsecutiveFailures int
	Failure             FailureReason
	// FailureDetail is the specific message carried into FAIL_PHASE.
	FailureDetail string
	TokensUsed    int64
	Complexity    plan.Complexity
}

// Decision is the policy output. Counters holds the state to persist with it.
type Decision struct {
	Action   Action   `json:"action"`
	Model    string   `json:"model,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Counters Counters `json:"counters"`
}
