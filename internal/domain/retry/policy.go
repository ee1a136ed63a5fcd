package retry

import (
	"fmt"

	"github.com/Strob0t/autopack/internal/domain/plan"
)

// Outcome records which roles ran during one attempt.
type Outcome struct {
	BuilderCalled bool
	AuditorCalled bool
	DoctorCalled  bool
}

// NextAttemptState advances counters after one attempt.
func NextAttemptState(c Counters, o Outcome) Counters {
	if o.BuilderCalled {
		c.BuilderAttempts++
	}
	if o.AuditorCalled {
		c.AuditorAttempts++
	}
	if o.DoctorCalled {
		c.DoctorCalls++
	}
	c.RetryAttempt++
	return c
}

func maxAttempts(ctx AttemptContext, cfg Config) int {
	n := cfg.MaxAttempts
	if ctx.MaxAttempts > 0 {
		n = ctx.MaxAttempts
	}
	return max(n, 1)
}

func topLevel(cfg Config) int {
	return max(len(cfg.Models)-1, 0)
}

func escalationThreshold(ctx AttemptContext, cfg Config) int {
	n := cfg.EscalateAfter
	if ctx.Complexity == plan.ComplexityHigh {
		n--
	}
	return max(n, 1)
}

// ShouldEscalate reports whether the next attempt should move one rung up the
// model ladder: the failure is complex and the Builder has run more times than
// the threshold allows.
func ShouldEscalate(ctx AttemptContext, cfg Config) bool {
	if ctx.Failure.Class() != ClassComplex {
		return false
	}
	if ctx.EscalationLevel >= topLevel(cfg) {
		return false
	}
	return ctx.BuilderAttempts > escalationThreshold(ctx, cfg)
}

// ChooseModelForAttempt returns the Builder model for the next attempt.
func ChooseModelForAttempt(ctx AttemptContext, cfg Config) string {
	if len(cfg.Models) == 0 {
		return ""
	}
	if ctx.RetryAttempt == 0 {
		return cfg.Models[0]
	}
	return cfg.Models[min(max(ctx.EscalationLevel, 0), topLevel(cfg))]
}

// ShouldRunDiagnostics reports whether the Doctor should look at the phase
// before the next attempt.
func ShouldRunDiagnostics(ctx AttemptContext, cfg Config) bool {
	class := ctx.Failure.Class()
	if class == ClassNone || class == ClassTransient || class == ClassGovernance {
		return false
	}
	if ctx.DoctorCalls >= cfg.MaxDoctorCalls {
		return false
	}
	if cfg.DiagnosticsAfter > 0 && ctx.ConsecutiveFailures >= cfg.DiagnosticsAfter {
		return true
	}
	if class == ClassAmbiguous {
		return true
	}
	return ctx.RetryAttempt == maxAttempts(ctx, cfg)-1
}

// Decide composes the policy: the attempt cap first, then governance, then
// diagnostics, escalation and finally a plain retry. Governance blocks only
// while an attempt remains to re-apply the approved patch.
func Decide(ctx AttemptContext, cfg Config) Decision {
	d := Decision{Counters: ctx.Counters}

	switch {
	case ctx.RetryAttempt >= maxAttempts(ctx, cfg):
		d.Action = ActionFailPhase
		d.Reason = failureText(ctx)
		if ctx.Failure == FailureNone && ctx.FailureDetail == "" {
			d.Reason = fmt.Sprintf("max attempts (%d) exhausted", maxAttempts(ctx, cfg))
		}
	case ctx.Failure == FailureGovernanceRequired:
		d.Action = ActionBlockForGovernance
		d.Reason = failureText(ctx)
	case ShouldRunDiagnostics(ctx, cfg):
		d.Action = ActionInvokeDoctor
		d.Model = cfg.DoctorModel
		d.Reason = failureText(ctx)
	case ShouldEscalate(ctx, cfg):
		d.Action = ActionEscalateModel
		d.Counters.EscalationLevel++
		d.Model = cfg.Models[d.Counters.EscalationLevel]
		d.Reason = failureText(ctx)
	default:
		d.Action = ActionRetrySameModel
		d.Model = ChooseModelForAttempt(ctx, cfg)
		d.Reason = failureText(ctx)
	}
	return d
}

// DoctorAction is the Doctor's recommendation.
type DoctorAction string

const (
	DoctorRetry    DoctorAction = "retry"
	DoctorEscalate DoctorAction = "escalate"
	DoctorFail     DoctorAction = "fail"
)

// ApplyDoctorAdvice turns a Doctor recommendation into the decision for the
// next attempt. The Doctor can never extend the attempt budget.
func ApplyDoctorAdvice(ctx AttemptContext, cfg Config, action DoctorAction, rationale string) Decision {
	d := Decision{Counters: ctx.Counters}
	switch {
	case action == DoctorFail:
		d.Action = ActionFailPhase
		d.Reason = "doctor: " + firstNonEmpty(rationale, failureText(ctx))
	case action == DoctorEscalate && ctx.EscalationLevel < topLevel(cfg):
		d.Action = ActionEscalateModel
		d.Counters.EscalationLevel++
		d.Model = cfg.Models[d.Counters.EscalationLevel]
		d.Reason = rationale
	default:
		d.Action = ActionRetrySameModel
		d.Model = ChooseModelForAttempt(ctx, cfg)
		d.Reason = rationale
	}
	return d
}

func failureText(ctx AttemptContext) string {
	return firstNonEmpty(ctx.FailureDetail, string(ctx.Failure))
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
