package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/autopack/internal/adapter/otel"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/retry"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/logger"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/port/eventstore"
	"github.com/Strob0t/autopack/internal/port/filecontext"
	"github.com/Strob0t/autopack/internal/port/llmrole"
	"github.com/Strob0t/autopack/internal/port/telemetry"
	"github.com/Strob0t/autopack/internal/workspace"
)

// ActionComplete is the action recorded for the attempt that completes a phase.
const ActionComplete = "COMPLETE"

// Roles bundles the LLM role clients. Doctor may be nil.
type Roles struct {
	Builder llmrole.Builder
	Auditor llmrole.Auditor
	Doctor  llmrole.Doctor
}

// PhaseResult is how a phase execution ended.
type PhaseResult struct {
	Status     plan.PhaseStatus
	Reason     string
	Attempts   int
	TokensUsed int64
	// Request is set when the phase is left BLOCKED because the run stopped
	// while an approval was pending.
	Request *governance.Request
}

// PhaseExecutor drives one phase through its attempts:
// context, Builder, governed apply, Auditor, retry decision.
type PhaseExecutor struct {
	store      database.Store
	roles      Roles
	loader     filecontext.Loader
	sink       telemetry.Sink
	events     eventstore.Store
	governance *GovernanceService
	handlers   *HandlerRegistry
	cfg        config.Executor
}

// NewPhaseExecutor creates a PhaseExecutor. events and governance may be nil.
func NewPhaseExecutor(
	store database.Store,
	roles Roles,
	loader filecontext.Loader,
	sink telemetry.Sink,
	events eventstore.Store,
	gov *GovernanceService,
	handlers *HandlerRegistry,
	cfg config.Executor,
) *PhaseExecutor {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &PhaseExecutor{
		store:      store,
		roles:      roles,
		loader:     loader,
		sink:       sink,
		events:     events,
		governance: gov,
		handlers:   handlers,
		cfg:        cfg,
	}
}

// phaseRun is the per-execution state shared by the attempts of one phase.
type phaseRun struct {
	run       *run.Run
	phase     *plan.Phase
	handler   PhaseHandler
	applier   *GovernedApplier
	budget    *run.BudgetTracker
	protected []string
	scoped    plan.Phase

	consecutive int
	// pending holds a patch approved by governance that the next attempt
	// re-applies without calling the Builder.
	pending *pendingPatch
}

type pendingPatch struct {
	raw      string
	fullFile bool
	model    string
}

// attempt is the outcome of one pass through the loop.
type attempt struct {
	outcome  retry.Outcome
	failure  retry.FailureReason
	detail   string
	tokens   int64
	model    string
	approval plan.Approval
	raw      string
	fullFile bool
	denied   []scope.Decision
}

// Execute runs a QUEUED (or previously BLOCKED) phase until it completes,
// fails, or blocks on governance. The returned error is non-nil only for
// conditions that must stop the run: cancellation, budget exhaustion, a
// missing workspace or a persistence failure.
func (e *PhaseExecutor) Execute(ctx context.Context, r *run.Run, p *plan.Phase, eng *workspace.Engine, budget *run.BudgetTracker) (*PhaseResult, error) {
	ctx = logger.WithPhase(ctx, p.ID)
	ctx, span := cfotel.StartPhaseSpan(ctx, r.ID, p.ID, p.TaskCategory)
	defer span.End()

	if err := p.Start(); err != nil {
		return nil, err
	}
	if err := e.persist(ctx, p); err != nil {
		return nil, err
	}
	e.phaseStatus(ctx, p, "")

	handler := e.handlers.Resolve(p.TaskCategory)
	protected := append(append([]string(nil), e.cfg.ProtectedPaths...), r.Protected...)
	scoped := *p
	scoped.Scope.Paths = handler.ScopePaths(p)

	fc, err := e.loader.Load(ctx, r.Workspace, &scoped, protected)
	if err != nil {
		reason := fmt.Sprintf("load context: %v", err)
		return &PhaseResult{Status: plan.PhaseFailed, Reason: reason}, e.fail(ctx, p, reason, err)
	}

	policy := &scope.Policy{
		Allowed:   scoped.Scope.Paths,
		Protected: protected,
		Baseline:  fc.Baseline,
	}
	pr := &phaseRun{
		run:         r,
		phase:       p,
		handler:     handler,
		applier:     NewGovernedApplier(eng, policy),
		budget:      budget,
		protected:   protected,
		scoped:      scoped,
		consecutive: p.RetryAttempt,
	}

	slog.InfoContext(ctx, "phase started",
		"run_id", r.ID,
		"phase_id", p.ID,
		"category", handler.Category(),
		"max_attempts", p.MaxAttempts,
		"scope", scoped.Scope.Paths,
	)

	res, err := e.loop(ctx, pr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res.Status == plan.PhaseFailed {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res, err
}

func (e *PhaseExecutor) loop(ctx context.Context, pr *phaseRun) (*PhaseResult, error) {
	p := pr.phase
	startTokens := p.TokensUsed
	attempts := 0
	result := func(status plan.PhaseStatus, reason string) *PhaseResult {
		return &PhaseResult{Status: status, Reason: reason, Attempts: attempts, TokensUsed: p.TokensUsed - startTokens}
	}

	for {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			reason := fmt.Sprintf("stopped before attempt %d: %v", p.RetryAttempt+1, cause)
			return result(plan.PhaseFailed, reason), e.fail(ctx, p, reason, cause)
		}
		if pr.budget != nil {
			if exhausted, why := pr.budget.Exhausted(); exhausted {
				return result(plan.PhaseFailed, why), e.fail(ctx, p, why, domain.ErrBudgetExhausted)
			}
		}

		// An attempt in flight runs to completion; stops take effect at the next boundary.
		counters := retry.CountersOf(p)
		at, err := e.attempt(context.WithoutCancel(ctx), pr, counters)
		if err != nil {
			reason := fmt.Sprintf("attempt %d aborted: %v", counters.RetryAttempt+1, err)
			return result(plan.PhaseFailed, reason), e.fail(ctx, p, reason, err)
		}
		attempts++
		p.TokensUsed += at.tokens
		if pr.budget != nil {
			pr.budget.AddTokens(at.tokens)
		}

		next := retry.NextAttemptState(counters, at.outcome)
		ev := event.Attempt{
			RunID:        pr.run.ID,
			PhaseID:      p.ID,
			AttemptIndex: counters.RetryAttempt,
			TokensUsed:   at.tokens,
			Model:        at.model,
		}

		if at.failure == retry.FailureNone {
			next.Store(p)
			if err := p.Complete(at.approval); err != nil {
				return nil, err
			}
			if err := e.persist(ctx, p); err != nil {
				return nil, err
			}
			ev.ActionTaken = ActionComplete
			ev.Success = true
			e.sink.RecordAttempt(ctx, ev)
			e.phaseStatus(ctx, p, "")
			return result(plan.PhaseComplete, ""), nil
		}

		pr.consecutive++
		actx := retry.AttemptContext{
			Counters:            next,
			MaxAttempts:         p.MaxAttempts,
			ConsecutiveFailures: pr.consecutive,
			Failure:             at.failure,
			FailureDetail:       at.detail,
			TokensUsed:          p.TokensUsed,
			Complexity:          p.Complexity,
		}
		dec := retry.Decide(actx, e.cfg.Retry)
		if dec.Action == retry.ActionInvokeDoctor {
			dec = e.consultDoctor(ctx, pr, actx)
		}
		dec.Counters.Store(p)
		p.Scope.LastFailureReason = at.detail

		ev.ActionTaken = string(dec.Action)
		ev.FailureReason = firstNonEmptyString(at.detail, string(at.failure))
		e.sink.RecordAttempt(ctx, ev)

		slog.InfoContext(ctx, "attempt decided",
			"phase_id", p.ID,
			"attempt", counters.RetryAttempt,
			"failure", at.failure,
			"action", dec.Action,
			"next_model", dec.Model,
		)

		switch dec.Action {
		case retry.ActionFailPhase:
			if err := p.Fail(dec.Reason); err != nil {
				return nil, err
			}
			if err := e.persist(ctx, p); err != nil {
				return nil, err
			}
			e.phaseStatus(ctx, p, dec.Reason)
			return result(plan.PhaseFailed, dec.Reason), nil

		case retry.ActionBlockForGovernance:
			res, err := e.block(ctx, pr, at)
			if err != nil || res != nil {
				if res != nil {
					res.Attempts = attempts
					res.TokensUsed = p.TokensUsed - startTokens
				}
				return res, err
			}

		default:
			if err := e.persist(ctx, p); err != nil {
				return nil, err
			}
		}
	}
}

// attempt performs one Builder/apply/Auditor pass. Expected failures are
// reported in the attempt; the error is reserved for run-stopping conditions.
func (e *PhaseExecutor) attempt(ctx context.Context, pr *phaseRun, counters retry.Counters) (*attempt, error) {
	p := pr.phase
	at := &attempt{model: retry.ChooseModelForAttempt(retry.AttemptContext{Counters: counters}, e.cfg.Retry)}

	ctx, span := cfotel.StartAttemptSpan(ctx, p.ID, counters.RetryAttempt, at.model)
	defer span.End()

	if pp := pr.pending; pp != nil {
		pr.pending = nil
		at.raw, at.fullFile, at.model = pp.raw, pp.fullFile, pp.model
		slog.InfoContext(ctx, "re-applying approved patch", "phase_id", p.ID)
	} else {
		fc, err := e.loader.Load(ctx, pr.run.Workspace, &pr.scoped, pr.protected)
		if err != nil {
			return nil, fmt.Errorf("load context: %w", err)
		}
		req := llmrole.BuildRequest{
			RunID:        pr.run.ID,
			PhaseID:      p.ID,
			AttemptIndex: counters.RetryAttempt,
			Model:        at.model,
			GoalAnchor:   pr.run.GoalAnchor,
			Name:         p.Name,
			Description:  p.Description,
			Deliverables: p.Scope.Deliverables,
			ScopePaths:   pr.scoped.Scope.Paths,
			LastFailure:  p.Scope.LastFailureReason,
			Files:        fc.Files,
		}
		pr.handler.Prepare(p, &req)

		at.outcome.BuilderCalled = true
		built, err := e.roles.Builder.ExecutePhase(ctx, req)
		if err != nil {
			at.failure = classifyRoleError(err, retry.FailureBuilderFailed)
			at.detail = fmt.Sprintf("builder: %v", err)
			return at, nil
		}
		at.tokens += built.TokensUsed
		if built.Model != "" {
			at.model = built.Model
		}
		at.raw = built.Patch
		at.fullFile = req.Mode == plan.BuilderModeFullFile
	}

	_, applySpan := cfotel.StartApplySpan(ctx, p.ID, at.fullFile)
	out, err := pr.applier.Apply(ctx, at.raw, at.fullFile)
	applySpan.End()
	if err != nil {
		var ae *ApplyError
		if !errors.As(err, &ae) {
			return nil, err
		}
		at.failure, at.detail = e.classifyApply(pr, ae)
		at.denied = ae.Denied
		return at, nil
	}

	if !pr.handler.NeedsAudit(p) {
		at.approval = plan.ApprovalAuto
		return at, nil
	}

	at.outcome.AuditorCalled = true
	review, err := e.roles.Auditor.ReviewPatch(ctx, llmrole.ReviewRequest{
		RunID:        pr.run.ID,
		PhaseID:      p.ID,
		Model:        at.model,
		Description:  p.Description,
		Deliverables: p.Scope.Deliverables,
		Patch:        at.raw,
		Applied:      appliedPaths(out),
	})
	if err != nil {
		at.failure = classifyRoleError(err, retry.FailureUnknown)
		at.detail = fmt.Sprintf("auditor: %v", err)
		e.revert(ctx, pr, out)
		return at, nil
	}
	at.tokens += review.TokensUsed
	if !review.Approved {
		at.failure = retry.FailureAuditorRejected
		at.detail = "auditor rejected: " + firstNonEmptyString(strings.Join(review.Issues, "; "), review.Summary, "no reason given")
		e.revert(ctx, pr, out)
		return at, nil
	}
	at.approval = plan.ApprovalAuditor
	return at, nil
}

// classifyApply maps an apply rejection to a failure. Governable scope
// denials become governance_required when approvals are enabled.
func (e *PhaseExecutor) classifyApply(pr *phaseRun, ae *ApplyError) (retry.FailureReason, string) {
	switch ae.Kind {
	case ApplyErrPatchMalformed:
		return retry.FailurePatchMalformed, ae.Error()
	case ApplyErrScopeViolation:
		if e.governance.Enabled() {
			if _, ok := governance.RequestFromDenials(ae.Denied); ok {
				return retry.FailureGovernanceRequired, ae.Error()
			}
		}
		return retry.FailureScopeViolation, ae.Error()
	default:
		return retry.FailureApplyFailed, ae.Error()
	}
}

// block raises a governance request and waits for it. A nil result with a
// nil error means the phase was approved and the loop continues.
func (e *PhaseExecutor) block(ctx context.Context, pr *phaseRun, at *attempt) (*PhaseResult, error) {
	p := pr.phase
	req, err := e.governance.Request(ctx, pr.run.ID, p.ID, at.denied)
	if err != nil {
		reason := fmt.Sprintf("governance request failed: %v", err)
		if ferr := p.Fail(reason); ferr != nil {
			return nil, ferr
		}
		if perr := e.persist(ctx, p); perr != nil {
			return nil, perr
		}
		e.phaseStatus(ctx, p, reason)
		return &PhaseResult{Status: plan.PhaseFailed, Reason: reason}, nil
	}

	if req.Status == governance.StatusPending {
		reason := fmt.Sprintf("awaiting governance request %s: %s", req.ID, at.detail)
		if err := p.Block(reason); err != nil {
			return nil, err
		}
		if err := e.persist(ctx, p); err != nil {
			return nil, err
		}
		e.phaseStatus(ctx, p, reason)

		resolved, err := e.governance.Await(ctx, req)
		if errors.Is(err, ErrApprovalTimeout) {
			resolved, err = e.governance.Expire(context.WithoutCancel(ctx), req)
		}
		if err != nil {
			return &PhaseResult{Status: plan.PhaseBlocked, Reason: reason, Request: req}, err
		}
		req = resolved
	}

	if req.Status == governance.StatusDenied {
		reason := fmt.Sprintf("governance denied %s by %s", strings.Join(req.Paths, ", "), req.Resolver)
		if req.Resolver == ResolverTimeout {
			reason = fmt.Sprintf("governance request %s for %s not resolved within %s",
				req.ID, strings.Join(req.Paths, ", "), e.governance.cfg.ApprovalTimeout)
		} else if req.Note != "" {
			reason += ": " + req.Note
		}
		if err := p.Fail(reason); err != nil {
			return nil, err
		}
		if err := e.persist(ctx, p); err != nil {
			return nil, err
		}
		e.phaseStatus(ctx, p, reason)
		return &PhaseResult{Status: plan.PhaseFailed, Reason: reason}, nil
	}

	grantExemptions(pr.applier, req)
	if p.Status == plan.PhaseBlocked {
		if err := p.Start(); err != nil {
			return nil, err
		}
		e.phaseStatus(ctx, p, "governance approved")
	}
	if err := e.persist(ctx, p); err != nil {
		return nil, err
	}
	pr.pending = &pendingPatch{raw: at.raw, fullFile: at.fullFile, model: at.model}
	slog.InfoContext(ctx, "governance approved",
		"phase_id", p.ID,
		"request_id", req.ID,
		"paths", req.Paths,
		"auto", req.AutoApproved,
	)
	return nil, nil
}

// consultDoctor asks the Doctor for advice. Without a Doctor, or when it
// fails, the policy decides as if the doctor budget were spent.
func (e *PhaseExecutor) consultDoctor(ctx context.Context, pr *phaseRun, actx retry.AttemptContext) retry.Decision {
	p := pr.phase
	fallback := func() retry.Decision {
		spent := actx
		spent.DoctorCalls = e.cfg.Retry.MaxDoctorCalls
		d := retry.Decide(spent, e.cfg.Retry)
		d.Counters.DoctorCalls = actx.DoctorCalls
		return d
	}
	if e.roles.Doctor == nil {
		return fallback()
	}

	var history []event.Attempt
	if e.events != nil {
		h, err := e.events.LoadAttempts(ctx, pr.run.ID, p.ID)
		if err != nil {
			slog.WarnContext(ctx, "load attempt history failed", "phase_id", p.ID, "error", err)
		}
		history = h
	}

	diag, err := e.roles.Doctor.Diagnose(ctx, llmrole.DiagnoseRequest{
		RunID:          pr.run.ID,
		PhaseID:        p.ID,
		Model:          e.cfg.Retry.DoctorModel,
		ContextSummary: fmt.Sprintf("%s: %s (last failure: %s)", p.Name, p.Description, firstNonEmptyString(actx.FailureDetail, string(actx.Failure))),
		FailureHistory: history,
	})
	actx.DoctorCalls++
	if err != nil {
		slog.WarnContext(ctx, "doctor call failed", "phase_id", p.ID, "error", err)
		d := fallback()
		d.Counters.DoctorCalls = actx.DoctorCalls
		return d
	}
	p.TokensUsed += diag.TokensUsed
	if pr.budget != nil {
		pr.budget.AddTokens(diag.TokensUsed)
	}
	slog.InfoContext(ctx, "doctor advice",
		"phase_id", p.ID,
		"action", diag.Action,
		"fix_type", diag.RecommendedFixType,
		"rationale", diag.Rationale,
	)
	return retry.ApplyDoctorAdvice(actx, e.cfg.Retry, diag.Action, diag.Rationale)
}

func (e *PhaseExecutor) revert(ctx context.Context, pr *phaseRun, out *ApplyOutcome) {
	if !e.cfg.RevertOnReject {
		return
	}
	if err := pr.applier.Revert(out); err != nil {
		slog.ErrorContext(ctx, "revert after rejection failed", "phase_id", pr.phase.ID, "error", err)
		return
	}
	slog.InfoContext(ctx, "rejected patch reverted", "phase_id", pr.phase.ID)
}

// fail records a run-stopping error on the phase and returns cause.
func (e *PhaseExecutor) fail(ctx context.Context, p *plan.Phase, reason string, cause error) error {
	if err := p.Fail(reason); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.persist(ctx, p); err != nil {
		return errors.Join(cause, err)
	}
	e.phaseStatus(context.WithoutCancel(ctx), p, reason)
	return cause
}

func (e *PhaseExecutor) persist(ctx context.Context, p *plan.Phase) error {
	p.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdatePhase(context.WithoutCancel(ctx), p); err != nil {
		return fmt.Errorf("update phase %s: %w", p.ID, err)
	}
	return nil
}

func (e *PhaseExecutor) phaseStatus(ctx context.Context, p *plan.Phase, reason string) {
	e.sink.RecordPhaseStatus(ctx, event.PhaseStatus{
		RunID:   p.RunID,
		TierID:  p.TierID,
		PhaseID: p.ID,
		Status:  string(p.Status),
		Reason:  reason,
	})
}

// grantExemptions lets the approved paths through the phase's policy. Each
// path is exempted for the reason it was denied. Paths present on disk join
// the baseline so approved deletes are allowed.
func grantExemptions(g *GovernedApplier, req *governance.Request) {
	pol := g.Policy()
	if pol.Exemptions == nil {
		pol.Exemptions = make(map[string]bool)
	}
	if pol.ProtectedExemptions == nil {
		pol.ProtectedExemptions = make(map[string]bool)
	}
	if pol.Baseline == nil {
		pol.Baseline = make(map[string]bool)
	}
	for _, path := range req.Paths {
		if req.IsProtected(path) {
			pol.ProtectedExemptions[path] = true
		} else {
			pol.Exemptions[path] = true
		}
		if g.engine.Exists(path) {
			pol.Baseline[path] = true
		}
	}
}

func classifyRoleError(err error, fallback retry.FailureReason) retry.FailureReason {
	switch {
	case errors.Is(err, llmrole.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return retry.FailureTimeout
	case errors.Is(err, llmrole.ErrRateLimited):
		return retry.FailureRateLimit
	case errors.Is(err, llmrole.ErrTransport):
		return retry.FailureTransport
	default:
		return fallback
	}
}

func appliedPaths(out *ApplyOutcome) []string {
	if out == nil || out.Result == nil {
		return nil
	}
	return out.Result.Applied
}

func firstNonEmptyString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
