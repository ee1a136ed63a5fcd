package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	cfotel "github.com/Strob0t/autopack/internal/adapter/otel"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/resource"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/logger"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
	"github.com/Strob0t/autopack/internal/port/telemetry"
	"github.com/Strob0t/autopack/internal/workspace"
)

// ErrRunCancelled is the cancellation cause for operator-requested stops.
var ErrRunCancelled = errors.New("run cancelled")

// RunService owns run lifecycle and budgets: it creates runs from plans,
// drives them through the tier orchestrator, and stops them on cancellation
// or budget exhaustion.
type RunService struct {
	store        database.Store
	orchestrator *TierOrchestrator
	sink         telemetry.Sink
	queue        messagequeue.Queue
	cfg          *config.Config
	now          func() time.Time
	newID        func() string

	active sync.Map // map[runID]context.CancelCauseFunc
}

// NewRunService creates a RunService. queue may be nil.
func NewRunService(store database.Store, orchestrator *TierOrchestrator, sink telemetry.Sink, queue messagequeue.Queue, cfg *config.Config) *RunService {
	return &RunService{
		store:        store,
		orchestrator: orchestrator,
		sink:         sink,
		queue:        queue,
		cfg:          cfg,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Create materializes a plan into a QUEUED run. The plan budget overrides the
// configured default and is clamped by the configured ceiling.
func (s *RunService) Create(ctx context.Context, spec *plan.Spec, workspaceDir string) (*run.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	now := s.now().UTC()
	r := &run.Run{
		ID:         s.newID(),
		Status:     run.StatusQueued,
		GoalAnchor: spec.GoalAnchor,
		Workspace:  workspaceDir,
		Budget:     resource.Cap(resource.Merge(s.cfg.Run.Budget, spec.Budget), s.cfg.Run.Ceiling),
		Protected:  append([]string(nil), spec.ProtectedPaths...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.Tiers = spec.Materialize(r.ID, s.newID, s.cfg.Executor.Retry.MaxAttempts, now)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	slog.Info("run created", "run_id", r.ID, "tiers", len(r.Tiers), "workspace", workspaceDir,
		"token_cap", r.Budget.TokenCap, "max_phases", r.Budget.MaxPhases, "max_duration", r.Budget.MaxDuration)
	return r, nil
}

// Execute drives a QUEUED run to a terminal state. The returned run reflects
// the final state; the error is non-nil only when the run could not be
// driven at all (unknown run, wrong state, missing workspace, store failure).
func (s *RunService) Execute(ctx context.Context, runID string) (*run.Run, error) {
	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if r.Status != run.StatusQueued {
		return r, fmt.Errorf("run %s is %s, want %s: %w", r.ID, r.Status, run.StatusQueued, domain.ErrConflict)
	}

	ctx = logger.WithRun(ctx, r.ID)
	ctx, span := cfotel.StartRunSpan(ctx, r.ID, r.GoalAnchor)
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.active.Store(r.ID, cancel)
	defer s.active.Delete(r.ID)

	if err := s.transition(ctx, r, run.StatusPhaseQueueing, ""); err != nil {
		return r, err
	}

	eng, err := workspace.NewEngine(r.Workspace, workspace.WithFuzz(s.cfg.Executor.FuzzLines))
	if err != nil {
		reason := fmt.Sprintf("workspace unavailable: %v", err)
		_ = s.finish(ctx, r, run.StatusFailed, reason)
		return r, err
	}

	budget := run.NewBudgetTracker(r.Budget, s.now(), s.now)
	budget.Restore(r.TokensUsed, r.PhasesStarted)
	if r.Budget.MaxDuration > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, r.Budget.MaxDuration,
			fmt.Errorf("max duration reached: %s: %w", r.Budget.MaxDuration, domain.ErrBudgetExhausted))
		defer stop()
	}

	if err := s.transition(ctx, r, run.StatusExecuting, ""); err != nil {
		return r, err
	}

	runErr := s.orchestrator.RunTiers(runCtx, r, eng, budget)
	r.TokensUsed = budget.Tokens()
	r.PhasesStarted = budget.Phases()

	if stopped := runCtx.Err(); stopped != nil && (runErr == nil || errors.Is(runErr, stopped)) {
		runErr = context.Cause(runCtx)
	}

	status, reason := s.outcome(r, runErr)
	if status != run.StatusComplete {
		if err := s.orchestrator.Stop(context.WithoutCancel(ctx), r, notRunReason(status, reason)); err != nil {
			slog.Error("mark remaining phases not run", "run_id", r.ID, "error", err)
		}
		span.SetStatus(codes.Error, reason)
	}
	if err := s.finish(ctx, r, status, reason); err != nil {
		return r, err
	}

	if runErr != nil && !isStopCause(runErr) {
		return r, runErr
	}
	return r, nil
}

// outcome derives the terminal status of a run after its tiers have run.
func (s *RunService) outcome(r *run.Run, runErr error) (run.Status, string) {
	switch {
	case runErr == nil:
	case errors.Is(runErr, ErrRunCancelled), errors.Is(runErr, context.Canceled):
		return run.StatusCancelled, runErr.Error()
	default:
		return run.StatusFailed, runErr.Error()
	}

	var failed, blocked, notRun, total int
	for i := range r.Tiers {
		for j := range r.Tiers[i].Phases {
			total++
			switch r.Tiers[i].Phases[j].Status {
			case plan.PhaseFailed:
				failed++
			case plan.PhaseBlocked:
				blocked++
			case plan.PhaseQueued:
				notRun++
			}
		}
	}
	if failed+blocked+notRun == 0 {
		return run.StatusComplete, ""
	}
	return run.StatusFailed, fmt.Sprintf("%d of %d phases incomplete: %d failed, %d blocked, %d not run",
		failed+blocked+notRun, total, failed, blocked, notRun)
}

// Cancel stops a run. An executing run stops at its next attempt boundary;
// a QUEUED run is cancelled immediately.
func (s *RunService) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}
	if val, ok := s.active.Load(runID); ok {
		if cancel, _ := val.(context.CancelCauseFunc); cancel != nil {
			cancel(fmt.Errorf("%w: %s", ErrRunCancelled, reason))
			slog.Info("run cancellation requested", "run_id", runID, "reason", reason)
			return nil
		}
	}

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, r.Status, domain.ErrConflict)
	}
	if r.Status != run.StatusQueued {
		return fmt.Errorf("run %s is executing in another process: %w", runID, domain.ErrConflict)
	}
	if err := s.orchestrator.Stop(ctx, r, "run cancelled: "+reason); err != nil {
		return err
	}
	return s.finish(ctx, r, run.StatusCancelled, reason)
}

// Get returns a run with its tiers and phases.
func (s *RunService) Get(ctx context.Context, runID string) (*run.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// List returns runs, optionally filtered by status.
func (s *RunService) List(ctx context.Context, status run.Status) ([]run.Run, error) {
	return s.store.ListRuns(ctx, status)
}

// StartCancelSubscriber cancels runs from messages on the queue.
func (s *RunService) StartCancelSubscriber(ctx context.Context) (cancel func(), err error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectRunCancel, func(msgCtx context.Context, _ string, data []byte) error {
		var p messagequeue.RunCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal run cancel: %w", err)
		}
		if err := s.Cancel(msgCtx, p.RunID, p.Reason); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		return nil
	})
}

func (s *RunService) transition(ctx context.Context, r *run.Run, next run.Status, reason string) error {
	if err := r.TransitionTo(next); err != nil {
		return err
	}
	r.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRun(context.WithoutCancel(ctx), r); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	s.sink.RecordRunStatus(ctx, event.RunStatus{RunID: r.ID, Status: string(r.Status), Reason: reason})
	return nil
}

func (s *RunService) finish(ctx context.Context, r *run.Run, status run.Status, reason string) error {
	r.FailureReason = reason
	if status == run.StatusComplete {
		r.FailureReason = ""
	}
	now := s.now().UTC()
	r.CompletedAt = &now
	if err := s.transition(ctx, r, status, reason); err != nil {
		return err
	}
	slog.Info("run finished",
		"run_id", r.ID,
		"status", r.Status,
		"reason", reason,
		"tokens", r.TokensUsed,
		"phases_started", r.PhasesStarted,
	)
	return nil
}

func notRunReason(status run.Status, reason string) string {
	if status == run.StatusCancelled {
		if strings.HasPrefix(reason, ErrRunCancelled.Error()) {
			return reason
		}
		return "run cancelled: " + reason
	}
	return "run stopped: " + reason
}

// isStopCause reports whether err is an expected way for a run to stop.
func isStopCause(err error) bool {
	return errors.Is(err, ErrRunCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrBudgetExhausted)
}
