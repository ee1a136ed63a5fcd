package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/workspace"
)

// TierOrchestrator runs the tiers of a run in index order and the phases of
// each tier sequentially as their dependencies complete.
type TierOrchestrator struct {
	store    database.Store
	executor *PhaseExecutor
}

// NewTierOrchestrator creates a TierOrchestrator.
func NewTierOrchestrator(store database.Store, executor *PhaseExecutor) *TierOrchestrator {
	return &TierOrchestrator{store: store, executor: executor}
}

// RunTiers executes every tier. A failed tier does not stop later tiers; only
// run-stopping errors from the executor (cancellation, budget, workspace or
// persistence failures) end the loop early.
func (o *TierOrchestrator) RunTiers(ctx context.Context, r *run.Run, eng *workspace.Engine, budget *run.BudgetTracker) error {
	sort.SliceStable(r.Tiers, func(i, j int) bool { return r.Tiers[i].TierIndex < r.Tiers[j].TierIndex })

	for i := range r.Tiers {
		tier := &r.Tiers[i]
		if tier.Status == plan.TierComplete {
			continue
		}
		if err := o.runTier(ctx, r, tier, eng, budget); err != nil {
			return err
		}
	}
	return nil
}

func (o *TierOrchestrator) runTier(ctx context.Context, r *run.Run, tier *plan.Tier, eng *workspace.Engine, budget *run.BudgetTracker) error {
	if err := o.setTierStatus(context.WithoutCancel(ctx), tier, plan.TierActive); err != nil {
		return err
	}
	slog.InfoContext(ctx, "tier started", "run_id", r.ID, "tier_id", tier.ID, "tier_index", tier.TierIndex, "phases", len(tier.Phases))

	for {
		earlier := plan.StatusIndex(r.Tiers)
		ready := plan.ReadyPhases(tier.Phases, earlier)
		if len(ready) == 0 {
			break
		}
		p := phaseByID(tier, ready[0])

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if budget != nil {
			if exhausted, why := budget.Exhausted(); exhausted {
				return fmt.Errorf("%s: %w", why, domain.ErrBudgetExhausted)
			}
			if ok, why := budget.CanStartPhase(); !ok {
				return fmt.Errorf("%s: %w", why, domain.ErrBudgetExhausted)
			}
			budget.RecordPhaseStart()
		}
		r.PhasesStarted++

		res, err := o.executor.Execute(ctx, r, p, eng, budget)
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "phase finished",
			"run_id", r.ID,
			"phase_id", p.ID,
			"status", res.Status,
			"attempts", res.Attempts,
			"tokens", res.TokensUsed,
			"reason", res.Reason,
		)
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := o.markNotRun(persistCtx, r, tier); err != nil {
		return err
	}

	status := tierOutcome(tier)
	slog.InfoContext(ctx, "tier finished", "run_id", r.ID, "tier_id", tier.ID, "status", status)
	return o.setTierStatus(persistCtx, tier, status)
}

// markNotRun records why each still-QUEUED phase never started.
func (o *TierOrchestrator) markNotRun(ctx context.Context, r *run.Run, tier *plan.Tier) error {
	status := plan.StatusIndex(r.Tiers)
	for i := range tier.Phases {
		p := &tier.Phases[i]
		if p.Status != plan.PhaseQueued {
			continue
		}
		dep, st, ok := plan.BlockingDependency(p, status)
		if !ok {
			continue
		}
		if st == "" {
			st = "unknown"
		}
		p.NotRunReason = fmt.Sprintf("dependency %s is %s", dep, st)
		if err := o.store.UpdatePhase(ctx, p); err != nil {
			return fmt.Errorf("update phase %s: %w", p.ID, err)
		}
	}
	return nil
}

// Stop settles a run that ended early: every QUEUED phase is flagged not-run
// with reason and tiers left ACTIVE get their final status.
func (o *TierOrchestrator) Stop(ctx context.Context, r *run.Run, reason string) error {
	for i := range r.Tiers {
		tier := &r.Tiers[i]
		for j := range tier.Phases {
			p := &tier.Phases[j]
			if p.Status != plan.PhaseQueued || p.NotRunReason != "" {
				continue
			}
			p.NotRunReason = reason
			if err := o.store.UpdatePhase(ctx, p); err != nil {
				return fmt.Errorf("update phase %s: %w", p.ID, err)
			}
		}
		if tier.Status == plan.TierActive {
			if err := o.setTierStatus(ctx, tier, tierOutcome(tier)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *TierOrchestrator) setTierStatus(ctx context.Context, tier *plan.Tier, status plan.TierStatus) error {
	if tier.Status == status {
		return nil
	}
	if err := o.store.UpdateTierStatus(ctx, tier.ID, status); err != nil {
		return fmt.Errorf("update tier %s: %w", tier.ID, err)
	}
	tier.Status = status
	return nil
}

// tierOutcome is COMPLETE only when every phase completed. A tier holding a
// BLOCKED phase stays ACTIVE until the approval is resolved.
func tierOutcome(tier *plan.Tier) plan.TierStatus {
	if plan.AllComplete(tier.Phases) {
		return plan.TierComplete
	}
	if plan.AnyFailed(tier.Phases) {
		return plan.TierFailed
	}
	for i := range tier.Phases {
		if tier.Phases[i].Status == plan.PhaseBlocked {
			return plan.TierActive
		}
	}
	return plan.TierFailed
}

func phaseByID(tier *plan.Tier, id string) *plan.Phase {
	for i := range tier.Phases {
		if tier.Phases[i].ID == id {
			return &tier.Phases[i]
		}
	}
	return nil
}
