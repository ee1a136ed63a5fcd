package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/patch"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/workspace"
)

// ApplyErrorKind classifies a rejected patch.
type ApplyErrorKind string

const (
	ApplyErrPatchMalformed ApplyErrorKind = "patch_malformed"
	ApplyErrScopeViolation ApplyErrorKind = "scope_violation"
	ApplyErrApplyFailed    ApplyErrorKind = "apply_failed"
	ApplyErrPartialApply   ApplyErrorKind = "partial_apply"
)

// ApplyError is returned for every expected patch rejection. The tree is
// unchanged whenever it is returned, except for a partial apply whose
// rollback itself failed (see Result.RollbackFailures).
type ApplyError struct {
	Kind   ApplyErrorKind
	Denied []scope.Decision
	Err    error
}

func (e *ApplyError) Error() string {
	if len(e.Denied) > 0 {
		parts := make([]string, 0, len(e.Denied))
		for _, d := range e.Denied {
			parts = append(parts, fmt.Sprintf("%s (%s)", d.Path, d.Reason))
		}
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// ApplyOutcome is the full result of a governed apply.
type ApplyOutcome struct {
	Operations []patch.Operation
	Decisions  []scope.Decision
	Denied     []scope.Decision
	Result     *workspace.Result
	// AlreadyApplied is set for header-only patches that carry no changes.
	AlreadyApplied bool
}

// GovernedApplier is the single path through which patches reach the
// workspace: sanitize, parse, scope-check every operation, then apply.
type GovernedApplier struct {
	engine *workspace.Engine
	policy *scope.Policy
}

// NewGovernedApplier creates an applier for one phase's scope.
func NewGovernedApplier(engine *workspace.Engine, policy *scope.Policy) *GovernedApplier {
	if policy.Baseline == nil {
		policy.Baseline = make(map[string]bool)
	}
	return &GovernedApplier{engine: engine, policy: policy}
}

// Policy returns the scope the applier enforces.
func (g *GovernedApplier) Policy() *scope.Policy { return g.policy }

// ApplyPatch applies raw Builder output. fullFileMode treats the input as
// NDJSON operations. ok is false whenever err is non-nil.
func (g *GovernedApplier) ApplyPatch(ctx context.Context, raw string, fullFileMode bool) (bool, error) {
	_, err := g.Apply(ctx, raw, fullFileMode)
	return err == nil, err
}

// Apply is ApplyPatch returning the full outcome.
func (g *GovernedApplier) Apply(ctx context.Context, raw string, fullFileMode bool) (*ApplyOutcome, error) {
	out := &ApplyOutcome{}
	if strings.TrimSpace(raw) == "" {
		return out, &ApplyError{Kind: ApplyErrPatchMalformed, Err: fmt.Errorf("empty patch: %w", domain.ErrPatchMalformed)}
	}
	if patch.IsSyntheticHeaderOnly(raw) {
		out.AlreadyApplied = true
		slog.Info("header-only patch treated as already applied")
		return out, nil
	}

	ops, err := g.parse(raw, fullFileMode)
	if err != nil {
		return out, &ApplyError{Kind: ApplyErrPatchMalformed, Err: err}
	}
	out.Operations = ops

	out.Decisions, out.Denied = g.policy.DecideAll(ops, g.engine.Exists)
	if len(out.Denied) > 0 {
		for _, d := range out.Denied {
			slog.Warn("patch operation denied", "path", d.Path, "op", d.Op, "reason", d.Reason, "rule", d.MatchedRule)
		}
		return out, &ApplyError{Kind: ApplyErrScopeViolation, Denied: out.Denied, Err: domain.ErrScopeViolation}
	}

	res, err := g.engine.Apply(ctx, ops, g.policy)
	out.Result = res
	if err != nil {
		return out, classifyApplyError(res, err)
	}

	for i := range ops {
		if ops[i].Type == patch.OpCreate || ops[i].Type == patch.OpRename {
			if p, ok := scope.Normalize(ops[i].Path); ok {
				g.policy.Baseline[p] = true
			}
		}
	}
	slog.Info("patch applied", "applied", len(res.Applied), "skipped", len(res.Skipped))
	return out, nil
}

// Revert undoes a successful Apply.
func (g *GovernedApplier) Revert(out *ApplyOutcome) error {
	if out == nil || out.Result == nil {
		return nil
	}
	return g.engine.Revert(out.Result)
}

func (g *GovernedApplier) parse(raw string, fullFileMode bool) ([]patch.Operation, error) {
	if patch.LooksLikeNDJSON(raw) || (fullFileMode && !looksLikeDiff(raw)) {
		return patch.ParseNDJSON(raw)
	}
	return patch.Parse(patch.Sanitize(raw))
}

func looksLikeDiff(raw string) bool {
	return strings.Contains(raw, "diff --git ") || strings.Contains(raw, "\n+++ ") || strings.HasPrefix(raw, "--- ")
}

func classifyApplyError(res *workspace.Result, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, workspace.ErrWorkspaceMissing):
		return err
	case errors.Is(err, domain.ErrScopeViolation):
		var denied []scope.Decision
		if res != nil {
			denied = res.Denied
		}
		return &ApplyError{Kind: ApplyErrScopeViolation, Denied: denied, Err: err}
	case errors.Is(err, domain.ErrPartialApply):
		return &ApplyError{Kind: ApplyErrPartialApply, Err: err}
	default:
		return &ApplyError{Kind: ApplyErrApplyFailed, Err: err}
	}
}
