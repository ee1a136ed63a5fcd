package plan

import (
	"errors"
	"fmt"
)

var (
	ErrNoTiers           = errors.New("at least one tier is required")
	ErrNoPhases          = errors.New("tier requires at least one phase")
	ErrPhaseIDRequired   = errors.New("phase id is required")
	ErrDuplicatePhaseID  = errors.New("duplicate phase id")
	ErrScopeRequired     = errors.New("phase scope requires at least one path")
	ErrInvalidComplexity = errors.New("invalid complexity: must be low, medium, or high")
	ErrInvalidMode       = errors.New("invalid builder_mode: must be diff or full_file")
	ErrDAGCycle          = errors.New("phase dependencies contain a cycle")
	ErrDAGInvalidRef     = errors.New("phase dependency references unknown phase")
	ErrDAGForwardRef     = errors.New("phase depends on a phase in a later tier")
	ErrNegativeBudget    = errors.New("budget fields must be >= 0")
)

// Validate checks the plan for structural correctness.
func (s *Spec) Validate() error {
	if s.Budget.TokenCap < 0 || s.Budget.MaxPhases < 0 || s.Budget.MaxDuration < 0 {
		return ErrNegativeBudget
	}
	if len(s.Tiers) == 0 {
		return ErrNoTiers
	}

	tierOf := make(map[string]int)
	for ti, t := range s.Tiers {
		if len(t.Phases) == 0 {
			return fmt.Errorf("tier %d (%s): %w", ti, t.Name, ErrNoPhases)
		}
		for _, p := range t.Phases {
			if p.ID == "" {
				return fmt.Errorf("tier %d: %w", ti, ErrPhaseIDRequired)
			}
			if _, dup := tierOf[p.ID]; dup {
				return fmt.Errorf("phase %q: %w", p.ID, ErrDuplicatePhaseID)
			}
			tierOf[p.ID] = ti
			if len(p.Scope.Paths) == 0 {
				return fmt.Errorf("phase %q: %w", p.ID, ErrScopeRequired)
			}
			switch p.Complexity {
			case "", ComplexityLow, ComplexityMedium, ComplexityHigh:
			default:
				return fmt.Errorf("phase %q: %w", p.ID, ErrInvalidComplexity)
			}
			switch p.BuilderMode {
			case "", BuilderModeDiff, BuilderModeFullFile:
			default:
				return fmt.Errorf("phase %q: %w", p.ID, ErrInvalidMode)
			}
		}
	}

	for ti, t := range s.Tiers {
		for _, p := range t.Phases {
			for _, dep := range p.DependsOn {
				depTier, ok := tierOf[dep]
				if !ok {
					return fmt.Errorf("phase %q depends on %q: %w", p.ID, dep, ErrDAGInvalidRef)
				}
				if depTier > ti {
					return fmt.Errorf("phase %q depends on %q: %w", p.ID, dep, ErrDAGForwardRef)
				}
			}
		}
	}

	return validateDAG(s.Tiers)
}

// validateDAG checks that phase dependencies form a valid DAG using Kahn's algorithm.
func validateDAG(tiers []TierSpec) error {
	index := make(map[string]int)
	var phases []PhaseSpec
	for _, t := range tiers {
		for _, p := range t.Phases {
			index[p.ID] = len(phases)
			phases = append(phases, p)
		}
	}

	n := len(phases)
	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i, p := range phases {
		for _, dep := range p.DependsOn {
			idx := index[dep]
			if idx == i {
				return fmt.Errorf("phase %q depends on itself: %w", p.ID, ErrDAGCycle)
			}
			adj[idx] = append(adj[idx], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, neighbor := range adj[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if visited != n {
		return ErrDAGCycle
	}
	return nil
}
