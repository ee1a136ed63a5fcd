package plan

import (
	"time"

	"github.com/Strob0t/autopack/internal/domain/resource"
)

// Spec is the declarative plan a run is created from, usually loaded from YAML.
type Spec struct {
	GoalAnchor string          `yaml:"goal_anchor" json:"goal_anchor"`
	Budget     resource.Budget `yaml:"budget" json:"budget"`
	// ProtectedPaths are added to the configured protected patterns for this run.
	ProtectedPaths []string   `yaml:"protected_paths" json:"protected_paths,omitempty"`
	Tiers          []TierSpec `yaml:"tiers" json:"tiers"`
}

// TierSpec declares one tier of a plan.
type TierSpec struct {
	Name   string      `yaml:"name" json:"name"`
	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// PhaseSpec declares one phase of a tier.
type PhaseSpec struct {
	ID           string      `yaml:"id" json:"id"`
	Name         string      `yaml:"name" json:"name"`
	Description  string      `yaml:"description" json:"description"`
	TaskCategory string      `yaml:"task_category" json:"task_category"`
	Complexity   Complexity  `yaml:"complexity" json:"complexity"`
	BuilderMode  BuilderMode `yaml:"builder_mode" json:"builder_mode"`
	Scope        Scope       `yaml:"scope" json:"scope"`
	DependsOn    []string    `yaml:"depends_on" json:"depends_on"`
	MaxAttempts  int         `yaml:"max_attempts" json:"max_attempts"`
	AutoApprove  bool        `yaml:"auto_approve" json:"auto_approve"`
}

// Materialize turns a validated spec into tiers with QUEUED phases and PENDING tiers.
// newID supplies tier IDs; defaultMaxAttempts fills phases that leave max_attempts unset.
func (s *Spec) Materialize(runID string, newID func() string, defaultMaxAttempts int, now time.Time) []Tier {
	tiers := make([]Tier, 0, len(s.Tiers))
	for ti, ts := range s.Tiers {
		tier := Tier{
			ID:        newID(),
			RunID:     runID,
			TierIndex: ti,
			Name:      ts.Name,
			Status:    TierPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for pi := range ts.Phases {
			ps := &ts.Phases[pi]
			maxAttempts := ps.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = defaultMaxAttempts
			}
			complexity := ps.Complexity
			if complexity == "" {
				complexity = ComplexityMedium
			}
			mode := ps.BuilderMode
			if mode == "" {
				mode = BuilderModeDiff
			}
			category := ps.TaskCategory
			if category == "" {
				category = "default"
			}
			tier.Phases = append(tier.Phases, Phase{
				ID:           ps.ID,
				RunID:        runID,
				TierID:       tier.ID,
				PhaseIndex:   pi,
				Name:         ps.Name,
				Description:  ps.Description,
				TaskCategory: category,
				Complexity:   complexity,
				BuilderMode:  mode,
				Scope: Scope{
					Paths:        append([]string(nil), ps.Scope.Paths...),
					Deliverables: append([]string(nil), ps.Scope.Deliverables...),
				},
				DependsOn:   append([]string(nil), ps.DependsOn...),
				Status:      PhaseQueued,
				MaxAttempts: maxAttempts,
				AutoApprove: ps.AutoApprove,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		tiers = append(tiers, tier)
	}
	return tiers
}
