package run

import (
	"fmt"

	"github.com/Strob0t/autopack/internal/domain"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusQueued:        true,
	StatusPhaseQueueing: true,
	StatusExecuting:     true,
	StatusComplete:      true,
	StatusFailed:        true,
	StatusCancelled:     true,
}

// runTransitions lists the allowed forward moves of a run.
var runTransitions = map[Status][]Status{
	StatusQueued:        {StatusPhaseQueueing, StatusCancelled, StatusFailed},
	StatusPhaseQueueing: {StatusExecuting, StatusCancelled, StatusFailed},
	StatusExecuting:     {StatusComplete, StatusFailed, StatusCancelled},
}

// Validate checks that a Run has all required fields and valid values.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required: %w", domain.ErrValidation)
	}
	if r.Workspace == "" {
		return fmt.Errorf("workspace is required: %w", domain.ErrValidation)
	}
	if r.Status != "" && !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q: %w", r.Status, domain.ErrValidation)
	}
	if r.Budget.TokenCap < 0 || r.Budget.MaxPhases < 0 || r.Budget.MaxDuration < 0 {
		return fmt.Errorf("budget fields must be >= 0: %w", domain.ErrValidation)
	}
	return nil
}

// TransitionTo moves the run to a new status if the move is allowed.
func (r *Run) TransitionTo(next Status) error {
	for _, s := range runTransitions[r.Status] {
		if s == next {
			r.Status = next
			return nil
		}
	}
	return fmt.Errorf("run %s: %s -> %s: %w", r.ID, r.Status, next, domain.ErrConflict)
}
