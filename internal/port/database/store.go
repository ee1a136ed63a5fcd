// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
)

// Store is the port interface for database operations.
// Updates use optimistic locking on Version and return domain.ErrConflict
// when the stored version differs; on success the entity's Version is bumped.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, r *run.Run) error
	ListRuns(ctx context.Context, status run.Status) ([]run.Run, error)

	// Tiers
	UpdateTierStatus(ctx context.Context, tierID string, status plan.TierStatus) error

	// Phases
	GetPhase(ctx context.Context, runID, phaseID string) (*plan.Phase, error)
	UpdatePhase(ctx context.Context, p *plan.Phase) error

	// Governance
	CreateGovernanceRequest(ctx context.Context, req *governance.Request) error
	GetGovernanceRequest(ctx context.Context, id string) (*governance.Request, error)
	ResolveGovernanceRequest(ctx context.Context, req *governance.Request) error
	ListPendingGovernanceRequests(ctx context.Context) ([]governance.Request, error)
}
