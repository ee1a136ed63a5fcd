// Package eventstore defines the port for the append-only attempt log.
package eventstore

import (
	"context"

	"github.com/Strob0t/autopack/internal/domain/event"
)

// Store appends and loads attempt events.
type Store interface {
	// AppendAttempt persists one attempt outcome.
	AppendAttempt(ctx context.Context, a *event.Attempt) error

	// LoadAttempts returns a phase's attempts ordered by attempt index.
	LoadAttempts(ctx context.Context, runID, phaseID string) ([]event.Attempt, error)
}
