// Package telemetry defines the port that records per-attempt outcomes.
package telemetry

import (
	"context"

	"github.com/Strob0t/autopack/internal/domain/event"
)

// Sink records attempt outcomes and state changes. Implementations must not
// fail the caller: recording errors are logged, never returned into the
// execution path.
type Sink interface {
	RecordAttempt(ctx context.Context, a event.Attempt)
	RecordPhaseStatus(ctx context.Context, s event.PhaseStatus)
	RecordRunStatus(ctx context.Context, s event.RunStatus)
}
