package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/port/eventstore"
)

var _ eventstore.Store = (*EventStore)(nil)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// AppendAttempt inserts one attempt row.
func (s *EventStore) AppendAttempt(ctx context.Context, a *event.Attempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO attempts (run_id, phase_id, attempt_index, action_taken, tokens_used, success, failure_reason, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::timestamptz, now()))`,
		a.RunID, a.PhaseID, a.AttemptIndex, a.ActionTaken, a.TokensUsed, a.Success, a.FailureReason, a.Model, nullTime(&a.CreatedAt))
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// LoadAttempts returns a phase's attempts ordered by attempt index.
func (s *EventStore) LoadAttempts(ctx context.Context, runID, phaseID string) ([]event.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, phase_id, attempt_index, action_taken, tokens_used, success, failure_reason, model, created_at
		 FROM attempts WHERE run_id = $1 AND phase_id = $2 ORDER BY attempt_index ASC, id ASC`, runID, phaseID)
	if err != nil {
		return nil, fmt.Errorf("load attempts %s/%s: %w", runID, phaseID, err)
	}
	defer rows.Close()

	var out []event.Attempt
	for rows.Next() {
		var a event.Attempt
		if err := rows.Scan(&a.RunID, &a.PhaseID, &a.AttemptIndex, &a.ActionTaken, &a.TokensUsed,
			&a.Success, &a.FailureReason, &a.Model, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
