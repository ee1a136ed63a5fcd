package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Runs ---

const runColumns = `id, status, goal_anchor, workspace, budget, protected_paths, tokens_used,
	phases_started, failure_reason, version, completed_at, created_at, updated_at`

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	var budget []byte
	err := row.Scan(&r.ID, &r.Status, &r.GoalAnchor, &r.Workspace, &budget, &r.Protected, &r.TokensUsed,
		&r.PhasesStarted, &r.FailureReason, &r.Version, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(budget, &r.Budget); err != nil {
		return r, fmt.Errorf("unmarshal budget: %w", err)
	}
	return r, nil
}

// CreateRun inserts a run with all its tiers and phases in one transaction.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	budget, err := json.Marshal(r.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, status, goal_anchor, workspace, budget, protected_paths, tokens_used,
		 phases_started, failure_reason, version, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12)`,
		r.ID, string(r.Status), r.GoalAnchor, r.Workspace, budget, pgTextArray(r.Protected), r.TokensUsed,
		r.PhasesStarted, r.FailureReason, nullTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", r.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range r.Tiers {
		t := &r.Tiers[i]
		batch.Queue(
			`INSERT INTO tiers (id, run_id, tier_index, name, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, r.ID, t.TierIndex, t.Name, string(t.Status), t.CreatedAt, t.UpdatedAt)
		for j := range t.Phases {
			p := &t.Phases[j]
			scope, err := json.Marshal(p.Scope)
			if err != nil {
				return fmt.Errorf("marshal scope %s: %w", p.ID, err)
			}
			batch.Queue(
				`INSERT INTO phases (run_id, id, tier_id, phase_index, name, description, task_category, complexity,
				 builder_mode, scope, depends_on, status, max_attempts, auto_approve, version, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)`,
				r.ID, p.ID, t.ID, p.PhaseIndex, p.Name, p.Description, p.TaskCategory, string(p.Complexity),
				string(p.BuilderMode), scope, pgTextArray(p.DependsOn), string(p.Status), p.MaxAttempts, p.AutoApprove,
				p.CreatedAt, p.UpdatedAt)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert tiers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}

	r.Version = 1
	for i := range r.Tiers {
		for j := range r.Tiers[i].Phases {
			r.Tiers[i].Phases[j].Version = 1
		}
	}
	return nil
}

// GetRun returns a run with its tiers and phases.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}

	tiers, err := s.listTiers(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Tiers = tiers
	return &r, nil
}

// UpdateRun stores the run-level fields after an optimistic version check.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	budget, err := json.Marshal(r.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	var version int
	err = s.pool.QueryRow(ctx,
		`UPDATE runs SET status = $2, goal_anchor = $3, budget = $4, protected_paths = $5, tokens_used = $6,
		 phases_started = $7, failure_reason = $8, completed_at = $9, updated_at = now(), version = version + 1
		 WHERE id = $1 AND version = $10
		 RETURNING version`,
		r.ID, string(r.Status), r.GoalAnchor, budget, pgTextArray(r.Protected), r.TokensUsed,
		r.PhasesStarted, r.FailureReason, nullTime(r.CompletedAt), r.Version,
	).Scan(&version)
	if err != nil {
		if notFound := s.versionConflict(ctx, err, "runs", "id = $1", r.ID); notFound != nil {
			return fmt.Errorf("update run %s: %w", r.ID, notFound)
		}
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	r.Version = version
	return nil
}

// ListRuns returns runs without tiers in creation order. An empty status matches all.
func (s *Store) ListRuns(ctx context.Context, status run.Status) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE $1 = '' OR status = $1 ORDER BY created_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Tiers ---

func (s *Store) listTiers(ctx context.Context, runID string) ([]plan.Tier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, tier_index, name, status, created_at, updated_at
		 FROM tiers WHERE run_id = $1 ORDER BY tier_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tiers %s: %w", runID, err)
	}
	defer rows.Close()

	var tiers []plan.Tier
	index := make(map[string]int)
	for rows.Next() {
		var t plan.Tier
		if err := rows.Scan(&t.ID, &t.RunID, &t.TierIndex, &t.Name, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		index[t.ID] = len(tiers)
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	phases, err := s.queryPhases(ctx, `WHERE run_id = $1 ORDER BY phase_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	for i := range phases {
		if ti, ok := index[phases[i].TierID]; ok {
			tiers[ti].Phases = append(tiers[ti].Phases, phases[i])
		}
	}
	return tiers, nil
}

// UpdateTierStatus sets a tier's status.
func (s *Store) UpdateTierStatus(ctx context.Context, tierID string, status plan.TierStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tiers SET status = $2, updated_at = now() WHERE id = $1`, tierID, string(status))
	return execExpectOne(tag, err, "update tier %s", tierID)
}

// --- Phases ---

const phaseColumns = `id, run_id, tier_id, phase_index, name, description, task_category, complexity, builder_mode,
	scope, depends_on, status, builder_attempts, auditor_attempts, retry_attempt, escalation_level, doctor_calls,
	tokens_used, max_attempts, auto_approve, approved_by, failure_reason, not_run_reason, version, created_at, updated_at`

func scanPhase(row scannable) (plan.Phase, error) {
	var p plan.Phase
	var scope []byte
	err := row.Scan(&p.ID, &p.RunID, &p.TierID, &p.PhaseIndex, &p.Name, &p.Description, &p.TaskCategory,
		&p.Complexity, &p.BuilderMode, &scope, &p.DependsOn, &p.Status, &p.BuilderAttempts, &p.AuditorAttempts,
		&p.RetryAttempt, &p.EscalationLevel, &p.DoctorCalls, &p.TokensUsed, &p.MaxAttempts, &p.AutoApprove,
		&p.ApprovedBy, &p.FailureReason, &p.NotRunReason, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(scope, &p.Scope); err != nil {
		return p, fmt.Errorf("unmarshal scope: %w", err)
	}
	return p, nil
}

func (s *Store) queryPhases(ctx context.Context, where string, args ...any) ([]plan.Phase, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+phaseColumns+` FROM phases `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer rows.Close()

	var out []plan.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPhase returns one phase.
func (s *Store) GetPhase(ctx context.Context, runID, phaseID string) (*plan.Phase, error) {
	p, err := scanPhase(s.pool.QueryRow(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE run_id = $1 AND id = $2`, runID, phaseID))
	if err != nil {
		return nil, notFoundWrap(err, "get phase %s/%s", runID, phaseID)
	}
	return &p, nil
}

// UpdatePhase stores a phase after an optimistic version check.
func (s *Store) UpdatePhase(ctx context.Context, p *plan.Phase) error {
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	var version int
	err = s.pool.QueryRow(ctx,
		`UPDATE phases SET scope = $3, status = $4, builder_attempts = $5, auditor_attempts = $6, retry_attempt = $7,
		 escalation_level = $8, doctor_calls = $9, tokens_used = $10, approved_by = $11, failure_reason = $12,
		 not_run_reason = $13, updated_at = now(), version = version + 1
		 WHERE run_id = $1 AND id = $2 AND version = $14
		 RETURNING version`,
		p.RunID, p.ID, scope, string(p.Status), p.BuilderAttempts, p.AuditorAttempts, p.RetryAttempt,
		p.EscalationLevel, p.DoctorCalls, p.TokensUsed, string(p.ApprovedBy), p.FailureReason,
		p.NotRunReason, p.Version,
	).Scan(&version)
	if err != nil {
		if notFound := s.versionConflict(ctx, err, "phases", "run_id = $1 AND id = $2", p.RunID, p.ID); notFound != nil {
			return fmt.Errorf("update phase %s: %w", p.ID, notFound)
		}
		return fmt.Errorf("update phase %s: %w", p.ID, err)
	}
	p.Version = version
	return nil
}

// versionConflict tells a stale version apart from a missing row after an
// UPDATE ... WHERE version = $n matched nothing. It returns nil when err is
// not pgx.ErrNoRows.
func (s *Store) versionConflict(ctx context.Context, err error, table, where string, args ...any) error {
	if !isNoRows(err) {
		return nil
	}
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s)`, table, where)
	if qerr := s.pool.QueryRow(ctx, q, args...).Scan(&exists); qerr != nil {
		return qerr
	}
	if exists {
		return domain.ErrConflict
	}
	return domain.ErrNotFound
}

// --- Governance ---

const requestColumns = `id, run_id, phase_id, paths, protected_paths, reason, status, auto_approved, resolver, note, created_at, resolved_at`

func scanRequest(row scannable) (governance.Request, error) {
	var r governance.Request
	err := row.Scan(&r.ID, &r.RunID, &r.PhaseID, &r.Paths, &r.Protected, &r.Reason, &r.Status, &r.AutoApproved,
		&r.Resolver, &r.Note, &r.CreatedAt, &r.ResolvedAt)
	if len(r.Protected) == 0 {
		r.Protected = nil
	}
	return r, err
}

// CreateGovernanceRequest inserts a new request.
func (s *Store) CreateGovernanceRequest(ctx context.Context, req *governance.Request) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO governance_requests (id, run_id, phase_id, paths, protected_paths, reason, status, auto_approved, resolver, note, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.RunID, req.PhaseID, pgTextArray(req.Paths), pgTextArray(req.Protected), string(req.Reason), string(req.Status),
		req.AutoApproved, req.Resolver, req.Note, req.CreatedAt, nullTime(req.ResolvedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("governance request %s: %w", req.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert governance request: %w", err)
	}
	return nil
}

// GetGovernanceRequest returns one request.
func (s *Store) GetGovernanceRequest(ctx context.Context, id string) (*governance.Request, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM governance_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get governance request %s", id)
	}
	return &r, nil
}

// ResolveGovernanceRequest stores a decision. Only pending requests can be resolved.
func (s *Store) ResolveGovernanceRequest(ctx context.Context, req *governance.Request) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE governance_requests SET status = $2, resolver = $3, note = $4, resolved_at = $5
		 WHERE id = $1 AND status = $6`,
		req.ID, string(req.Status), req.Resolver, req.Note, nullTime(req.ResolvedAt), string(governance.StatusPending))
	if err != nil {
		return fmt.Errorf("resolve governance request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetGovernanceRequest(ctx, req.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("governance request %s is not pending: %w", req.ID, domain.ErrConflict)
	}
	return nil
}

// ListPendingGovernanceRequests returns unresolved requests, oldest first.
func (s *Store) ListPendingGovernanceRequests(ctx context.Context) ([]governance.Request, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM governance_requests WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(governance.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list governance requests: %w", err)
	}
	defer rows.Close()

	var out []governance.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan governance request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
