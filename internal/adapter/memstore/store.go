// Package memstore provides an in-process implementation of the database and
// event store ports for local runs without PostgreSQL.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/port/eventstore"
)

var (
	_ database.Store   = (*Store)(nil)
	_ eventstore.Store = (*Store)(nil)
)

// Store keeps runs, tiers, phases, governance requests and attempt events in
// memory. Values are copied in and out so callers never share state with it.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*run.Run
	order    []string
	tierRun  map[string]string // tier ID -> run ID
	requests map[string]*governance.Request
	attempts map[string][]event.Attempt // runID/phaseID -> attempts
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		runs:     make(map[string]*run.Run),
		tierRun:  make(map[string]string),
		requests: make(map[string]*governance.Request),
		attempts: make(map[string][]event.Attempt),
		now:      time.Now,
	}
}

// CreateRun stores a run with its tiers and phases.
func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("run %s: %w", r.ID, domain.ErrConflict)
	}
	r.Version = 1
	for i := range r.Tiers {
		for j := range r.Tiers[i].Phases {
			r.Tiers[i].Phases[j].Version = 1
		}
	}
	cp := cloneRun(r)
	s.runs[r.ID] = cp
	s.order = append(s.order, r.ID)
	for i := range cp.Tiers {
		s.tierRun[cp.Tiers[i].ID] = r.ID
	}
	return nil
}

// GetRun returns a copy of a run with its tiers and phases.
func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return cloneRun(r), nil
}

// UpdateRun stores the run-level fields. Tiers and phases are updated through
// their own methods.
func (s *Store) UpdateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", r.ID, domain.ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("run %s version %d != %d: %w", r.ID, r.Version, cur.Version, domain.ErrConflict)
	}
	tiers := cur.Tiers
	next := cloneRun(r)
	next.Tiers = tiers
	next.Version++
	s.runs[r.ID] = next
	r.Version = next.Version
	return nil
}

// ListRuns returns runs in creation order. An empty status matches all.
func (s *Store) ListRuns(_ context.Context, status run.Status) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, id := range s.order {
		r := s.runs[id]
		if status != "" && r.Status != status {
			continue
		}
		cp := cloneRun(r)
		cp.Tiers = nil
		out = append(out, *cp)
	}
	return out, nil
}

// UpdateTierStatus sets a tier's status.
func (s *Store) UpdateTierStatus(_ context.Context, tierID string, status plan.TierStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tier := s.tier(tierID)
	if tier == nil {
		return fmt.Errorf("tier %s: %w", tierID, domain.ErrNotFound)
	}
	tier.Status = status
	tier.UpdatedAt = s.now().UTC()
	return nil
}

// GetPhase returns a copy of one phase.
func (s *Store) GetPhase(_ context.Context, runID, phaseID string) (*plan.Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.phase(runID, phaseID)
	if p == nil {
		return nil, fmt.Errorf("phase %s/%s: %w", runID, phaseID, domain.ErrNotFound)
	}
	cp := clonePhase(p)
	return &cp, nil
}

// UpdatePhase replaces a phase after an optimistic version check.
func (s *Store) UpdatePhase(_ context.Context, p *plan.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.phase(p.RunID, p.ID)
	if cur == nil {
		return fmt.Errorf("phase %s/%s: %w", p.RunID, p.ID, domain.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("phase %s version %d != %d: %w", p.ID, p.Version, cur.Version, domain.ErrConflict)
	}
	*cur = clonePhase(p)
	cur.Version++
	p.Version = cur.Version
	return nil
}

// CreateGovernanceRequest stores a new request.
func (s *Store) CreateGovernanceRequest(_ context.Context, req *governance.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("governance request %s: %w", req.ID, domain.ErrConflict)
	}
	cp := cloneRequest(req)
	s.requests[req.ID] = &cp
	return nil
}

// GetGovernanceRequest returns a copy of a request.
func (s *Store) GetGovernanceRequest(_ context.Context, id string) (*governance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("governance request %s: %w", id, domain.ErrNotFound)
	}
	cp := cloneRequest(req)
	return &cp, nil
}

// ResolveGovernanceRequest stores a decision. Only pending requests can be resolved.
func (s *Store) ResolveGovernanceRequest(_ context.Context, req *governance.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[req.ID]
	if !ok {
		return fmt.Errorf("governance request %s: %w", req.ID, domain.ErrNotFound)
	}
	if cur.Status != governance.StatusPending {
		return fmt.Errorf("governance request %s is %s: %w", req.ID, cur.Status, domain.ErrConflict)
	}
	cp := cloneRequest(req)
	s.requests[req.ID] = &cp
	return nil
}

// ListPendingGovernanceRequests returns unresolved requests, oldest first.
func (s *Store) ListPendingGovernanceRequests(_ context.Context) ([]governance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []governance.Request
	for _, req := range s.requests {
		if req.Status == governance.StatusPending {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendAttempt records one attempt event.
func (s *Store) AppendAttempt(_ context.Context, a *event.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := a.RunID + "/" + a.PhaseID
	s.attempts[key] = append(s.attempts[key], *a)
	return nil
}

// LoadAttempts returns a phase's attempts ordered by attempt index.
func (s *Store) LoadAttempts(_ context.Context, runID, phaseID string) ([]event.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[runID+"/"+phaseID]
	out := make([]event.Attempt, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptIndex < out[j].AttemptIndex })
	return out, nil
}

func (s *Store) tier(id string) *plan.Tier {
	r, ok := s.runs[s.tierRun[id]]
	if !ok {
		return nil
	}
	for i := range r.Tiers {
		if r.Tiers[i].ID == id {
			return &r.Tiers[i]
		}
	}
	return nil
}

func (s *Store) phase(runID, phaseID string) *plan.Phase {
	r, ok := s.runs[runID]
	if !ok {
		return nil
	}
	for i := range r.Tiers {
		for j := range r.Tiers[i].Phases {
			if r.Tiers[i].Phases[j].ID == phaseID {
				return &r.Tiers[i].Phases[j]
			}
		}
	}
	return nil
}

func cloneRun(r *run.Run) *run.Run {
	cp := *r
	cp.Protected = append([]string(nil), r.Protected...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Tiers = make([]plan.Tier, len(r.Tiers))
	for i := range r.Tiers {
		cp.Tiers[i] = r.Tiers[i]
		cp.Tiers[i].Phases = make([]plan.Phase, len(r.Tiers[i].Phases))
		for j := range r.Tiers[i].Phases {
			cp.Tiers[i].Phases[j] = clonePhase(&r.Tiers[i].Phases[j])
		}
	}
	return &cp
}

func clonePhase(p *plan.Phase) plan.Phase {
	cp := *p
	cp.Scope.Paths = append([]string(nil), p.Scope.Paths...)
	cp.Scope.Deliverables = append([]string(nil), p.Scope.Deliverables...)
	cp.DependsOn = append([]string(nil), p.DependsOn...)
	return cp
}

func cloneRequest(r *governance.Request) governance.Request {
	cp := *r
	cp.Paths = append([]string(nil), r.Paths...)
	cp.Protected = append([]string(nil), r.Protected...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}
