package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/governance"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/port/broadcast"
	"github.com/Strob0t/autopack/internal/port/database"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
)

// ErrNotGovernable is returned when a denial cannot be lifted by an approval,
// e.g. a delete of a file the phase never saw.
var ErrNotGovernable = errors.New("denial cannot be resolved by governance")

// ErrApprovalTimeout is returned by Await when no decision arrived in time.
// The request stays pending until Expire closes it.
var ErrApprovalTimeout = errors.New("governance approval timed out")

// ResolverTimeout is the resolver recorded on requests closed by Expire.
const ResolverTimeout = "timeout"

// GovernanceService raises approval requests for denied patches and delivers
// decisions back to the blocked phase.
type GovernanceService struct {
	store database.Store
	queue messagequeue.Queue
	hub   broadcast.Broadcaster
	cfg   config.Governance
	now   func() time.Time
	newID func() string

	waiters *syncWaiter[governance.Request]
}

// NewGovernanceService creates a GovernanceService. queue and hub may be nil.
func NewGovernanceService(store database.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, cfg config.Governance) *GovernanceService {
	return &GovernanceService{
		store:   store,
		queue:   queue,
		hub:     hub,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
		waiters: newSyncWaiter[governance.Request](),
	}
}

// Enabled reports whether denied patches raise requests instead of failing.
func (s *GovernanceService) Enabled() bool { return s != nil && s.cfg.Enabled }

// Request persists an approval request for the given denials. Scope
// expansions are approved immediately when policy allows it; protected paths
// always stay pending.
func (s *GovernanceService) Request(ctx context.Context, runID, phaseID string, denied []scope.Decision) (*governance.Request, error) {
	req, ok := governance.RequestFromDenials(denied)
	if !ok {
		return nil, ErrNotGovernable
	}
	req.ID = s.newID()
	req.RunID = runID
	req.PhaseID = phaseID
	req.CreatedAt = s.now().UTC()

	if req.AutoApprovable(s.cfg.AutoApproveScopeExpansion) {
		if err := req.Resolve(governance.Decision{RequestID: req.ID, Approve: true, Resolver: "auto"}, req.CreatedAt); err != nil {
			return nil, err
		}
		req.AutoApproved = true
	}

	if err := s.store.CreateGovernanceRequest(ctx, &req); err != nil {
		return nil, fmt.Errorf("create governance request: %w", err)
	}

	if req.Status == governance.StatusPending {
		s.publish(ctx, messagequeue.SubjectGovernanceRequest, messagequeue.GovernanceRequestPayload{
			RequestID: req.ID,
			RunID:     req.RunID,
			PhaseID:   req.PhaseID,
			Paths:     req.Paths,
			Reason:    string(req.Reason),
		})
		if s.hub != nil {
			s.hub.BroadcastEvent(ctx, string(event.TypeGovernanceRequested), req)
		}
	}

	slog.Info("governance request raised",
		"request_id", req.ID,
		"run_id", runID,
		"phase_id", phaseID,
		"reason", req.Reason,
		"paths", req.Paths,
		"auto_approved", req.AutoApproved,
	)
	return &req, nil
}

// Await blocks until the request is resolved, the approval timeout passes, or
// ctx is done. On timeout it returns the pending request and ErrApprovalTimeout.
func (s *GovernanceService) Await(ctx context.Context, req *governance.Request) (*governance.Request, error) {
	if req.Status != governance.StatusPending {
		return req, nil
	}

	ch := s.waiters.register(req.ID)
	defer s.waiters.unregister(req.ID)

	// A decision may have landed between Request and registering the waiter.
	if cur, err := s.store.GetGovernanceRequest(ctx, req.ID); err == nil && cur.Status != governance.StatusPending {
		return cur, nil
	}

	var timeout <-chan time.Time
	if s.cfg.ApprovalTimeout > 0 {
		timer := time.NewTimer(s.cfg.ApprovalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resolved := <-ch:
		return &resolved, nil
	case <-timeout:
		slog.Warn("governance approval timed out", "request_id", req.ID, "phase_id", req.PhaseID, "timeout", s.cfg.ApprovalTimeout)
		return req, ErrApprovalTimeout
	case <-ctx.Done():
		return req, ctx.Err()
	}
}

// Resolve applies an approve/deny decision and wakes the waiting phase.
func (s *GovernanceService) Resolve(ctx context.Context, d governance.Decision) (*governance.Request, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	req, err := s.store.GetGovernanceRequest(ctx, d.RequestID)
	if err != nil {
		return nil, fmt.Errorf("get governance request: %w", err)
	}
	if err := req.Resolve(d, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConflict, err)
	}
	if err := s.store.ResolveGovernanceRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("resolve governance request: %w", err)
	}

	if !s.waiters.deliver(req.ID, *req) {
		slog.Debug("no local waiter for governance decision", "request_id", req.ID)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(event.TypeGovernanceResolved), req)
	}

	slog.Info("governance request resolved",
		"request_id", req.ID,
		"phase_id", req.PhaseID,
		"status", req.Status,
		"resolver", req.Resolver,
	)
	return req, nil
}

// Expire denies a request that outlived the approval timeout. A decision that
// won the race is returned as stored and is honored by the caller.
func (s *GovernanceService) Expire(ctx context.Context, req *governance.Request) (*governance.Request, error) {
	resolved, err := s.Resolve(ctx, governance.Decision{
		RequestID: req.ID,
		Resolver:  ResolverTimeout,
		Note:      fmt.Sprintf("no decision within %s", s.cfg.ApprovalTimeout),
	})
	if errors.Is(err, domain.ErrConflict) {
		return s.store.GetGovernanceRequest(ctx, req.ID)
	}
	return resolved, err
}

// Get returns one request.
func (s *GovernanceService) Get(ctx context.Context, id string) (*governance.Request, error) {
	return s.store.GetGovernanceRequest(ctx, id)
}

// ListPending returns all unresolved requests.
func (s *GovernanceService) ListPending(ctx context.Context) ([]governance.Request, error) {
	return s.store.ListPendingGovernanceRequests(ctx)
}

// StartSubscriber resolves requests from decisions published on the queue.
func (s *GovernanceService) StartSubscriber(ctx context.Context) (cancel func(), err error) {
	if s.queue == nil {
		return func() {}, nil
	}
	return s.queue.Subscribe(ctx, messagequeue.SubjectGovernanceDecision, func(msgCtx context.Context, _ string, data []byte) error {
		var p messagequeue.GovernanceDecisionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal governance decision: %w", err)
		}
		_, err := s.Resolve(msgCtx, governance.Decision{
			RequestID: p.RequestID,
			Approve:   p.Approve,
			Resolver:  p.Resolver,
			Note:      p.Note,
		})
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("duplicate governance decision ignored", "request_id", p.RequestID)
			return nil
		}
		return err
	})
}

func (s *GovernanceService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal governance payload", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish governance request failed", "subject", subject, "error", err)
	}
}
