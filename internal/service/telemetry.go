package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/autopack/internal/adapter/otel"
	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/broadcast"
	"github.com/Strob0t/autopack/internal/port/eventstore"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
	"github.com/Strob0t/autopack/internal/port/telemetry"
)

var _ telemetry.Sink = (*TelemetryService)(nil)

// TelemetryService fans attempt and status events out to the event store,
// the message queue, connected websocket clients, and OTEL metrics.
// Every collaborator is optional. Failures are logged and never returned.
type TelemetryService struct {
	events  eventstore.Store
	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *cfotel.Metrics
	now     func() time.Time

	runStarts sync.Map // map[runID]time.Time
}

// NewTelemetryService creates a TelemetryService. Any argument may be nil.
func NewTelemetryService(events eventstore.Store, queue messagequeue.Queue, hub broadcast.Broadcaster, metrics *cfotel.Metrics) *TelemetryService {
	return &TelemetryService{
		events:  events,
		queue:   queue,
		hub:     hub,
		metrics: metrics,
		now:     time.Now,
	}
}

// RecordAttempt persists and publishes one attempt outcome.
func (s *TelemetryService) RecordAttempt(ctx context.Context, a event.Attempt) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}

	if s.events != nil {
		if err := s.events.AppendAttempt(ctx, &a); err != nil {
			slog.Warn("append attempt event failed", "run_id", a.RunID, "phase_id", a.PhaseID, "error", err)
		}
	}

	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("action", a.ActionTaken),
			attribute.Bool("success", a.Success),
			attribute.String("model", a.Model),
		)
		s.metrics.Attempts.Add(ctx, 1, attrs)
		if a.TokensUsed > 0 {
			s.metrics.Tokens.Add(ctx, a.TokensUsed, metric.WithAttributes(attribute.String("model", a.Model)))
		}
	}

	s.publish(ctx, messagequeue.SubjectAttempt, messagequeue.AttemptPayload{
		RunID:         a.RunID,
		PhaseID:       a.PhaseID,
		AttemptIndex:  a.AttemptIndex,
		ActionTaken:   a.ActionTaken,
		TokensUsed:    a.TokensUsed,
		Success:       a.Success,
		FailureReason: a.FailureReason,
		Model:         a.Model,
	})
	s.broadcast(ctx, event.TypeAttemptRecorded, a)

	slog.Info("attempt recorded",
		"run_id", a.RunID,
		"phase_id", a.PhaseID,
		"attempt", a.AttemptIndex,
		"action", a.ActionTaken,
		"success", a.Success,
		"failure_reason", a.FailureReason,
		"tokens", a.TokensUsed,
		"model", a.Model,
	)
}

// RecordPhaseStatus publishes a phase state change.
func (s *TelemetryService) RecordPhaseStatus(ctx context.Context, ps event.PhaseStatus) {
	if s.metrics != nil {
		switch plan.PhaseStatus(ps.Status) {
		case plan.PhaseComplete:
			s.metrics.PhasesCompleted.Add(ctx, 1)
		case plan.PhaseFailed:
			s.metrics.PhasesFailed.Add(ctx, 1)
		case plan.PhaseBlocked:
			s.metrics.PhasesBlocked.Add(ctx, 1)
		}
	}

	s.publish(ctx, messagequeue.SubjectPhaseStatus, messagequeue.PhaseStatusPayload{
		RunID:   ps.RunID,
		TierID:  ps.TierID,
		PhaseID: ps.PhaseID,
		Status:  ps.Status,
		Reason:  ps.Reason,
	})
	s.broadcast(ctx, event.TypePhaseStatus, ps)

	slog.Info("phase status changed", "run_id", ps.RunID, "phase_id", ps.PhaseID, "status", ps.Status, "reason", ps.Reason)
}

// RecordRunStatus publishes a run state change and records run metrics.
func (s *TelemetryService) RecordRunStatus(ctx context.Context, rs event.RunStatus) {
	st := run.Status(rs.Status)
	if st == run.StatusExecuting {
		if _, loaded := s.runStarts.LoadOrStore(rs.RunID, s.now()); !loaded && s.metrics != nil {
			s.metrics.RunsStarted.Add(ctx, 1)
		}
	}
	if st.IsTerminal() {
		started, ok := s.runStarts.LoadAndDelete(rs.RunID)
		if s.metrics != nil {
			if st == run.StatusComplete {
				s.metrics.RunsCompleted.Add(ctx, 1)
			} else {
				s.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", rs.Status)))
			}
			if ok {
				s.metrics.RunDuration.Record(ctx, s.now().Sub(started.(time.Time)).Seconds())
			}
		}
	}

	s.publish(ctx, messagequeue.SubjectRunStatus, messagequeue.RunStatusPayload{
		RunID:  rs.RunID,
		Status: rs.Status,
		Reason: rs.Reason,
	})
	typ := event.TypeRunStarted
	if st.IsTerminal() {
		typ = event.TypeRunFinished
	}
	s.broadcast(ctx, typ, rs)

	slog.Info("run status changed", "run_id", rs.RunID, "status", rs.Status, "reason", rs.Reason)
}

func (s *TelemetryService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal telemetry payload", "subject", subject, "error", err)
		return
	}
	if err := messagequeue.Validate(subject, data); err != nil {
		slog.Error("telemetry payload rejected", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish telemetry failed", "subject", subject, "error", err)
	}
}

func (s *TelemetryService) broadcast(ctx context.Context, typ event.Type, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, string(typ), payload)
}
