package service_test

import (
	"context"
	"errors"
	"sync"

	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/port/broadcast"
	"github.com/Strob0t/autopack/internal/port/eventstore"
	"github.com/Strob0t/autopack/internal/port/llmrole"
	"github.com/Strob0t/autopack/internal/port/messagequeue"
	"github.com/Strob0t/autopack/internal/port/telemetry"
)

// Ensure mock types implement their interfaces at compile time.
var (
	_ llmrole.Builder       = (*mockBuilder)(nil)
	_ llmrole.Auditor       = (*mockAuditor)(nil)
	_ llmrole.Doctor        = (*mockDoctor)(nil)
	_ telemetry.Sink        = (*recordingSink)(nil)
	_ messagequeue.Queue    = (*mockQueue)(nil)
	_ broadcast.Broadcaster = (*mockBroadcaster)(nil)
	_ eventstore.Store      = (*failingEventStore)(nil)
)

// builderStep is one scripted Builder response.
type builderStep struct {
	patch  string
	tokens int64
	err    error
	// hook runs before the response is returned.
	hook func()
}

// mockBuilder replays scripted responses; the last one repeats.
type mockBuilder struct {
	mu       sync.Mutex
	steps    []builderStep
	requests []llmrole.BuildRequest
}

func (m *mockBuilder) ExecutePhase(_ context.Context, req llmrole.BuildRequest) (*llmrole.BuildResult, error) {
	m.mu.Lock()
	i := min(len(m.requests), len(m.steps)-1)
	m.requests = append(m.requests, req)
	step := m.steps[i]
	m.mu.Unlock()
	if step.hook != nil {
		step.hook()
	}
	if step.err != nil {
		return nil, step.err
	}
	return &llmrole.BuildResult{Patch: step.patch, Model: req.Model, TokensUsed: step.tokens}, nil
}

func (m *mockBuilder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockAuditor replays verdicts; the last one repeats. An empty script approves.
type mockAuditor struct {
	mu       sync.Mutex
	verdicts []llmrole.ReviewResult
	err      error
	requests []llmrole.ReviewRequest
}

func (m *mockAuditor) ReviewPatch(_ context.Context, req llmrole.ReviewRequest) (*llmrole.ReviewResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.verdicts) == 0 {
		return &llmrole.ReviewResult{Approved: true}, nil
	}
	v := m.verdicts[min(len(m.requests)-1, len(m.verdicts)-1)]
	return &v, nil
}

type mockDoctor struct {
	mu       sync.Mutex
	result   llmrole.DiagnoseResult
	err      error
	requests []llmrole.DiagnoseRequest
}

func (m *mockDoctor) Diagnose(_ context.Context, req llmrole.DiagnoseRequest) (*llmrole.DiagnoseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	r := m.result
	return &r, nil
}

// recordingSink keeps every telemetry call.
type recordingSink struct {
	mu       sync.Mutex
	attempts []event.Attempt
	phases   []event.PhaseStatus
	runs     []event.RunStatus
	onPhase  func(event.PhaseStatus)
}

func (s *recordingSink) RecordAttempt(_ context.Context, a event.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

func (s *recordingSink) RecordPhaseStatus(_ context.Context, ps event.PhaseStatus) {
	s.mu.Lock()
	s.phases = append(s.phases, ps)
	hook := s.onPhase
	s.mu.Unlock()
	if hook != nil {
		hook(ps)
	}
}

func (s *recordingSink) RecordRunStatus(_ context.Context, rs event.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rs)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, a.ActionTaken)
	}
	return out
}

type publishedMessage struct {
	subject string
	data    []byte
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu         sync.Mutex
	published  []publishedMessage
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMessage{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]messagequeue.Handler)
	}
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		delete(q.handlers, subject)
		q.mu.Unlock()
	}, nil
}

// deliver hands data to the subscriber of subject.
func (q *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	h := q.handlers[subject]
	q.mu.Unlock()
	if h == nil {
		return errors.New("no subscriber for " + subject)
	}
	return h(ctx, subject, data)
}

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.published))
	for _, m := range q.published {
		out = append(out, m.subject)
	}
	return out
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

type broadcastEvent struct {
	eventType string
	payload   any
}

type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (m *mockBroadcaster) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastEvent{eventType, payload})
}

func (m *mockBroadcaster) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.eventType)
	}
	return out
}

// failingEventStore rejects every write.
type failingEventStore struct{}

func (failingEventStore) AppendAttempt(context.Context, *event.Attempt) error {
	return errors.New("disk full")
}

func (failingEventStore) LoadAttempts(context.Context, string, string) ([]event.Attempt, error) {
	return nil, errors.New("disk full")
}
