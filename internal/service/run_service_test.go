package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/autopack/internal/adapter/memstore"
	"github.com/Strob0t/autopack/internal/config"
	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/resource"
	"github.com/Strob0t/autopack/internal/domain/run"
	"github.com/Strob0t/autopack/internal/port/llmrole"
	"github.com/Strob0t/autopack/internal/service"
)

const (
	diffA = `diff --git a/src/a.py b/src/a.py
--- a/src/a.py
+++ b/src/a.py
@@ -1 +1 @@
-a = 1
+a = 2
`
	diffB = `diff --git a/src/b.py b/src/b.py
--- a/src/b.py
+++ b/src/b.py
@@ -1 +1 @@
-b = 1
+b = 2
`
	diffC = `diff --git a/src/c.py b/src/c.py
--- a/src/c.py
+++ b/src/c.py
@@ -1 +1 @@
-c = 1
+c = 2
`
)

var runFiles = map[string]string{
	"src/a.py": "a = 1\n",
	"src/b.py": "b = 1\n",
	"src/c.py": "c = 1\n",
}

// routedBuilder answers by phase ID.
type routedBuilder struct {
	mu      sync.Mutex
	patches map[string]string
	tokens  int64
	hooks   map[string]func()
	calls   []string
}

func (b *routedBuilder) ExecutePhase(_ context.Context, req llmrole.BuildRequest) (*llmrole.BuildResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req.PhaseID)
	hook := b.hooks[req.PhaseID]
	patch := b.patches[req.PhaseID]
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &llmrole.BuildResult{Patch: patch, Model: req.Model, TokensUsed: b.tokens}, nil
}

func (b *routedBuilder) called() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type runFixture struct {
	root    string
	store   *memstore.Store
	sink    *recordingSink
	builder *routedBuilder
	svc     *service.RunService
	cfg     config.Config
}

func newRunFixture(t *testing.T, mutate func(*config.Config)) *runFixture {
	t.Helper()
	root, _ := newTestWorkspace(t, runFiles)
	cfg := config.Defaults()
	cfg.Governance.Enabled = false
	cfg.Executor.Retry.MaxDoctorCalls = 0
	if mutate != nil {
		mutate(&cfg)
	}

	f := &runFixture{
		root:    root,
		store:   memstore.New(),
		sink:    &recordingSink{},
		builder: &routedBuilder{patches: map[string]string{}, hooks: map[string]func(){}, tokens: 10},
		cfg:     cfg,
	}
	exec := service.NewPhaseExecutor(
		f.store,
		service.Roles{Builder: f.builder, Auditor: &mockAuditor{}},
		service.NewContextLoader(nil, 0, 0, 0),
		f.sink,
		f.store,
		nil,
		nil,
		cfg.Executor,
	)
	orch := service.NewTierOrchestrator(f.store, exec)
	f.svc = service.NewRunService(f.store, orch, f.sink, nil, &f.cfg)
	return f
}

func phaseSpec(id string, deps ...string) plan.PhaseSpec {
	return plan.PhaseSpec{
		ID:          id,
		Name:        "phase " + id,
		Description: "update " + id,
		Scope:       plan.Scope{Paths: []string{"src/"}},
		DependsOn:   deps,
	}
}

func (f *runFixture) create(t *testing.T, spec *plan.Spec) *run.Run {
	t.Helper()
	if spec.GoalAnchor == "" {
		spec.GoalAnchor = "ship it"
	}
	r, err := f.svc.Create(context.Background(), spec, f.root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func phaseStates(r *run.Run) map[string]string {
	out := make(map[string]string)
	for _, tier := range r.Tiers {
		for _, p := range tier.Phases {
			out[p.ID] = string(p.Status)
		}
	}
	return out
}

func findPhase(r *run.Run, id string) *plan.Phase {
	for i := range r.Tiers {
		for j := range r.Tiers[i].Phases {
			if r.Tiers[i].Phases[j].ID == id {
				return &r.Tiers[i].Phases[j]
			}
		}
	}
	return nil
}

func TestRunService_CompletesAllTiers(t *testing.T) {
	f := newRunFixture(t, nil)
	f.builder.patches = map[string]string{"a": diffA, "b": diffB}
	r := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{
		{Name: "one", Phases: []plan.PhaseSpec{phaseSpec("a")}},
		{Name: "two", Phases: []plan.PhaseSpec{phaseSpec("b", "a")}},
	}})

	got, err := f.svc.Execute(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != run.StatusComplete || got.FailureReason != "" {
		t.Fatalf("status = %s (%s)", got.Status, got.FailureReason)
	}
	if got.TokensUsed != 20 || got.PhasesStarted != 2 || got.CompletedAt == nil {
		t.Errorf("run = tokens %d phases %d completed_at %v", got.TokensUsed, got.PhasesStarted, got.CompletedAt)
	}

	stored, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tier := range stored.Tiers {
		if tier.Status != plan.TierComplete {
			t.Errorf("tier %s = %s", tier.Name, tier.Status)
		}
	}
	if diff := cmp.Diff(map[string]string{"a": "COMPLETE", "b": "COMPLETE"}, phaseStates(stored)); diff != "" {
		t.Errorf("phase states (-want +got):\n%s", diff)
	}

	var statuses []string
	for _, rs := range f.sink.runs {
		statuses = append(statuses, rs.Status)
	}
	if diff := cmp.Diff([]string{"PHASE_QUEUEING", "EXECUTING", "COMPLETE"}, statuses); diff != "" {
		t.Errorf("run statuses (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, f.builder.called()); diff != "" {
		t.Errorf("builder order (-want +got):\n%s", diff)
	}
}

func TestRunService_FailedDependencyLeavesDependentsQueued(t *testing.T) {
	f := newRunFixture(t, nil)
	f.builder.patches = map[string]string{"a": diffA, "b": "not a patch", "d": diffC}
	failing := phaseSpec("b", "a")
	failing.MaxAttempts = 1
	r := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{
		{Name: "one", Phases: []plan.PhaseSpec{phaseSpec("a"), failing}},
		{Name: "two", Phases: []plan.PhaseSpec{phaseSpec("c", "b"), phaseSpec("d")}},
	}})

	got, err := f.svc.Execute(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != run.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if want := "2 of 4 phases incomplete: 1 failed, 0 blocked, 1 not run"; got.FailureReason != want {
		t.Errorf("reason = %q, want %q", got.FailureReason, want)
	}

	stored, err := f.svc.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"a": "COMPLETE", "b": "FAILED", "c": "QUEUED", "d": "COMPLETE"}
	if diff := cmp.Diff(want, phaseStates(stored)); diff != "" {
		t.Errorf("phase states (-want +got):\n%s", diff)
	}
	if c := findPhase(stored, "c"); c.NotRunReason != "dependency b is FAILED" {
		t.Errorf("not-run reason = %q", c.NotRunReason)
	}
	for _, tier := range stored.Tiers {
		if tier.Status != plan.TierFailed {
			t.Errorf("tier %s = %s, want FAILED", tier.Name, tier.Status)
		}
	}
	for _, id := range f.builder.called() {
		if id == "c" {
			t.Error("dependent phase must never reach the builder")
		}
	}
}

func TestRunService_MaxPhasesStopsRun(t *testing.T) {
	f := newRunFixture(t, nil)
	f.builder.patches = map[string]string{"a": diffA, "b": diffB}
	r := f.create(t, &plan.Spec{
		Budget: resource.Budget{MaxPhases: 1},
		Tiers:  []plan.TierSpec{{Name: "one", Phases: []plan.PhaseSpec{phaseSpec("a"), phaseSpec("b")}}},
	})
	if r.Budget.MaxPhases != 1 || r.Budget.TokenCap != f.cfg.Run.Budget.TokenCap {
		t.Fatalf("budget = %+v, want plan override merged with defaults", r.Budget)
	}

	got, err := f.svc.Execute(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("budget exhaustion must not surface as an error: %v", err)
	}
	if got.Status != run.StatusFailed || !strings.Contains(got.FailureReason, "max phases reached") {
		t.Fatalf("run = %s (%s)", got.Status, got.FailureReason)
	}
	stored, _ := f.svc.Get(context.Background(), r.ID)
	b := findPhase(stored, "b")
	if b.Status != plan.PhaseQueued || !strings.HasPrefix(b.NotRunReason, "run stopped: ") {
		t.Errorf("phase b = %s (%q)", b.Status, b.NotRunReason)
	}
	if stored.Tiers[0].Status != plan.TierFailed {
		t.Errorf("tier = %s, want FAILED", stored.Tiers[0].Status)
	}
}

func TestRunService_BudgetCeilingClampsPlan(t *testing.T) {
	f := newRunFixture(t, func(c *config.Config) {
		c.Run.Ceiling = resource.Budget{TokenCap: 1000, MaxDuration: time.Minute}
	})
	r := f.create(t, &plan.Spec{
		Budget: resource.Budget{TokenCap: 1_000_000, MaxDuration: time.Hour},
		Tiers:  []plan.TierSpec{{Phases: []plan.PhaseSpec{phaseSpec("a")}}},
	})
	want := resource.Budget{TokenCap: 1000, MaxPhases: f.cfg.Run.Budget.MaxPhases, MaxDuration: time.Minute}
	if diff := cmp.Diff(want, r.Budget); diff != "" {
		t.Errorf("budget (-want +got):\n%s", diff)
	}
}

func TestRunService_CreateRejectsInvalidPlan(t *testing.T) {
	f := newRunFixture(t, nil)
	_, err := f.svc.Create(context.Background(), &plan.Spec{Tiers: []plan.TierSpec{
		{Phases: []plan.PhaseSpec{phaseSpec("a", "missing")}},
	}}, f.root)
	if !errors.Is(err, plan.ErrDAGInvalidRef) {
		t.Fatalf("got %v, want ErrDAGInvalidRef", err)
	}
	runs, _ := f.svc.List(context.Background(), "")
	if len(runs) != 0 {
		t.Errorf("invalid plan persisted %d runs", len(runs))
	}
}

func TestRunService_CancelQueuedRun(t *testing.T) {
	f := newRunFixture(t, nil)
	r := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{{Phases: []plan.PhaseSpec{phaseSpec("a")}}}})

	if err := f.svc.Cancel(context.Background(), r.ID, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := f.svc.Get(context.Background(), r.ID)
	if stored.Status != run.StatusCancelled || stored.FailureReason != "changed my mind" {
		t.Errorf("run = %s (%s)", stored.Status, stored.FailureReason)
	}
	if a := findPhase(stored, "a"); a.NotRunReason != "run cancelled: changed my mind" {
		t.Errorf("not-run reason = %q", a.NotRunReason)
	}

	if err := f.svc.Cancel(context.Background(), r.ID, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second cancel = %v, want ErrConflict", err)
	}
	if _, err := f.svc.Execute(context.Background(), r.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("execute cancelled run = %v, want ErrConflict", err)
	}
	if len(f.builder.called()) != 0 {
		t.Error("builder called for a cancelled run")
	}
}

func TestRunService_CancelStopsAtPhaseBoundary(t *testing.T) {
	f := newRunFixture(t, nil)
	f.builder.patches = map[string]string{"a": diffA, "b": diffB}
	r := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{
		{Phases: []plan.PhaseSpec{phaseSpec("a"), phaseSpec("b")}},
	}})
	f.builder.hooks["a"] = func() {
		if err := f.svc.Cancel(context.Background(), r.ID, "operator stop"); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	got, err := f.svc.Execute(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("cancellation must not surface as an error: %v", err)
	}
	if got.Status != run.StatusCancelled || !strings.Contains(got.FailureReason, "operator stop") {
		t.Fatalf("run = %s (%s)", got.Status, got.FailureReason)
	}

	stored, _ := f.svc.Get(context.Background(), r.ID)
	if a := findPhase(stored, "a"); a.Status != plan.PhaseComplete {
		t.Errorf("in-flight phase a = %s, want COMPLETE", a.Status)
	}
	if b := findPhase(stored, "b"); b.Status != plan.PhaseQueued || !strings.HasPrefix(b.NotRunReason, "run cancelled: ") {
		t.Errorf("phase b = %s (%q)", b.Status, b.NotRunReason)
	}
	if diff := cmp.Diff([]string{"a"}, f.builder.called()); diff != "" {
		t.Errorf("builder calls (-want +got):\n%s", diff)
	}
	if got := mustRead(t, f.root, "src/a.py"); got != "a = 2\n" {
		t.Errorf("a.py = %q", got)
	}
}

func TestRunService_MissingWorkspaceFailsRun(t *testing.T) {
	f := newRunFixture(t, nil)
	r, err := f.svc.Create(context.Background(), &plan.Spec{
		GoalAnchor: "ship it",
		Tiers:      []plan.TierSpec{{Phases: []plan.PhaseSpec{phaseSpec("a")}}},
	}, filepath.Join(f.root, "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Execute(context.Background(), r.ID)
	if err == nil {
		t.Fatal("expected an error for a missing workspace")
	}
	if got.Status != run.StatusFailed || !strings.HasPrefix(got.FailureReason, "workspace unavailable") {
		t.Errorf("run = %s (%s)", got.Status, got.FailureReason)
	}
}

func TestRunService_ListFiltersByStatus(t *testing.T) {
	f := newRunFixture(t, nil)
	f.builder.patches = map[string]string{"a": diffA}
	done := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{{Phases: []plan.PhaseSpec{phaseSpec("a")}}}})
	queued := f.create(t, &plan.Spec{Tiers: []plan.TierSpec{{Phases: []plan.PhaseSpec{phaseSpec("a")}}}})
	if _, err := f.svc.Execute(context.Background(), done.ID); err != nil {
		t.Fatal(err)
	}

	runs, err := f.svc.List(context.Background(), run.StatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != queued.ID {
		t.Errorf("queued runs = %+v", runs)
	}
}
