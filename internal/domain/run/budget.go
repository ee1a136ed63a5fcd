package run

import (
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/autopack/internal/domain/resource"
)

// BudgetTracker accumulates run-level consumption and reports exhaustion.
// It is safe for concurrent use: the control server reads it while the run loop writes.
type BudgetTracker struct {
	mu      sync.Mutex
	budget  resource.Budget
	started time.Time
	now     func() time.Time
	tokens  int64
	phases  int
}

// NewBudgetTracker creates a tracker starting at the given instant.
// A nil now uses time.Now.
func NewBudgetTracker(b resource.Budget, started time.Time, now func() time.Time) *BudgetTracker {
	if now == nil {
		now = time.Now
	}
	return &BudgetTracker{budget: b, started: started, now: now}
}

// Restore seeds the counters from persisted run state.
func (t *BudgetTracker) Restore(tokens int64, phases int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = tokens
	t.phases = phases
}

// AddTokens records tokens consumed by any role call.
func (t *BudgetTracker) AddTokens(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.tokens += n
	t.mu.Unlock()
}

// RecordPhaseStart counts one more phase entering EXECUTING.
func (t *BudgetTracker) RecordPhaseStart() {
	t.mu.Lock()
	t.phases++
	t.mu.Unlock()
}

// Tokens returns the cumulative token count.
func (t *BudgetTracker) Tokens() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

// Phases returns the number of phases started.
func (t *BudgetTracker) Phases() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phases
}

// Exhausted reports whether any budget dimension is used up, with a specific reason.
func (t *BudgetTracker) Exhausted() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget.TokenCap > 0 && t.tokens >= t.budget.TokenCap {
		return true, fmt.Sprintf("token cap reached: %d/%d tokens", t.tokens, t.budget.TokenCap)
	}
	if t.budget.MaxDuration > 0 {
		if elapsed := t.now().Sub(t.started); elapsed >= t.budget.MaxDuration {
			return true, fmt.Sprintf("max duration reached: %s elapsed of %s", elapsed.Round(time.Second), t.budget.MaxDuration)
		}
	}
	return false, ""
}

// CanStartPhase reports whether another phase may enter EXECUTING under max_phases.
func (t *BudgetTracker) CanStartPhase() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget.MaxPhases > 0 && t.phases >= t.budget.MaxPhases {
		return false, fmt.Sprintf("max phases reached: %d/%d", t.phases, t.budget.MaxPhases)
	}
	return true, ""
}
