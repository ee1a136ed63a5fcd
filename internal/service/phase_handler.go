package service

import (
	"sort"
	"strings"

	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/port/llmrole"
)

// Built-in phase categories.
const (
	CategoryDefault = "default"
	CategoryDocs    = "docs"
	CategoryTests   = "tests"
)

// PhaseHandler adapts phase execution to a task category.
type PhaseHandler interface {
	// Category is the task_category the handler serves.
	Category() string
	// ScopePaths returns the allowed patterns the phase runs under.
	ScopePaths(p *plan.Phase) []string
	// Prepare shapes the Builder request for one attempt.
	Prepare(p *plan.Phase, req *llmrole.BuildRequest)
	// NeedsAudit reports whether an applied patch must go to the Auditor.
	NeedsAudit(p *plan.Phase) bool
}

// HandlerRegistry maps task categories to handlers. It is built once and
// read-only afterwards.
type HandlerRegistry struct {
	handlers map[string]PhaseHandler
}

// NewHandlerRegistry registers the built-in handlers followed by extra ones.
// A later handler replaces an earlier one for the same category.
func NewHandlerRegistry(extra ...PhaseHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[string]PhaseHandler)}
	for _, h := range append([]PhaseHandler{defaultHandler{}, docsHandler{}, testsHandler{}}, extra...) {
		r.handlers[h.Category()] = h
	}
	return r
}

// Resolve returns the handler for a category, falling back to default.
func (r *HandlerRegistry) Resolve(category string) PhaseHandler {
	if h, ok := r.handlers[category]; ok {
		return h
	}
	return r.handlers[CategoryDefault]
}

// Categories returns the registered categories in sorted order.
func (r *HandlerRegistry) Categories() []string {
	out := make([]string, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type defaultHandler struct{}

func (defaultHandler) Category() string { return CategoryDefault }

func (defaultHandler) ScopePaths(p *plan.Phase) []string { return p.Scope.Paths }

func (defaultHandler) Prepare(p *plan.Phase, req *llmrole.BuildRequest) {
	req.Mode = p.BuilderMode
	if req.Mode == plan.BuilderModeFullFile {
		req.Instructions = "Return one JSON object per line with path, type and full content for every file you change."
		return
	}
	req.Instructions = "Return a unified diff against the files provided. Touch only paths in scope."
}

func (defaultHandler) NeedsAudit(p *plan.Phase) bool { return !p.AutoApprove }

// docsHandler prefers whole-file output and trusts low-complexity edits.
type docsHandler struct{}

func (docsHandler) Category() string { return CategoryDocs }

func (docsHandler) ScopePaths(p *plan.Phase) []string { return p.Scope.Paths }

func (docsHandler) Prepare(_ *plan.Phase, req *llmrole.BuildRequest) {
	req.Mode = plan.BuilderModeFullFile
	req.Instructions = "Return one JSON object per line with path, type and the complete new document content."
}

func (docsHandler) NeedsAudit(p *plan.Phase) bool {
	return !p.AutoApprove && p.Complexity != plan.ComplexityLow
}

// testsHandler narrows the scope to test locations when the phase lists any.
type testsHandler struct{}

func (testsHandler) Category() string { return CategoryTests }

func (testsHandler) ScopePaths(p *plan.Phase) []string {
	var narrowed []string
	for _, s := range p.Scope.Paths {
		if isTestPattern(s) {
			narrowed = append(narrowed, s)
		}
	}
	if len(narrowed) == 0 {
		return p.Scope.Paths
	}
	return narrowed
}

func (testsHandler) Prepare(p *plan.Phase, req *llmrole.BuildRequest) {
	req.Mode = p.BuilderMode
	req.Instructions = "Add or fix tests only. Return a unified diff; do not modify production code."
}

func (testsHandler) NeedsAudit(*plan.Phase) bool { return true }

func isTestPattern(pattern string) bool {
	for _, seg := range strings.Split(strings.Trim(pattern, "/"), "/") {
		switch {
		case seg == "test", seg == "tests", seg == "__tests__", seg == "spec":
			return true
		case strings.HasPrefix(seg, "test_"), strings.Contains(seg, "_test."), strings.Contains(seg, ".test."):
			return true
		}
	}
	return false
}
