// Package governance defines the approval requests raised when a phase's patch
// needs a human decision before it may touch the tree.
package governance

import (
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/autopack/internal/domain/scope"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// ErrAlreadyResolved is returned when a decision arrives for a resolved request.
var ErrAlreadyResolved = errors.New("governance request already resolved")

// Request asks for permission to apply a denied patch.
type Request struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id"`
	PhaseID string `json:"phase_id"`
	// Paths are the exact paths that were denied.
	Paths []string `json:"paths"`
	// Protected is the subset of Paths denied as protected_path.
	Protected    []string     `json:"protected_paths,omitempty"`
	Reason       scope.Reason `json:"reason"`
	Status       Status       `json:"status"`
	AutoApproved bool         `json:"auto_approved"`
	Resolver     string       `json:"resolver,omitempty"`
	Note         string       `json:"note,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
}

// Decision is an approve/deny verdict for a request.
type Decision struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	Resolver  string `json:"resolver"`
	Note      string `json:"note,omitempty"`
}

// Validate checks a decision before it is applied.
func (d *Decision) Validate() error {
	if d.RequestID == "" {
		return errors.New("request_id is required")
	}
	if d.Resolver == "" {
		return errors.New("resolver is required")
	}
	return nil
}

// Resolve applies a decision to a pending request.
func (r *Request) Resolve(d Decision, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, ErrAlreadyResolved)
	}
	r.Status = StatusDenied
	if d.Approve {
		r.Status = StatusApproved
	}
	r.Resolver = d.Resolver
	r.Note = d.Note
	r.ResolvedAt = &now
	return nil
}

// RequestFromDenials builds a pending request from scope denials. Only
// outside_scope and protected_path denials can be governed; ok is false when
// any denial is of another kind. A protected denial makes the whole request
// protected; the paths denied as protected are listed in Protected.
func RequestFromDenials(denied []scope.Decision) (req Request, ok bool) {
	if len(denied) == 0 {
		return req, false
	}
	req.Status = StatusPending
	req.Reason = scope.ReasonOutsideScope
	seen := make(map[string]bool, len(denied))
	for _, d := range denied {
		switch d.Reason {
		case scope.ReasonProtectedPath:
			req.Reason = scope.ReasonProtectedPath
		case scope.ReasonOutsideScope:
		default:
			return Request{}, false
		}
		if !seen[d.Path] {
			seen[d.Path] = true
			req.Paths = append(req.Paths, d.Path)
			if d.Reason == scope.ReasonProtectedPath {
				req.Protected = append(req.Protected, d.Path)
			}
		}
	}
	return req, true
}

// IsProtected reports whether path was denied as protected_path.
func (r *Request) IsProtected(path string) bool {
	for _, p := range r.Protected {
		if p == path {
			return true
		}
	}
	return false
}

// AutoApprovable reports whether policy may approve the request without a human.
// Protected paths always need an explicit decision.
func (r *Request) AutoApprovable(allowScopeExpansion bool) bool {
	return allowScopeExpansion && r.Reason == scope.ReasonOutsideScope
}
