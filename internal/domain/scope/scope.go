// Package scope decides whether a patch operation may touch a workspace path.
package scope

import (
	"fmt"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/patch"
)

// Reason explains a scope decision.
type Reason string

const (
	ReasonAllowed                 Reason = "allowed"
	ReasonProtectedPath           Reason = "protected_path"
	ReasonOutsideScope            Reason = "outside_scope"
	ReasonDeleteOfUntouchedFile   Reason = "delete_of_untouched_file"
	ReasonCreateConflictsExisting Reason = "create_conflicts_existing"
	ReasonInvalidPath             Reason = "invalid_path"
)

// Decision is the result of checking one operation against the policy.
// Effective is the operation type to apply, which differs from Op when a
// create against an existing in-scope file is downgraded to modify.
type Decision struct {
	Path        string       `json:"path"`
	Op          patch.OpType `json:"op"`
	Effective   patch.OpType `json:"effective"`
	Allowed     bool         `json:"allowed"`
	Reason      Reason       `json:"reason"`
	MatchedRule string       `json:"matched_rule,omitempty"`
}

// Err returns nil for allowed decisions and an ErrScopeViolation otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s %s: %s: %w", d.Op, d.Path, d.Reason, domain.ErrScopeViolation)
}

// IsAllowed is the pure pattern check. A protected match denies regardless of
// operation or allowed match; otherwise the path must match an allowed pattern.
// Filesystem-dependent rules live in Policy.Decide.
func IsAllowed(path string, op patch.OpType, allowed, protected []string) Decision {
	d := Decision{Path: path, Op: op, Effective: op}
	p, ok := Normalize(path)
	if !ok {
		d.Reason = ReasonInvalidPath
		return d
	}
	d.Path = p
	if rule, hit := firstMatch(protected, p); hit {
		d.Reason = ReasonProtectedPath
		d.MatchedRule = "protected:" + rule
		return d
	}
	if rule, hit := firstMatch(allowed, p); hit {
		d.Allowed = true
		d.Reason = ReasonAllowed
		d.MatchedRule = "allowed:" + rule
		return d
	}
	d.Reason = ReasonOutsideScope
	return d
}

func firstMatch(patterns []string, p string) (string, bool) {
	for _, pat := range patterns {
		if Match(pat, p) {
			return pat, true
		}
	}
	return "", false
}
