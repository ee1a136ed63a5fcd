// Package resource defines run-level budget limits.
package resource

import "time"

// Budget bounds what a single run may consume. A zero field means unlimited.
type Budget struct {
	TokenCap    int64         `json:"token_cap,omitempty" yaml:"token_cap,omitempty"`
	MaxPhases   int           `json:"max_phases,omitempty" yaml:"max_phases,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
}

// Merge returns a new Budget where non-zero fields from override replace base.
func Merge(base, override Budget) Budget {
	out := base
	if override.TokenCap > 0 {
		out.TokenCap = override.TokenCap
	}
	if override.MaxPhases > 0 {
		out.MaxPhases = override.MaxPhases
	}
	if override.MaxDuration > 0 {
		out.MaxDuration = override.MaxDuration
	}
	return out
}

// Cap returns a new Budget where each field is capped at the corresponding ceiling value.
// A zero ceiling field means no cap for that field. An unlimited (zero) budget field
// under a non-zero ceiling becomes the ceiling.
func Cap(b, ceiling Budget) Budget {
	out := b
	if ceiling.TokenCap > 0 && (out.TokenCap == 0 || out.TokenCap > ceiling.TokenCap) {
		out.TokenCap = ceiling.TokenCap
	}
	if ceiling.MaxPhases > 0 && (out.MaxPhases == 0 || out.MaxPhases > ceiling.MaxPhases) {
		out.MaxPhases = ceiling.MaxPhases
	}
	if ceiling.MaxDuration > 0 && (out.MaxDuration == 0 || out.MaxDuration > ceiling.MaxDuration) {
		out.MaxDuration = ceiling.MaxDuration
	}
	return out
}
