// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates an entity failed validation.
var ErrValidation = errors.New("validation failed")

// ErrScopeViolation indicates a patch touched a protected path or a path outside the phase scope.
var ErrScopeViolation = errors.New("scope violation")

// ErrPatchMalformed indicates a patch could not be parsed even after sanitization.
var ErrPatchMalformed = errors.New("patch malformed")

// ErrPartialApply indicates an I/O failure part way through applying a patch.
var ErrPartialApply = errors.New("partial apply failure")

// ErrBudgetExhausted indicates the run-level token, phase or time budget was used up.
var ErrBudgetExhausted = errors.New("run budget exhausted")

// ErrGovernanceRequired indicates a phase is blocked awaiting a governance decision.
// It is a designed state transition, not a fault.
var ErrGovernanceRequired = errors.New("governance approval required")
