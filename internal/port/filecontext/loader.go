// Package filecontext defines the port that gathers the files a Builder sees.
package filecontext

import (
	"context"

	"github.com/Strob0t/autopack/internal/domain/plan"
)

// FileContext is the in-scope view of the workspace at phase start.
type FileContext struct {
	// Files maps workspace-relative paths to their content.
	Files map[string]string `json:"files"`
	// Baseline holds every in-scope path that existed when the phase started.
	// Deletes are only allowed for paths in it.
	Baseline map[string]bool `json:"-"`
	// Omitted lists in-scope paths left out because of size limits.
	Omitted    []string `json:"omitted,omitempty"`
	TotalBytes int      `json:"total_bytes"`
}

// Loader builds a FileContext for a phase. Protected paths are never included.
type Loader interface {
	Load(ctx context.Context, workspace string, phase *plan.Phase, protected []string) (*FileContext, error)
}
