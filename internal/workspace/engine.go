// Package workspace applies parsed patch operations to a working tree with
// all-or-nothing semantics.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/patch"
	"github.com/Strob0t/autopack/internal/domain/scope"
)

// ErrWorkspaceMissing indicates the workspace root does not exist or is not a directory.
// It is a hard failure that aborts the run.
var ErrWorkspaceMissing = errors.New("workspace root missing")

// ErrApplyConflict indicates an operation does not fit the current tree:
// a hunk or edit that does not match, a modify of a missing file, or a rename onto an existing path.
var ErrApplyConflict = errors.New("apply conflict")

// Gate decides whether an operation may be applied. *scope.Policy satisfies it.
type Gate interface {
	Decide(op patch.Operation, exists func(string) bool) scope.Decision
}

// Failure pairs a path with the reason it could not be applied.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result reports what an Apply call did.
type Result struct {
	Applied          []string         `json:"applied"`
	Skipped          []string         `json:"skipped"`
	Failed           []Failure        `json:"failed"`
	Denied           []scope.Decision `json:"denied,omitempty"`
	RollbackFailures []Failure        `json:"rollback_failures,omitempty"`

	undo []preImage
}

// Changed reports whether the apply wrote anything to disk.
func (r *Result) Changed() bool { return len(r.undo) > 0 }

// preImage is the state of a path before this apply touched it.
type preImage struct {
	rel     string
	existed bool
	content []byte
	mode    fs.FileMode
}

// change is one staged write or removal.
type change struct {
	rel     string
	remove  bool
	content []byte
	mode    fs.FileMode
}

// Engine is the only writer of a workspace.
type Engine struct {
	root string
	fuzz int
}

// Option configures an Engine.
type Option func(*Engine)

// WithFuzz sets how many context lines a hunk may ignore at each end.
func WithFuzz(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.fuzz = n
		}
	}
}

// NewEngine creates an engine rooted at an existing directory.
func NewEngine(root string, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrWorkspaceMissing)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	e := &Engine{root: abs, fuzz: 2}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Root returns the absolute workspace root.
func (e *Engine) Root() string { return e.root }

// Exists reports whether a workspace-relative path is present.
func (e *Engine) Exists(rel string) bool {
	abs, err := e.abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Lstat(abs)
	return err == nil
}

// Apply validates every operation against gate, computes all new contents in
// memory, and only then writes. A denial or content mismatch leaves the tree
// untouched. An I/O error part way through rolls back what was written.
// Cancellation is honoured only before the first write.
func (e *Engine) Apply(ctx context.Context, ops []patch.Operation, gate Gate) (*Result, error) {
	res := &Result{}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	effective := make([]patch.OpType, len(ops))
	for i := range ops {
		d := gate.Decide(ops[i], e.Exists)
		if !d.Allowed {
			res.Denied = append(res.Denied, d)
			res.Failed = append(res.Failed, Failure{Path: d.Path, Reason: string(d.Reason)})
			continue
		}
		effective[i] = d.Effective
	}
	if len(res.Denied) > 0 {
		return res, fmt.Errorf("%d of %d operations denied: %w", len(res.Denied), len(ops), domain.ErrScopeViolation)
	}

	changes, err := e.plan(ops, effective, res)
	if err != nil {
		return res, err
	}
	if len(changes) == 0 {
		return res, nil
	}
	return res, e.write(changes, res)
}

// stagedFile tracks the in-memory state of a path across operations of one apply.
type stagedFile struct {
	exists  bool
	content []byte
	mode    fs.FileMode
}

func (e *Engine) plan(ops []patch.Operation, effective []patch.OpType, res *Result) ([]change, error) {
	staged := make(map[string]*stagedFile)
	var order []string

	load := func(rel string) (*stagedFile, error) {
		if s, ok := staged[rel]; ok {
			return s, nil
		}
		abs, err := e.abs(rel)
		if err != nil {
			return nil, err
		}
		s := &stagedFile{mode: 0o644}
		info, err := os.Lstat(abs)
		switch {
		case err == nil && info.Mode().IsRegular():
			data, rerr := os.ReadFile(abs)
			if rerr != nil {
				return nil, rerr
			}
			s.exists, s.content, s.mode = true, data, info.Mode().Perm()
		case err == nil:
			return nil, fmt.Errorf("%s is not a regular file: %w", rel, ErrApplyConflict)
		}
		staged[rel] = s
		order = append(order, rel)
		return s, nil
	}
	fail := func(rel string, err error) ([]change, error) {
		res.Failed = append(res.Failed, Failure{Path: rel, Reason: err.Error()})
		return nil, fmt.Errorf("%s: %w", rel, err)
	}

	touched := make(map[string]bool)
	for i := range ops {
		op := &ops[i]
		rel, _ := scope.Normalize(op.Path)
		s, err := load(rel)
		if err != nil {
			return fail(rel, err)
		}

		switch effective[i] {
		case patch.OpCreate:
			content := ""
			if op.Content != nil {
				content = *op.Content
			}
			s.exists, s.content = true, []byte(content)
			touched[rel] = true

		case patch.OpModify:
			if op.Type == patch.OpCreate && op.Content != nil {
				// Downgraded create: the declared content replaces the file.
				if string(s.content) == *op.Content {
					res.Skipped = append(res.Skipped, rel)
					continue
				}
				s.content = []byte(*op.Content)
				touched[rel] = true
				continue
			}
			if op.IsEmpty() {
				res.Skipped = append(res.Skipped, rel)
				continue
			}
			if !s.exists {
				return fail(rel, fmt.Errorf("modify of missing file: %w", ErrApplyConflict))
			}
			next, err := e.transform(string(s.content), op)
			if err != nil {
				return fail(rel, err)
			}
			if next == string(s.content) {
				res.Skipped = append(res.Skipped, rel)
				continue
			}
			s.content = []byte(next)
			touched[rel] = true

		case patch.OpDelete:
			if !s.exists {
				res.Skipped = append(res.Skipped, rel)
				continue
			}
			s.exists, s.content = false, nil
			touched[rel] = true

		case patch.OpRename:
			oldRel, _ := scope.Normalize(op.OldPath)
			src, err := load(oldRel)
			if err != nil {
				return fail(oldRel, err)
			}
			if !src.exists {
				return fail(oldRel, fmt.Errorf("rename source missing: %w", ErrApplyConflict))
			}
			if s.exists {
				return fail(rel, fmt.Errorf("rename target exists: %w", ErrApplyConflict))
			}
			content := string(src.content)
			if op.Content != nil {
				content = *op.Content
			} else if len(op.Hunks) > 0 {
				if content, err = patch.ApplyHunks(content, op.Hunks, e.fuzz); err != nil {
					return fail(rel, fmt.Errorf("%w: %w", ErrApplyConflict, err))
				}
			}
			s.exists, s.content, s.mode = true, []byte(content), src.mode
			src.exists, src.content = false, nil
			touched[rel], touched[oldRel] = true, true

		default:
			return fail(rel, fmt.Errorf("unsupported operation %q: %w", effective[i], domain.ErrPatchMalformed))
		}
	}

	var changes []change
	for _, rel := range order {
		if !touched[rel] {
			continue
		}
		s := staged[rel]
		changes = append(changes, change{rel: rel, remove: !s.exists, content: s.content, mode: s.mode})
	}
	return changes, nil
}

func (e *Engine) transform(content string, op *patch.Operation) (string, error) {
	if op.Content != nil {
		return *op.Content, nil
	}
	var err error
	if len(op.Hunks) > 0 {
		if content, err = patch.ApplyHunks(content, op.Hunks, e.fuzz); err != nil {
			return "", fmt.Errorf("%w: %w", ErrApplyConflict, err)
		}
	}
	if len(op.Edits) > 0 {
		if content, err = patch.ApplyEdits(content, op.Edits); err != nil {
			return "", fmt.Errorf("%w: %w", ErrApplyConflict, err)
		}
	}
	return content, nil
}

func (e *Engine) write(changes []change, res *Result) error {
	for _, c := range changes {
		pre, err := e.capture(c.rel)
		if err == nil {
			err = e.commit(c)
		}
		if err != nil {
			res.Failed = append(res.Failed, Failure{Path: c.rel, Reason: err.Error()})
			res.RollbackFailures = e.restore(res.undo)
			res.undo = nil
			res.Applied = nil
			if len(res.RollbackFailures) > 0 {
				slog.Error("rollback incomplete", "root", e.root, "failures", len(res.RollbackFailures))
			}
			return fmt.Errorf("write %s: %v: %w", c.rel, err, domain.ErrPartialApply)
		}
		res.undo = append(res.undo, pre)
		res.Applied = append(res.Applied, c.rel)
	}
	return nil
}

func (e *Engine) capture(rel string) (preImage, error) {
	abs, err := e.abs(rel)
	if err != nil {
		return preImage{}, err
	}
	pre := preImage{rel: rel}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) || isNotDir(err) {
		return pre, nil
	}
	if err != nil {
		return pre, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return pre, err
	}
	pre.existed, pre.content, pre.mode = true, data, info.Mode().Perm()
	return pre, nil
}

func (e *Engine) commit(c change) error {
	abs, err := e.abs(c.rel)
	if err != nil {
		return err
	}
	if c.remove {
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeAtomic(abs, c.content, c.mode)
}

// Revert restores every path a successful Apply wrote, newest first.
func (e *Engine) Revert(res *Result) error {
	if res == nil || len(res.undo) == 0 {
		return nil
	}
	failures := e.restore(res.undo)
	res.undo = nil
	if len(failures) > 0 {
		return fmt.Errorf("revert: %d paths not restored (first %s: %s): %w",
			len(failures), failures[0].Path, failures[0].Reason, domain.ErrPartialApply)
	}
	return nil
}

func (e *Engine) restore(undo []preImage) []Failure {
	var failures []Failure
	for i := len(undo) - 1; i >= 0; i-- {
		pre := undo[i]
		abs, err := e.abs(pre.rel)
		if err == nil {
			if pre.existed {
				err = writeAtomic(abs, pre.content, pre.mode)
			} else if rerr := os.Remove(abs); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				err = rerr
			}
		}
		if err != nil {
			failures = append(failures, Failure{Path: pre.rel, Reason: err.Error()})
		}
	}
	return failures
}

// abs maps a workspace-relative path to an absolute one inside the root,
// refusing paths that escape it directly or through a symlinked directory.
func (e *Engine) abs(rel string) (string, error) {
	clean, ok := scope.Normalize(rel)
	if !ok {
		return "", fmt.Errorf("invalid workspace path %q: %w", rel, domain.ErrScopeViolation)
	}
	abs := filepath.Join(e.root, filepath.FromSlash(clean))

	dir := filepath.Dir(abs)
	for dir != e.root && len(dir) > len(e.root) {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if real != e.root && !strings.HasPrefix(real, e.root+string(filepath.Separator)) {
				return "", fmt.Errorf("path %q escapes workspace: %w", rel, domain.ErrScopeViolation)
			}
			break
		}
		dir = filepath.Dir(dir)
	}
	return abs, nil
}

func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}
