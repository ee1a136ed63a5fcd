package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/autopack/internal/domain/plan"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/port/cache"
	"github.com/Strob0t/autopack/internal/port/filecontext"
)

// skipDirs are never descended into when collecting context.
var skipDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
}

// ContextLoader collects the in-scope files of a workspace for a phase.
// File contents go through an injected bounded cache keyed by path, mtime
// and size, so an edited file is never served stale.
type ContextLoader struct {
	cache         cache.Cache
	ttl           time.Duration
	maxFileBytes  int64
	maxTotalBytes int64
}

// NewContextLoader creates a ContextLoader. A nil cache disables caching;
// zero limits are unlimited.
func NewContextLoader(c cache.Cache, ttl time.Duration, maxFileBytes, maxTotalBytes int64) *ContextLoader {
	return &ContextLoader{cache: c, ttl: ttl, maxFileBytes: maxFileBytes, maxTotalBytes: maxTotalBytes}
}

var _ filecontext.Loader = (*ContextLoader)(nil)

// Load walks the workspace and returns every file matching the phase scope
// that is not protected. Deliverables are loaded first when the total budget
// is tight.
func (l *ContextLoader) Load(ctx context.Context, workspace string, phase *plan.Phase, protected []string) (*filecontext.FileContext, error) {
	fc := &filecontext.FileContext{
		Files:    make(map[string]string),
		Baseline: make(map[string]bool),
	}
	patterns := phase.Scope.Paths
	if len(patterns) == 0 {
		return fc, nil
	}

	type candidate struct {
		rel  string
		abs  string
		info fs.FileInfo
	}
	var found []candidate

	err := filepath.WalkDir(workspace, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == workspace {
				return walkErr
			}
			return nil //nolint:nilerr // skip unreadable entries
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(workspace, p)
		if err != nil || rel == "." {
			return nil //nolint:nilerr // root or unrelatable entry
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[d.Name()] || !mayContainMatch(rel, patterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !inScope(rel, patterns) || isProtected(rel, protected) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished during walk
		}
		found = append(found, candidate{rel: rel, abs: p, info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace %s: %w", workspace, err)
	}

	deliverable := make(map[string]bool, len(phase.Scope.Deliverables))
	for _, d := range phase.Scope.Deliverables {
		if n, ok := scope.Normalize(d); ok {
			deliverable[n] = true
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		di, dj := deliverable[found[i].rel], deliverable[found[j].rel]
		if di != dj {
			return di
		}
		return found[i].rel < found[j].rel
	})

	for _, c := range found {
		fc.Baseline[c.rel] = true
		size := c.info.Size()
		if l.maxFileBytes > 0 && size > l.maxFileBytes {
			fc.Omitted = append(fc.Omitted, c.rel)
			continue
		}
		if l.maxTotalBytes > 0 && int64(fc.TotalBytes)+size > l.maxTotalBytes {
			fc.Omitted = append(fc.Omitted, c.rel)
			continue
		}
		data, err := l.read(ctx, c.abs, c.info)
		if err != nil {
			slog.Warn("context file unreadable", "path", c.rel, "error", err)
			fc.Omitted = append(fc.Omitted, c.rel)
			continue
		}
		if isBinary(data) {
			fc.Omitted = append(fc.Omitted, c.rel)
			continue
		}
		fc.Files[c.rel] = string(data)
		fc.TotalBytes += len(data)
	}

	slog.Debug("file context loaded", "phase_id", phase.ID, "files", len(fc.Files), "omitted", len(fc.Omitted), "bytes", fc.TotalBytes)
	return fc, nil
}

func (l *ContextLoader) read(ctx context.Context, abs string, info fs.FileInfo) ([]byte, error) {
	if l.cache == nil {
		return os.ReadFile(abs) //nolint:gosec // path comes from walking the workspace
	}
	key := contentKey(abs, info)
	if data, ok, err := l.cache.Get(ctx, key); err == nil && ok {
		return data, nil
	}
	data, err := os.ReadFile(abs) //nolint:gosec // path comes from walking the workspace
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, key, data, l.ttl); err != nil {
		slog.Debug("content cache set failed", "error", err)
	}
	return data, nil
}

// contentKey identifies one version of a file. It is a hex digest so it is a
// valid key for every cache backend.
func contentKey(abs string, info fs.FileInfo) string {
	h := sha256.New()
	h.Write([]byte(abs))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(info.ModTime().UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	return "content." + hex.EncodeToString(h.Sum(nil))
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}

func inScope(rel string, patterns []string) bool {
	for _, p := range patterns {
		if scope.Match(p, rel) {
			return true
		}
	}
	return false
}

func isProtected(rel string, protected []string) bool {
	return inScope(rel, protected)
}

// mayContainMatch reports whether a directory can hold a path matching any
// pattern, judged by the literal prefix of each pattern.
func mayContainMatch(dir string, patterns []string) bool {
	for _, p := range patterns {
		prefix := literalPrefix(p)
		if prefix == "" {
			return true
		}
		if strings.HasPrefix(dir+"/", prefix+"/") || strings.HasPrefix(prefix+"/", dir+"/") {
			return true
		}
	}
	return false
}

// literalPrefix returns the leading path segments of a pattern that contain
// no glob characters.
func literalPrefix(pattern string) string {
	pattern = strings.Trim(strings.TrimPrefix(strings.ReplaceAll(pattern, `\`, "/"), "./"), "/")
	var segs []string
	for _, seg := range strings.Split(pattern, "/") {
		if strings.ContainsAny(seg, "*?[") {
			break
		}
		segs = append(segs, seg)
	}
	return path.Join(segs...)
}
