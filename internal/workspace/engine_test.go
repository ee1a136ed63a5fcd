package workspace_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/patch"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/workspace"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func hashTree(t *testing.T, root string) map[string][32]byte {
	t.Helper()
	out := make(map[string][32]byte)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[filepath.ToSlash(rel)] = sha256.Sum256(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func sameTree(t *testing.T, before, after map[string][32]byte) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("file count changed: %d -> %d", len(before), len(after))
	}
	for p, h := range before {
		if after[p] != h {
			t.Fatalf("%s changed", p)
		}
	}
}

func newEngine(t *testing.T, root string) *workspace.Engine {
	t.Helper()
	e, err := workspace.NewEngine(root)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func str(s string) *string { return &s }

func TestNewEngine_MissingRoot(t *testing.T) {
	_, err := workspace.NewEngine(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, workspace.ErrWorkspaceMissing) {
		t.Fatalf("expected ErrWorkspaceMissing, got %v", err)
	}
}

func TestApply_ProtectedNewFileLeavesFileIntact(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/autopack/config.py", "ORIGINAL=True\n")
	e := newEngine(t, root)

	pol := &scope.Policy{Allowed: []string{"src/"}, Protected: []string{"src/autopack/config.py"}}
	ops := []patch.Operation{{Type: patch.OpCreate, Path: "src/autopack/config.py", Content: str("BROKEN=False\n")}}

	res, err := e.Apply(context.Background(), ops, pol)
	if !errors.Is(err, domain.ErrScopeViolation) {
		t.Fatalf("expected ErrScopeViolation, got %v", err)
	}
	if len(res.Denied) != 1 || res.Denied[0].Reason != scope.ReasonProtectedPath {
		t.Fatalf("expected protected_path denial, got %+v", res.Denied)
	}
	if got := readFile(t, root, "src/autopack/config.py"); got != "ORIGINAL=True\n" {
		t.Fatalf("protected file changed: %q", got)
	}
}

func TestApply_AnyDenialMeansNoChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "a = 1\n")
	writeFile(t, root, "lib/b.py", "b = 1\n")
	e := newEngine(t, root)
	before := hashTree(t, root)

	pol := &scope.Policy{Allowed: []string{"src/"}}
	ops := []patch.Operation{
		{Type: patch.OpModify, Path: "src/a.py", Content: str("a = 2\n")},
		{Type: patch.OpCreate, Path: "src/new.py", Content: str("n = 1\n")},
		{Type: patch.OpModify, Path: "lib/b.py", Content: str("b = 2\n")},
	}
	res, err := e.Apply(context.Background(), ops, pol)
	if !errors.Is(err, domain.ErrScopeViolation) {
		t.Fatalf("expected ErrScopeViolation, got %v", err)
	}
	if len(res.Applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", res.Applied)
	}
	sameTree(t, before, hashTree(t, root))
}

func TestApply_HunkMismatchMeansNoChanges(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "a = 1\n")
	writeFile(t, root, "src/b.py", "b = 1\n")
	e := newEngine(t, root)
	before := hashTree(t, root)

	ops, err := patch.Parse("--- a/src/a.py\n+++ b/src/a.py\n@@ -1 +1 @@\n-a = 1\n+a = 2\n" +
		"--- a/src/b.py\n+++ b/src/b.py\n@@ -1 +1 @@\n-not there\n+b = 2\n")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Apply(context.Background(), ops, &scope.Policy{Allowed: []string{"src/"}})
	if !errors.Is(err, workspace.ErrApplyConflict) || !errors.Is(err, patch.ErrContextMismatch) {
		t.Fatalf("expected context mismatch conflict, got %v", err)
	}
	sameTree(t, before, hashTree(t, root))
}

func TestApply_NoopModifyIsSkipped(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "a = 1\n")
	e := newEngine(t, root)
	before := hashTree(t, root)

	ops, err := patch.ParseNDJSON(`{"op_type":"modify","file_path":"src/a.py"}`)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Apply(context.Background(), ops, &scope.Policy{Allowed: []string{"src/"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "src/a.py" || len(res.Failed) != 0 {
		t.Fatalf("expected skipped, got %+v", res)
	}
	sameTree(t, before, hashTree(t, root))
}

func TestApply_UnifiedDiffAndRevert(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "line1\nline2\nline3\n")
	writeFile(t, root, "src/old.py", "old\n")
	e := newEngine(t, root)
	before := hashTree(t, root)

	raw := "diff --git a/src/a.py b/src/a.py\n--- a/src/a.py\n+++ b/src/a.py\n@@ -2,1 +2,1 @@\n-line2\n+LINE2\n" +
		"diff --git a/src/old.py b/src/old.py\ndeleted file mode 100644\n--- a/src/old.py\n+++ /dev/null\n@@ -1 +0,0 @@\n-old\n" +
		"diff --git a/src/n.py b/src/n.py\nnew file mode 100644\n--- /dev/null\n+++ b/src/n.py\n@@ -0,0 +1 @@\n+n = 1\n"
	ops, err := patch.Parse(patch.Sanitize(raw))
	if err != nil {
		t.Fatal(err)
	}
	pol := &scope.Policy{Allowed: []string{"src/"}, Baseline: map[string]bool{"src/a.py": true, "src/old.py": true}}

	res, err := e.Apply(context.Background(), ops, pol)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Applied) != 3 {
		t.Fatalf("expected 3 applied, got %v", res.Applied)
	}
	if got := readFile(t, root, "src/a.py"); got != "line1\nLINE2\nline3\n" {
		t.Fatalf("unexpected content %q", got)
	}
	if e.Exists("src/old.py") {
		t.Fatal("expected src/old.py deleted")
	}
	if got := readFile(t, root, "src/n.py"); got != "n = 1\n" {
		t.Fatalf("unexpected new file content %q", got)
	}

	if err := e.Revert(res); err != nil {
		t.Fatalf("revert: %v", err)
	}
	sameTree(t, before, hashTree(t, root))
}

func TestApply_DowngradedCreateReplacesContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "a = 1\n")
	e := newEngine(t, root)

	ops := []patch.Operation{{Type: patch.OpCreate, Path: "src/a.py", Content: str("a = 2\n")}}
	if _, err := e.Apply(context.Background(), ops, &scope.Policy{Allowed: []string{"src/"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readFile(t, root, "src/a.py"); got != "a = 2\n" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestApply_RenameKeepsMode(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bin/run.sh", "#!/bin/sh\n")
	if err := os.Chmod(filepath.Join(root, "bin/run.sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, root)

	ops := []patch.Operation{{Type: patch.OpRename, OldPath: "bin/run.sh", Path: "bin/start.sh"}}
	pol := &scope.Policy{Allowed: []string{"bin/"}, Baseline: map[string]bool{"bin/run.sh": true}}
	if _, err := e.Apply(context.Background(), ops, pol); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "bin/start.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("expected mode 0755, got %v", info.Mode().Perm())
	}
	if e.Exists("bin/run.sh") {
		t.Fatal("expected rename source removed")
	}
}

func TestApply_IOFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.py", "a = 1\n")
	// A regular file where a directory is needed makes the third write fail.
	writeFile(t, root, "blocker", "not a dir\n")
	e := newEngine(t, root)
	before := hashTree(t, root)

	ops := []patch.Operation{
		{Type: patch.OpModify, Path: "src/a.py", Content: str("a = 2\n")},
		{Type: patch.OpCreate, Path: "src/b.py", Content: str("b = 1\n")},
		{Type: patch.OpCreate, Path: "blocker/x.py", Content: str("x = 1\n")},
	}
	res, err := e.Apply(context.Background(), ops, &scope.Policy{Allowed: []string{"**"}})
	if !errors.Is(err, domain.ErrPartialApply) {
		t.Fatalf("expected ErrPartialApply, got %v", err)
	}
	if len(res.RollbackFailures) != 0 {
		t.Fatalf("unexpected rollback failures: %+v", res.RollbackFailures)
	}
	if len(res.Failed) != 1 || res.Failed[0].Path != "blocker/x.py" {
		t.Fatalf("expected failure on blocker/x.py, got %+v", res.Failed)
	}
	sameTree(t, before, hashTree(t, root))
}

func TestApply_CancelledBeforeWrite(t *testing.T) {
	root := t.TempDir()
	e := newEngine(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := []patch.Operation{{Type: patch.OpCreate, Path: "a.py", Content: str("x\n")}}
	if _, err := e.Apply(ctx, ops, &scope.Policy{Allowed: []string{"**"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if e.Exists("a.py") {
		t.Fatal("file written after cancellation")
	}
}

func TestApply_SymlinkEscapeRejected(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	e := newEngine(t, root)

	ops := []patch.Operation{{Type: patch.OpCreate, Path: "link/evil.py", Content: str("x\n")}}
	if _, err := e.Apply(context.Background(), ops, &scope.Policy{Allowed: []string{"**"}}); err == nil {
		t.Fatal("expected error writing through symlink")
	}
	if _, err := os.Stat(filepath.Join(outside, "evil.py")); !os.IsNotExist(err) {
		t.Fatal("file escaped the workspace")
	}
}
