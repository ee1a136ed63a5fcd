package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/scope"
	"github.com/Strob0t/autopack/internal/service"
	"github.com/Strob0t/autopack/internal/workspace"
)

func newTestWorkspace(t *testing.T, files map[string]string) (string, *workspace.Engine) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	eng, err := workspace.NewEngine(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, eng
}

func mustRead(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func applyErrorKind(t *testing.T, err error) service.ApplyErrorKind {
	t.Helper()
	var ae *service.ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *ApplyError, got %T: %v", err, err)
	}
	return ae.Kind
}

func TestGovernedApply_ProtectedNewFileRejected(t *testing.T) {
	root, eng := newTestWorkspace(t, map[string]string{"src/autopack/config.py": "ORIGINAL=True\n"})
	g := service.NewGovernedApplier(eng, &scope.Policy{
		Allowed:   []string{"src/"},
		Protected: []string{"src/autopack/config.py"},
	})

	raw := "diff --git a/src/autopack/config.py b/src/autopack/config.py\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/src/autopack/config.py\n" +
		"@@ -0,0 +1 @@\n" +
		"+BROKEN=False\n"

	ok, err := g.ApplyPatch(context.Background(), raw, false)
	if ok {
		t.Fatal("expected ok=false")
	}
	if kind := applyErrorKind(t, err); kind != service.ApplyErrScopeViolation {
		t.Fatalf("expected scope_violation, got %s", kind)
	}
	if !errors.Is(err, domain.ErrScopeViolation) {
		t.Fatalf("expected ErrScopeViolation in chain, got %v", err)
	}
	if got := mustRead(t, root, "src/autopack/config.py"); got != "ORIGINAL=True\n" {
		t.Fatalf("protected file modified: %q", got)
	}
}

func TestGovernedApply_HeaderOnlyIsAlreadyApplied(t *testing.T) {
	_, eng := newTestWorkspace(t, map[string]string{"src/a.py": "a\n", "src/b.py": "b\n"})
	g := service.NewGovernedApplier(eng, &scope.Policy{Allowed: []string{"src/"}})

	raw := "diff --git a/src/a.py b/src/a.py\n\ndiff --git a/src/b.py b/src/b.py\n"
	out, err := g.Apply(context.Background(), raw, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.AlreadyApplied {
		t.Fatal("expected AlreadyApplied")
	}
}

func TestGovernedApply_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		fullFile bool
		want     service.ApplyErrorKind
	}{
		{"empty", "  \n", false, service.ApplyErrPatchMalformed},
		{"prose", "I could not produce a patch.", false, service.ApplyErrPatchMalformed},
		{"outside scope", "--- a/lib/x.py\n+++ b/lib/x.py\n@@ -1 +1 @@\n-x\n+y\n", false, service.ApplyErrScopeViolation},
		{"context mismatch", "--- a/src/a.py\n+++ b/src/a.py\n@@ -1 +1 @@\n-nope\n+yes\n", false, service.ApplyErrApplyFailed},
		{"ndjson outside scope", `{"op":"create","path":"docs/new.md","content":"x"}`, true, service.ApplyErrScopeViolation},
		{"ndjson delete untouched", `{"op":"delete","path":"src/unseen.py"}`, true, service.ApplyErrScopeViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, eng := newTestWorkspace(t, map[string]string{"src/a.py": "a\n", "src/unseen.py": "u\n", "lib/x.py": "x\n"})
			g := service.NewGovernedApplier(eng, &scope.Policy{
				Allowed:  []string{"src/"},
				Baseline: map[string]bool{"src/a.py": true},
			})
			ok, err := g.ApplyPatch(context.Background(), tt.raw, tt.fullFile)
			if ok || err == nil {
				t.Fatal("expected rejection")
			}
			if kind := applyErrorKind(t, err); kind != tt.want {
				t.Fatalf("kind = %s, want %s (%v)", kind, tt.want, err)
			}
			if got := mustRead(t, root, "src/a.py"); got != "a\n" {
				t.Fatalf("src/a.py changed: %q", got)
			}
			if got := mustRead(t, root, "lib/x.py"); got != "x\n" {
				t.Fatalf("lib/x.py changed: %q", got)
			}
		})
	}
}

func TestGovernedApply_NDJSONCreateThenDeleteOwnFile(t *testing.T) {
	root, eng := newTestWorkspace(t, map[string]string{"src/a.py": "a\n"})
	g := service.NewGovernedApplier(eng, &scope.Policy{Allowed: []string{"src/"}})
	ctx := context.Background()

	if ok, err := g.ApplyPatch(ctx, `{"op":"create","path":"src/new.py","content":"n = 1\n"}`, true); !ok {
		t.Fatalf("create failed: %v", err)
	}
	if got := mustRead(t, root, "src/new.py"); got != "n = 1\n" {
		t.Fatalf("unexpected content %q", got)
	}
	// Files the phase created itself may be deleted later in the phase.
	if ok, err := g.ApplyPatch(ctx, `{"op":"delete","path":"src/new.py"}`, true); !ok {
		t.Fatalf("delete failed: %v", err)
	}
	if eng.Exists("src/new.py") {
		t.Fatal("expected src/new.py deleted")
	}
}

func TestGovernedApply_Revert(t *testing.T) {
	root, eng := newTestWorkspace(t, map[string]string{"src/a.py": "line1\nline2\n"})
	g := service.NewGovernedApplier(eng, &scope.Policy{Allowed: []string{"src/"}})

	out, err := g.Apply(context.Background(), "--- a/src/a.py\n+++ b/src/a.py\n@@ -1,2 +1,2 @@\n line1\n-line2\n+LINE2\n", false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := mustRead(t, root, "src/a.py"); got != "line1\nLINE2\n" {
		t.Fatalf("unexpected content %q", got)
	}
	if err := g.Revert(out); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got := mustRead(t, root, "src/a.py"); got != "line1\nline2\n" {
		t.Fatalf("revert did not restore content: %q", got)
	}
}

func TestGovernedApply_ExemptionAllowsApprovedPath(t *testing.T) {
	root, eng := newTestWorkspace(t, map[string]string{"lib/x.py": "x\n"})
	pol := &scope.Policy{Allowed: []string{"src/"}}
	g := service.NewGovernedApplier(eng, pol)
	raw := `{"op":"modify","path":"lib/x.py","content":"y\n"}`

	if ok, _ := g.ApplyPatch(context.Background(), raw, true); ok {
		t.Fatal("expected denial before exemption")
	}
	pol.Exemptions = map[string]bool{"lib/x.py": true}
	if ok, err := g.ApplyPatch(context.Background(), raw, true); !ok {
		t.Fatalf("expected apply after exemption: %v", err)
	}
	if got := mustRead(t, root, "lib/x.py"); got != "y\n" {
		t.Fatalf("unexpected content %q", got)
	}
}
