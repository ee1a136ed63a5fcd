package patch_test

import (
	"errors"
	"testing"

	"github.com/Strob0t/autopack/internal/domain"
	"github.com/Strob0t/autopack/internal/domain/patch"
)

func TestParse_GitOperations(t *testing.T) {
	raw := `diff --git a/src/a.py b/src/a.py
--- a/src/a.py
+++ b/src/a.py
@@ -1,1 +1,1 @@
-a = 1
+a = 2
diff --git a/src/old.py b/src/renamed.py
similarity index 100%
rename from src/old.py
rename to src/renamed.py
diff --git a/src/dead.py b/src/dead.py
deleted file mode 100644
--- a/src/dead.py
+++ /dev/null
@@ -1,1 +0,0 @@
-print("bye")
diff --git a/src/n.py b/src/n.py
new file mode 100644
--- /dev/null
+++ b/src/n.py
@@ -0,0 +1,2 @@
+x = 1
+y = 2
`
	ops, err := patch.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("expected 4 ops, got %d", len(ops))
	}

	want := []struct {
		typ     patch.OpType
		path    string
		oldPath string
	}{
		{patch.OpModify, "src/a.py", ""},
		{patch.OpRename, "src/renamed.py", "src/old.py"},
		{patch.OpDelete, "src/dead.py", ""},
		{patch.OpCreate, "src/n.py", ""},
	}
	for i, w := range want {
		if ops[i].Type != w.typ || ops[i].Path != w.path || ops[i].OldPath != w.oldPath {
			t.Errorf("op %d = %s %s (from %q), want %s %s (from %q)", i, ops[i].Type, ops[i].Path, ops[i].OldPath, w.typ, w.path, w.oldPath)
		}
	}
	if got := *ops[3].Content; got != "x = 1\ny = 2\n" {
		t.Fatalf("unexpected created content %q", got)
	}
	if len(ops[0].Hunks) != 1 || len(ops[0].Hunks[0].Lines) != 2 {
		t.Fatalf("unexpected hunks: %+v", ops[0].Hunks)
	}
}

func TestParse_PlainUnifiedDiff(t *testing.T) {
	raw := "--- a/docs/readme.md\t2026-01-01 00:00:00\n+++ b/docs/readme.md\t2026-01-02 00:00:00\n@@ -1 +1 @@\n-old\n+new\n"
	ops, err := patch.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ops) != 1 || ops[0].Type != patch.OpModify || ops[0].Path != "docs/readme.md" {
		t.Fatalf("unexpected ops: %+v", ops)
	}
}

func TestParse_NoNewlineMarker(t *testing.T) {
	raw := "--- a/f\n+++ b/f\n@@ -1,1 +1,1 @@\n-a\n\\ No newline at end of file\n+b\n\\ No newline at end of file\n"
	ops, err := patch.Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := ops[0].Hunks[0]
	if !h.OldNoEOL || !h.NewNoEOL {
		t.Fatalf("expected both no-EOL flags, got old=%v new=%v", h.OldNoEOL, h.NewNoEOL)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose only", "Here is the change you asked for."},
		{"hunk without file", "@@ -1,1 +1,1 @@\n-a\n+b\n"},
		{"truncated hunk", "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n"},
		{"bad header", "--- a/f\n+++ b/f\n@@ -x +y @@\n"},
		{"binary", "diff --git a/i.png b/i.png\nBinary files a/i.png and b/i.png differ\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := patch.Parse(tt.raw)
			if !errors.Is(err, domain.ErrPatchMalformed) {
				t.Fatalf("expected ErrPatchMalformed, got %v", err)
			}
		})
	}
}

func TestIsSyntheticHeaderOnly(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"two banners", "diff --git a/src/a.py b/src/a.py\ndiff --git a/src/b.py b/src/b.py\n", true},
		{"banner with blank lines", "\ndiff --git a/x b/x\n\n", true},
		{"empty", "", false},
		{"has hunk", "diff --git a/x b/x\n--- a/x\n+++ b/x\n@@ -1 +1 @@\n-a\n+b\n", false},
		{"new file declaration", "diff --git a/x b/x\nnew file mode 100644\n", false},
	}
	for _, tt := range tests {
		if got := patch.IsSyntheticHeaderOnly(tt.raw); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}
