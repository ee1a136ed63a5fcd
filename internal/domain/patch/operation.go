// Package patch parses LLM-produced unified diffs and NDJSON operation lists
// into per-file operations and applies hunks and edits to in-memory content.
package patch

// OpType is the kind of filesystem change an operation performs.
type OpType string

const (
	OpCreate OpType = "create"
	OpModify OpType = "modify"
	OpDelete OpType = "delete"
	OpRename OpType = "rename"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpModify, OpDelete, OpRename:
		return true
	}
	return false
}

// LineKind marks a hunk body line as context, removal or addition.
type LineKind byte

const (
	LineContext LineKind = ' '
	LineRemoved LineKind = '-'
	LineAdded   LineKind = '+'
)

// Line is one body line of a hunk, without its prefix.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is one "@@ -a,b +c,d @@" block of a unified diff.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Section  string
	Lines    []Line

	// OldNoEOL and NewNoEOL record a "\ No newline at end of file" marker
	// on the old or new side of the hunk's last line.
	OldNoEOL bool
	NewNoEOL bool
}

func (h *Hunk) oldSide() []string {
	out := make([]string, 0, h.OldLines)
	for _, l := range h.Lines {
		if l.Kind != LineAdded {
			out = append(out, l.Text)
		}
	}
	return out
}

// EditType is a structured in-place edit carried by an NDJSON modify record.
type EditType string

const (
	EditReplace     EditType = "replace"
	EditAppend      EditType = "append"
	EditPrepend     EditType = "prepend"
	EditInsertAfter EditType = "insert_after"
)

// Edit is one structured change to a file's content.
// Match is the text to replace (replace) or the anchor (insert_after).
type Edit struct {
	Type  EditType
	Match string
	Text  string
}

// Operation is one unit of filesystem change extracted from a patch.
type Operation struct {
	Type OpType
	Path string
	// OldPath is the rename source.
	OldPath string
	// Content is whole-file content. Nil means the operation carries none.
	Content *string
	Hunks   []Hunk
	Edits   []Edit
}

// IsEmpty reports whether a modify carries nothing to change.
func (o *Operation) IsEmpty() bool {
	return o.Content == nil && len(o.Hunks) == 0 && len(o.Edits) == 0
}

// Paths returns every workspace path the operation touches.
func (o *Operation) Paths() []string {
	if o.Type == OpRename && o.OldPath != "" {
		return []string{o.OldPath, o.Path}
	}
	return []string{o.Path}
}

func strPtr(s string) *string { return &s }
