package patch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/autopack/internal/domain"
)

type ndjsonRecord struct {
	OpType     string       `json:"op_type"`
	Op         string       `json:"op"`
	Type       string       `json:"type"`
	FilePath   string       `json:"file_path"`
	Path       string       `json:"path"`
	OldPath    string       `json:"old_path"`
	Content    *string      `json:"content"`
	Operations []ndjsonEdit `json:"operations"`
}

type ndjsonEdit struct {
	Type    string `json:"type"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Anchor  string `json:"anchor"`
	Content string `json:"content"`
}

var opAliases = map[string]OpType{
	"create": OpCreate, "add": OpCreate, "new": OpCreate,
	"modify": OpModify, "update": OpModify, "edit": OpModify, "write": OpModify,
	"delete": OpDelete, "remove": OpDelete,
	"rename": OpRename, "move": OpRename,
}

// LooksLikeNDJSON reports whether the first meaningful line of text is a JSON object.
func LooksLikeNDJSON(text string) bool {
	for _, l := range strings.Split(normalizeLineEndings(text), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "```") {
			continue
		}
		return strings.HasPrefix(l, "{")
	}
	return false
}

// ParseNDJSON decodes one JSON operation record per line. Blank lines, code
// fences and records without a path (metadata) are skipped. Any undecodable
// line rejects the whole list so a truncated stream is never half-applied.
func ParseNDJSON(text string) ([]Operation, error) {
	var ops []Operation
	for n, l := range strings.Split(normalizeLineEndings(text), "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "```") {
			continue
		}
		var rec ndjsonRecord
		if err := json.Unmarshal([]byte(l), &rec); err != nil {
			return nil, fmt.Errorf("ndjson line %d: %v: %w", n+1, err, domain.ErrPatchMalformed)
		}
		op, ok, err := rec.operation()
		if err != nil {
			return nil, fmt.Errorf("ndjson line %d: %w", n+1, err)
		}
		if ok {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no ndjson operations found: %w", domain.ErrPatchMalformed)
	}
	return ops, nil
}

func (r *ndjsonRecord) operation() (Operation, bool, error) {
	path := firstNonEmpty(r.FilePath, r.Path)
	name := strings.ToLower(firstNonEmpty(r.OpType, r.Op))
	if name == "" && opAliases[strings.ToLower(r.Type)] != "" {
		name = strings.ToLower(r.Type)
	}
	if path == "" {
		return Operation{}, false, nil
	}

	var typ OpType
	switch {
	case name != "":
		t, ok := opAliases[name]
		if !ok {
			return Operation{}, false, fmt.Errorf("unknown op_type %q for %s: %w", name, path, domain.ErrPatchMalformed)
		}
		typ = t
	case r.Content != nil:
		typ = OpCreate
	default:
		typ = OpModify
	}

	op := Operation{Type: typ, Path: path, OldPath: r.OldPath}
	switch typ {
	case OpCreate:
		content := ""
		if r.Content != nil {
			content = *r.Content
		}
		op.Content = &content
	case OpModify:
		// An empty content string on modify is degenerate output, not a request to truncate.
		if r.Content != nil && *r.Content != "" {
			op.Content = r.Content
		}
		for _, e := range r.Operations {
			edit, err := e.edit()
			if err != nil {
				return Operation{}, false, fmt.Errorf("%s: %w", path, err)
			}
			op.Edits = append(op.Edits, edit)
		}
	case OpRename:
		if op.OldPath == "" {
			return Operation{}, false, fmt.Errorf("rename of %s without old_path: %w", path, domain.ErrPatchMalformed)
		}
		if r.Content != nil {
			op.Content = r.Content
		}
	}
	return op, true, nil
}

func (e *ndjsonEdit) edit() (Edit, error) {
	switch EditType(strings.ToLower(e.Type)) {
	case EditReplace:
		if e.Old == "" {
			return Edit{}, fmt.Errorf("replace edit without old text: %w", domain.ErrPatchMalformed)
		}
		return Edit{Type: EditReplace, Match: e.Old, Text: firstNonEmpty(e.New, e.Content)}, nil
	case EditAppend:
		return Edit{Type: EditAppend, Text: firstNonEmpty(e.Content, e.New)}, nil
	case EditPrepend:
		return Edit{Type: EditPrepend, Text: firstNonEmpty(e.Content, e.New)}, nil
	case EditInsertAfter:
		anchor := firstNonEmpty(e.Anchor, e.Old)
		if anchor == "" {
			return Edit{}, fmt.Errorf("insert_after edit without anchor: %w", domain.ErrPatchMalformed)
		}
		return Edit{Type: EditInsertAfter, Match: anchor, Text: firstNonEmpty(e.Content, e.New)}, nil
	}
	return Edit{}, fmt.Errorf("unknown edit type %q: %w", e.Type, domain.ErrPatchMalformed)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
