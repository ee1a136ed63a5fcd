package patch

import (
	"fmt"
	"strings"

	"github.com/Strob0t/autopack/internal/domain"
)

const devNull = "/dev/null"

// fileDiff accumulates one file's headers and hunks while parsing.
type fileDiff struct {
	git        bool
	gitOld     string
	gitNew     string
	oldHeader  string
	newHeader  string
	sawHeaders bool
	newFile    bool
	deleted    bool
	renameFrom string
	renameTo   string
	hunks      []Hunk
}

// Parse turns unified diff text into per-file operations. Input is expected to
// have gone through Sanitize; hunk bodies are read strictly by their header counts.
// Text outside file sections is ignored. Errors wrap domain.ErrPatchMalformed.
func Parse(text string) ([]Operation, error) {
	lines := strings.Split(normalizeLineEndings(text), "\n")

	var (
		ops []Operation
		cur *fileDiff
	)
	flush := func() error {
		if cur == nil {
			return nil
		}
		op, err := cur.operation()
		if err != nil {
			return err
		}
		ops = append(ops, op)
		cur = nil
		return nil
	}

	for i := 0; i < len(lines); {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			if err := flush(); err != nil {
				return nil, err
			}
			a, b, _ := parseGitLine(line)
			cur = &fileDiff{git: true, gitOld: a, gitNew: b}
			i++

		case cur != nil && cur.git && len(cur.hunks) == 0 && !cur.sawHeaders && isGitMetaLine(line):
			cur.applyMeta(line)
			i++

		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			if cur == nil || cur.sawHeaders || len(cur.hunks) > 0 {
				if err := flush(); err != nil {
					return nil, err
				}
				cur = &fileDiff{}
			}
			cur.oldHeader = headerPath(line[4:])
			cur.newHeader = headerPath(lines[i+1][4:])
			cur.sawHeaders = true
			i += 2

		case strings.HasPrefix(line, "@@"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: hunk outside a file section: %w", i+1, domain.ErrPatchMalformed)
			}
			h, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			cur.hunks = append(cur.hunks, h)
			i = next

		case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
			return nil, fmt.Errorf("line %d: binary patches are not supported: %w", i+1, domain.ErrPatchMalformed)

		default:
			i++
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("no file operations found: %w", domain.ErrPatchMalformed)
	}
	return ops, nil
}

func isGitMetaLine(l string) bool {
	return isExtendedHeader(l) && !strings.HasPrefix(l, "--- ") && !strings.HasPrefix(l, "+++ ")
}

func (f *fileDiff) applyMeta(line string) {
	switch {
	case strings.HasPrefix(line, "new file mode "):
		f.newFile = true
	case strings.HasPrefix(line, "deleted file mode "):
		f.deleted = true
	case strings.HasPrefix(line, "rename from "):
		f.renameFrom = unquote(strings.TrimPrefix(line, "rename from "))
	case strings.HasPrefix(line, "rename to "):
		f.renameTo = unquote(strings.TrimPrefix(line, "rename to "))
	}
}

func (f *fileDiff) operation() (Operation, error) {
	oldPath, newPath := f.gitOld, f.gitNew
	if f.sawHeaders {
		if f.oldHeader != devNull && (oldPath == "" || !f.git) {
			oldPath = f.oldHeader
		}
		if f.newHeader != devNull && (newPath == "" || !f.git) {
			newPath = f.newHeader
		}
	}
	if f.renameFrom != "" {
		oldPath = f.renameFrom
	}
	if f.renameTo != "" {
		newPath = f.renameTo
	}

	creating := f.newFile || (f.sawHeaders && f.oldHeader == devNull)
	deleting := f.deleted || (f.sawHeaders && f.newHeader == devNull)

	var op Operation
	switch {
	case creating && deleting:
		return op, fmt.Errorf("file %q declared both added and deleted: %w", newPath, domain.ErrPatchMalformed)
	case creating:
		op = Operation{Type: OpCreate, Path: newPath, Content: strPtr(createdContent(f.hunks))}
	case deleting:
		op = Operation{Type: OpDelete, Path: oldPath}
	case f.renameFrom != "" || f.renameTo != "":
		op = Operation{Type: OpRename, Path: newPath, OldPath: oldPath, Hunks: f.hunks}
	default:
		op = Operation{Type: OpModify, Path: newPath, Hunks: f.hunks}
	}
	if op.Path == "" || (op.Type == OpRename && op.OldPath == "") {
		return op, fmt.Errorf("file section without a path: %w", domain.ErrPatchMalformed)
	}
	return op, nil
}

// createdContent rebuilds a new file's content from its hunks.
func createdContent(hunks []Hunk) string {
	var b strings.Builder
	noEOL := false
	for _, h := range hunks {
		for _, l := range h.Lines {
			if l.Kind == LineRemoved {
				continue
			}
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
		noEOL = h.NewNoEOL
	}
	s := b.String()
	if noEOL {
		s = strings.TrimSuffix(s, "\n")
	}
	return s
}

// parseHunk reads the hunk whose header is at lines[i] and returns the index after it.
func parseHunk(lines []string, i int) (Hunk, int, error) {
	m := hunkHeaderRe.FindStringSubmatch(lines[i])
	if m == nil {
		return Hunk{}, i, fmt.Errorf("line %d: invalid hunk header %q: %w", i+1, lines[i], domain.ErrPatchMalformed)
	}
	h := Hunk{
		OldStart: atoi(m[1]),
		OldLines: countOrOne(m[2]),
		NewStart: atoi(m[3]),
		NewLines: countOrOne(m[4]),
		Section:  strings.TrimSpace(m[5]),
	}

	oldLeft, newLeft := h.OldLines, h.NewLines
	j := i + 1
	for oldLeft > 0 || newLeft > 0 {
		if j >= len(lines) {
			return h, j, fmt.Errorf("hunk at line %d truncated: %w", i+1, domain.ErrPatchMalformed)
		}
		l := lines[j]
		kind := LineContext
		text := ""
		if l != "" {
			kind, text = LineKind(l[0]), l[1:]
		}
		switch kind {
		case LineContext:
			oldLeft--
			newLeft--
		case LineRemoved:
			oldLeft--
		case LineAdded:
			newLeft--
		case '\\':
			h.markNoEOL()
			j++
			continue
		default:
			return h, j, fmt.Errorf("line %d: unexpected line in hunk body: %w", j+1, domain.ErrPatchMalformed)
		}
		if oldLeft < 0 || newLeft < 0 {
			return h, j, fmt.Errorf("hunk at line %d: body does not match header counts: %w", i+1, domain.ErrPatchMalformed)
		}
		h.Lines = append(h.Lines, Line{Kind: kind, Text: text})
		j++
	}
	if j < len(lines) && strings.HasPrefix(lines[j], `\`) {
		h.markNoEOL()
		j++
	}
	return h, j, nil
}

func (h *Hunk) markNoEOL() {
	if len(h.Lines) == 0 {
		return
	}
	switch h.Lines[len(h.Lines)-1].Kind {
	case LineRemoved:
		h.OldNoEOL = true
	case LineAdded:
		h.NewNoEOL = true
	default:
		h.OldNoEOL = true
		h.NewNoEOL = true
	}
}

// IsSyntheticHeaderOnly reports whether text is only "diff --git" banner lines
// with no headers or hunks. Such patches record changes already written
// through full-file operations and must not be re-applied.
func IsSyntheticHeaderOnly(text string) bool {
	banners := 0
	for _, l := range strings.Split(normalizeLineEndings(text), "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !strings.HasPrefix(l, "diff --git ") {
			return false
		}
		banners++
	}
	return banners > 0
}
