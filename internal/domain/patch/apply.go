package patch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContextMismatch means a hunk's context could not be located within the fuzz tolerance.
	ErrContextMismatch = errors.New("hunk context does not match")
	// ErrEditTarget means an edit's match text or anchor is absent from the file.
	ErrEditTarget = errors.New("edit target not found")
)

// ApplyHunks applies hunks in order to content. Each hunk is located near its
// declared start, searching outward; fuzz allows that many leading and trailing
// context lines to be ignored when no exact match exists. CRLF files keep CRLF.
func ApplyHunks(content string, hunks []Hunk, fuzz int) (string, error) {
	crlf := strings.Contains(content, "\r\n")
	if crlf {
		content = strings.ReplaceAll(content, "\r\n", "\n")
	}
	lines, eol := splitLines(content)

	shift, floor := 0, 0
	for n := range hunks {
		h := &hunks[n]

		hint := h.OldStart - 1
		if h.OldLines == 0 {
			hint = h.OldStart
		}
		hint = clamp(hint+shift, floor, len(lines))

		maxLead, maxTrail := h.contextEdges()
		pos, lead, trail, ok := locate(lines, h.oldSide(), hint, floor, min(fuzz, maxLead), min(fuzz, maxTrail))
		if !ok {
			return "", fmt.Errorf("hunk %d (@@ -%d,%d): %w", n+1, h.OldStart, h.OldLines, ErrContextMismatch)
		}

		// Context lines are copied from the file so whitespace the match ignored survives.
		k := pos
		repl := make([]string, 0, h.NewLines)
		for _, l := range h.Lines[lead : len(h.Lines)-trail] {
			switch l.Kind {
			case LineContext:
				repl = append(repl, lines[k])
				k++
			case LineRemoved:
				k++
			case LineAdded:
				repl = append(repl, l.Text)
			}
		}

		out := make([]string, 0, len(lines)-(k-pos)+len(repl))
		out = append(out, lines[:pos]...)
		out = append(out, repl...)
		out = append(out, lines[k:]...)
		removed := k - pos
		lines = out

		end := pos + len(repl)
		if end == len(lines) && trail == 0 {
			switch {
			case h.NewNoEOL:
				eol = false
			case h.OldNoEOL:
				eol = true
			}
		}
		shift += len(repl) - removed
		floor = end
	}

	result := joinLines(lines, eol)
	if crlf {
		result = strings.ReplaceAll(result, "\n", "\r\n")
	}
	return result, nil
}

// locate finds where old occurs in lines at or after floor, nearest to hint.
// Up to maxLead leading and maxTrail trailing context lines may be dropped,
// fewest first; it returns how many were dropped on each side.
func locate(lines, old []string, hint, floor, maxLead, maxTrail int) (pos, lead, trail int, ok bool) {
	if len(old) == 0 {
		return hint, 0, 0, true
	}
	for f := 0; f <= maxLead+maxTrail; f++ {
		for _, loose := range []bool{false, true} {
			for l := 0; l <= f; l++ {
				t := f - l
				if l > maxLead || t > maxTrail || l+t >= len(old) {
					continue
				}
				if p, found := search(lines, old[l:len(old)-t], hint+l, floor, loose); found {
					return p, l, t, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

// search scans outward from hint for an exact (or trailing-whitespace-insensitive) match.
func search(lines, want []string, hint, floor int, loose bool) (int, bool) {
	last := len(lines) - len(want)
	if last < floor {
		return 0, false
	}
	hint = clamp(hint, floor, last)
	for d := 0; ; d++ {
		lo, hi := hint-d, hint+d
		if lo < floor && hi > last {
			return 0, false
		}
		if lo >= floor && matchAt(lines, want, lo, loose) {
			return lo, true
		}
		if d > 0 && hi <= last && matchAt(lines, want, hi, loose) {
			return hi, true
		}
	}
}

func matchAt(lines, want []string, pos int, loose bool) bool {
	for i, w := range want {
		got := lines[pos+i]
		if loose {
			got, w = strings.TrimRight(got, " \t"), strings.TrimRight(w, " \t")
		}
		if got != w {
			return false
		}
	}
	return true
}

// contextEdges counts the unchanged lines at the start and end of the hunk.
func (h *Hunk) contextEdges() (lead, trail int) {
	for _, l := range h.Lines {
		if l.Kind != LineContext {
			break
		}
		lead++
	}
	if lead == len(h.Lines) {
		return lead, 0
	}
	for i := len(h.Lines) - 1; i >= 0 && h.Lines[i].Kind == LineContext; i-- {
		trail++
	}
	return lead, trail
}

// ApplyEdits applies structured NDJSON edits to content in order.
func ApplyEdits(content string, edits []Edit) (string, error) {
	for i, e := range edits {
		switch e.Type {
		case EditReplace:
			if !strings.Contains(content, e.Match) {
				return "", fmt.Errorf("edit %d: replace: %w", i+1, ErrEditTarget)
			}
			content = strings.Replace(content, e.Match, e.Text, 1)
		case EditAppend:
			if content != "" && !strings.HasSuffix(content, "\n") {
				content += "\n"
			}
			content += e.Text
		case EditPrepend:
			text := e.Text
			if text != "" && !strings.HasSuffix(text, "\n") && content != "" {
				text += "\n"
			}
			content = text + content
		case EditInsertAfter:
			idx := strings.Index(content, e.Match)
			if idx < 0 {
				return "", fmt.Errorf("edit %d: insert_after: %w", i+1, ErrEditTarget)
			}
			at := idx + len(e.Match)
			if nl := strings.IndexByte(content[at:], '\n'); nl >= 0 {
				at += nl + 1
			} else {
				content += "\n"
				at = len(content)
			}
			text := e.Text
			if text != "" && !strings.HasSuffix(text, "\n") && at < len(content) {
				text += "\n"
			}
			content = content[:at] + text + content[at:]
		default:
			return "", fmt.Errorf("edit %d: unknown type %q", i+1, e.Type)
		}
	}
	return content, nil
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, true
	}
	eol := strings.HasSuffix(content, "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n"), eol
}

func joinLines(lines []string, eol bool) string {
	if len(lines) == 0 {
		return ""
	}
	s := strings.Join(lines, "\n")
	if eol {
		s += "\n"
	}
	return s
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}
