package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const noNewlineMarker = `\ No newline at end of file`

var (
	hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)
	looseOldRe   = regexp.MustCompile(`-(\d+)(?:,(\d*))?`)
	looseNewRe   = regexp.MustCompile(`\+(\d+)(?:,(\d*))?`)
)

// Sanitize repairs the defects LLMs commonly introduce into unified diffs.
// It never fails: text it cannot repair is returned as-is for the parser to reject.
// A well-formed patch is returned unchanged.
//
// Repairs, in order: line endings and BOM, ---/+++ headers that disagree with
// the diff --git line, add/delete declarations without hunks, and hunk headers
// whose line counts do not match their bodies.
func Sanitize(raw string) string {
	lines := strings.Split(normalizeLineEndings(raw), "\n")
	lines = reconcileFileHeaders(lines)
	lines = fillEmptyFileDiffs(lines)
	lines = repairHunkHeaders(lines)
	return strings.Join(lines, "\n")
}

func normalizeLineEndings(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	if strings.Contains(s, "\r") {
		s = strings.ReplaceAll(s, "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "\n")
	}
	return s
}

// gitSection is the line range [start, end) of one "diff --git" block.
// headerEnd is the index of the first line after its extended headers.
type gitSection struct {
	start, end, headerEnd int
	oldPath, newPath      string
	prefixed              bool
}

func splitGitSections(lines []string) []gitSection {
	var out []gitSection
	for i, l := range lines {
		if !strings.HasPrefix(l, "diff --git ") {
			continue
		}
		if n := len(out); n > 0 {
			out[n-1].end = i
		}
		a, b, prefixed := parseGitLine(l)
		out = append(out, gitSection{start: i, end: len(lines), oldPath: a, newPath: b, prefixed: prefixed})
	}
	for k := range out {
		j := out[k].start + 1
		for j < out[k].end && isExtendedHeader(lines[j]) {
			j++
		}
		out[k].headerEnd = j
	}
	return out
}

// parseGitLine splits "diff --git a/X b/Y" into X and Y. When the names contain
// spaces it prefers the split that makes both sides equal.
func parseGitLine(line string) (oldPath, newPath string, prefixed bool) {
	rest := strings.TrimPrefix(line, "diff --git ")
	if strings.HasPrefix(rest, "a/") {
		var candidates []int
		for i := 0; i+3 <= len(rest); i++ {
			if rest[i:i+3] == " b/" {
				candidates = append(candidates, i)
			}
		}
		for _, i := range candidates {
			if rest[2:i] == rest[i+3:] {
				return rest[2:i], rest[i+3:], true
			}
		}
		if n := len(candidates); n > 0 {
			i := candidates[n-1]
			return rest[2:i], rest[i+3:], true
		}
	}
	a, b, ok := strings.Cut(rest, " ")
	if !ok {
		return "", "", false
	}
	return unquote(a), unquote(b), false
}

var extendedHeaderPrefixes = []string{
	"old mode ", "new mode ", "deleted file mode ", "new file mode ",
	"copy from ", "copy to ", "rename from ", "rename to ",
	"similarity index ", "dissimilarity index ", "index ", "--- ", "+++ ",
}

func isExtendedHeader(l string) bool {
	for _, p := range extendedHeaderPrefixes {
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	return false
}

func sectionHas(lines []string, from, to int, prefix string) (string, bool) {
	for i := from; i < to; i++ {
		if strings.HasPrefix(lines[i], prefix) {
			return strings.TrimPrefix(lines[i], prefix), true
		}
	}
	return "", false
}

// headerPath extracts the path from the value of a ---/+++ line.
func headerPath(v string) string {
	if i := strings.IndexByte(v, '\t'); i >= 0 {
		v = v[:i]
	}
	v = unquote(strings.TrimSpace(v))
	if v == devNull {
		return v
	}
	if strings.HasPrefix(v, "a/") || strings.HasPrefix(v, "b/") {
		return v[2:]
	}
	return v
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}

func reconcileFileHeaders(lines []string) []string {
	for _, sec := range splitGitSections(lines) {
		if sec.oldPath == "" || sec.newPath == "" {
			continue
		}
		_, newFile := sectionHas(lines, sec.start+1, sec.headerEnd, "new file mode ")
		_, deleted := sectionHas(lines, sec.start+1, sec.headerEnd, "deleted file mode ")
		wantOld, wantNew := sec.oldPath, sec.newPath
		if from, ok := sectionHas(lines, sec.start+1, sec.headerEnd, "rename from "); ok {
			wantOld = from
		}
		if to, ok := sectionHas(lines, sec.start+1, sec.headerEnd, "rename to "); ok {
			wantNew = to
		}
		if newFile {
			wantOld = devNull
		}
		if deleted {
			wantNew = devNull
		}

		for i := sec.start + 1; i < sec.headerEnd; i++ {
			switch {
			case strings.HasPrefix(lines[i], "--- "):
				if got := headerPath(lines[i][4:]); got != wantOld && (got != devNull || newFile) {
					lines[i] = "--- " + headerValue(wantOld, "a/", sec.prefixed)
				}
			case strings.HasPrefix(lines[i], "+++ "):
				if got := headerPath(lines[i][4:]); got != wantNew && (got != devNull || deleted) {
					lines[i] = "+++ " + headerValue(wantNew, "b/", sec.prefixed)
				}
			}
		}
	}
	return lines
}

func headerValue(path, prefix string, prefixed bool) string {
	if path == devNull || !prefixed {
		return path
	}
	return prefix + path
}

func fillEmptyFileDiffs(lines []string) []string {
	sections := splitGitSections(lines)
	// Walk backwards so insertions do not shift sections still to be visited.
	for k := len(sections) - 1; k >= 0; k-- {
		sec := sections[k]
		_, newFile := sectionHas(lines, sec.start+1, sec.headerEnd, "new file mode ")
		_, deleted := sectionHas(lines, sec.start+1, sec.headerEnd, "deleted file mode ")
		if !newFile && !deleted {
			continue
		}
		if _, ok := sectionHas(lines, sec.start+1, sec.end, "@@"); ok {
			continue
		}
		if _, ok := sectionHas(lines, sec.start+1, sec.end, "Binary files "); ok {
			continue
		}
		if _, ok := sectionHas(lines, sec.start+1, sec.end, "GIT binary patch"); ok {
			continue
		}

		var ins []string
		_, hasOld := sectionHas(lines, sec.start+1, sec.headerEnd, "--- ")
		_, hasNew := sectionHas(lines, sec.start+1, sec.headerEnd, "+++ ")
		if newFile {
			if !hasOld {
				ins = append(ins, "--- "+devNull)
			}
			if !hasNew {
				ins = append(ins, "+++ "+headerValue(sec.newPath, "b/", sec.prefixed))
			}
			ins = append(ins, "@@ -0,0 +1,1 @@", "+", noNewlineMarker)
		} else {
			if !hasOld {
				ins = append(ins, "--- "+headerValue(sec.oldPath, "a/", sec.prefixed))
			}
			if !hasNew {
				ins = append(ins, "+++ "+devNull)
			}
			ins = append(ins, "@@ -1,1 +0,0 @@", "-", noNewlineMarker)
		}

		out := make([]string, 0, len(lines)+len(ins))
		out = append(out, lines[:sec.headerEnd]...)
		out = append(out, ins...)
		out = append(out, lines[sec.headerEnd:]...)
		lines = out
	}
	return lines
}

func repairHunkHeaders(lines []string) []string {
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "@@") {
			continue
		}
		end := hunkBodyEnd(lines, i+1)
		oldN, newN, blanks := countBody(lines[i+1 : end])
		lines[i] = fixHunkHeader(lines[i], oldN, newN, blanks)
		i = end - 1
	}
	return lines
}

// hunkBodyEnd returns the index of the first line after the body starting at j.
func hunkBodyEnd(lines []string, j int) int {
	for ; j < len(lines); j++ {
		l := lines[j]
		if strings.HasPrefix(l, "@@") || strings.HasPrefix(l, "diff --git ") {
			return j
		}
		if strings.HasPrefix(l, "--- ") && j+1 < len(lines) && strings.HasPrefix(lines[j+1], "+++ ") {
			return j
		}
		if l == "" {
			continue
		}
		switch l[0] {
		case ' ', '-', '+', '\\':
			continue
		}
		return j
	}
	return j
}

// countBody counts old-side and new-side lines. Empty lines count as context
// (LLMs often strip the leading space). blanks is the number of trailing empty lines.
func countBody(body []string) (oldN, newN, blanks int) {
	for _, l := range body {
		if l == "" {
			oldN++
			newN++
			blanks++
			continue
		}
		blanks = 0
		switch l[0] {
		case ' ':
			oldN++
			newN++
		case '-':
			oldN++
		case '+':
			newN++
		}
	}
	return oldN, newN, blanks
}

func fixHunkHeader(line string, oldN, newN, blanks int) string {
	if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
		b, d := countOrOne(m[2]), countOrOne(m[4])
		for t := 0; t <= blanks; t++ {
			if b == oldN-t && d == newN-t {
				return line
			}
		}
		return formatHunkHeader(atoi(m[1]), oldN-blanks, atoi(m[3]), newN-blanks, m[5])
	}

	body := strings.TrimLeft(line, "@")
	section := ""
	if idx := strings.Index(body, "@@"); idx >= 0 {
		section = body[idx+2:]
		body = body[:idx]
	}
	oldN, newN = oldN-blanks, newN-blanks

	oldStart, newStart := 0, 0
	om := looseOldRe.FindStringSubmatch(body)
	nm := looseNewRe.FindStringSubmatch(body)
	switch {
	case om != nil && nm != nil:
		oldStart, newStart = atoi(om[1]), atoi(nm[1])
	case om != nil:
		oldStart = atoi(om[1])
		newStart = oldStart
	case nm != nil:
		newStart = atoi(nm[1])
		oldStart = newStart
		if oldN == 0 {
			oldStart = max(newStart-1, 0)
		}
	}
	if oldN == 0 && newN > 0 && oldStart == 0 {
		newStart = 1
	}
	return formatHunkHeader(oldStart, oldN, newStart, newN, section)
}

func formatHunkHeader(oldStart, oldN, newStart, newN int, section string) string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@%s", oldStart, oldN, newStart, newN, section)
}

func countOrOne(s string) int {
	if s == "" {
		return 1
	}
	return atoi(s)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
