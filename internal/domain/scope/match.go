package scope

import (
	"path"
	"strings"
)

// Normalize cleans a workspace-relative path. It rejects empty, absolute and
// parent-escaping paths.
func Normalize(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" || strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	return p, true
}

// Match reports whether a workspace path matches a scope pattern.
//
//	"src/"          directory prefix, recursive
//	"src/**/*.py"   glob; ** spans any number of segments
//	"setup.py"      exact path only; directories need a trailing "/"
func Match(pattern, p string) bool {
	pattern = strings.TrimPrefix(strings.TrimSpace(strings.ReplaceAll(pattern, `\`, "/")), "./")
	if pattern == "" {
		return false
	}
	if pattern == "/" || pattern == "**" || pattern == "**/" {
		return true
	}

	if dir, ok := strings.CutSuffix(pattern, "/"); ok {
		if hasGlob(dir) {
			return matchGlob(dir, p) || matchGlob(dir+"/**", p)
		}
		return p == dir || strings.HasPrefix(p, dir+"/")
	}
	if hasGlob(pattern) {
		return matchGlob(pattern, p)
	}
	return p == pattern
}

func hasGlob(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func matchGlob(pattern, value string) bool {
	if strings.Contains(pattern, "**") {
		return matchSegments(strings.Split(pattern, "/"), strings.Split(value, "/"))
	}
	matched, _ := path.Match(pattern, value)
	return matched
}

// matchSegments recursively matches pattern segments against value segments.
func matchSegments(pat, val []string) bool {
	for len(pat) > 0 && len(val) > 0 {
		if pat[0] == "**" {
			pat = pat[1:]
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(val); i++ {
				if matchSegments(pat, val[i:]) {
					return true
				}
			}
			return false
		}
		matched, _ := path.Match(pat[0], val[0])
		if !matched {
			return false
		}
		pat = pat[1:]
		val = val[1:]
	}

	for _, p := range pat {
		if p != "**" {
			return false
		}
	}
	return len(val) == 0
}
