// Package globmatch implements the allowed/forbidden-path and scope-glob
// matching spec.md §4.9 (scope filter) and §4.10 (scope check) both need:
// does a repo-relative file path match a glob that may contain "**" for
// arbitrary path depth. No third-party glob library appears anywhere in
// the retrieval pack (see DESIGN.md), so this is a small stdlib-based
// implementation built directly on path.Match, segment by segment.
package globmatch

import (
	"path"
	"strings"
)

// Match reports whether file (a forward-slash repo-relative path) matches
// pattern. "**" matches zero or more whole path segments; any other
// segment is matched with path.Match's single-segment syntax (*, ?, and
// character classes), applied one segment at a time so a plain "*" never
// accidentally crosses a "/".
func Match(pattern, file string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(file))
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, file []string) bool {
	if len(pattern) == 0 {
		return len(file) == 0
	}
	head := pattern[0]
	if head == "**" {
		if matchSegments(pattern[1:], file) {
			return true
		}
		if len(file) == 0 {
			return false
		}
		return matchSegments(pattern, file[1:])
	}
	if len(file) == 0 {
		return false
	}
	ok, err := path.Match(head, file[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], file[1:])
}

// MatchAny reports whether file matches any of patterns.
func MatchAny(patterns []string, file string) bool {
	for _, p := range patterns {
		if Match(p, file) {
			return true
		}
	}
	return false
}

// AllMatch reports whether every file in files matches pattern (spec.md
// §4.9 stage 4's "in-scope iff every file matches").
func AllMatch(pattern string, files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !Match(pattern, f) {
			return false
		}
	}
	return true
}
