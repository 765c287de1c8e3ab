package in_toto

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

/*
ExcludePatterns is an ordered list of gitignore-style patterns applied to
a resolver's candidate artifact paths (spec.md §4.4). Patterns are
evaluated in order; a path is excluded if the last pattern that matches it
is not negated, and included (never re-excluded by an earlier pattern) if
the last matching pattern is negated with a leading `!`.
*/
type ExcludePatterns []string

/*
Excluded reports whether path should be dropped from the recorded artifact
set, given the gitignore-style rules in ep.
*/
func (ep ExcludePatterns) Excluded(path string) bool {
	excluded := false
	for _, raw := range ep {
		pattern := raw
		negate := false
		if strings.HasPrefix(pattern, "!") {
			negate = true
			pattern = pattern[1:]
		}

		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == "" {
			continue
		}

		if excludeMatches(pattern, path, dirOnly) {
			excluded = !negate
		}
	}
	return excluded
}

// excludeMatches reports whether pattern matches path under gitignore
// semantics: a pattern with no `/` matches at any depth (anchored to
// `**/pattern`); a pattern with a leading `/` or containing `/` is
// anchored to the resolver's base path; a trailing `/` restricts the
// match to directory components, which this package approximates by also
// matching path prefixes.
func excludeMatches(pattern, path string, dirOnly bool) bool {
	anchored := strings.HasPrefix(pattern, "/") || strings.Contains(strings.TrimPrefix(pattern, "/"), "/")
	pattern = strings.TrimPrefix(pattern, "/")

	candidates := []string{pattern}
	if !anchored {
		candidates = append(candidates, "**/"+pattern)
	}

	for _, candidate := range candidates {
		if ok, _ := doublestar.Match(candidate, path); ok {
			return true
		}
		if dirOnly {
			if ok, _ := doublestar.Match(candidate+"/**", path); ok {
				return true
			}
		} else {
			if ok, _ := doublestar.Match(candidate+"/**", path); ok {
				return true
			}
		}
	}
	return false
}

/*
FilterExcluded returns the subset of paths not excluded by ep.
*/
func (ep ExcludePatterns) FilterExcluded(paths []string) []string {
	if len(ep) == 0 {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !ep.Excluded(p) {
			out = append(out, p)
		}
	}
	return out
}
