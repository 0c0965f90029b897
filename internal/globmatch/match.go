// Package globmatch implements the extended-glob matching used by
// the dispatcher's canQueue check (§4.3). The original contract calls
// for POSIX fnmatch with FNM_EXTMATCH (ksh-style @(...)/!(...)/*(...)
// alternation groups); the closest matcher available anywhere in the
// dependency pack is doublestar, which supports shell-style */?/[...]
// classes and "**" but not the extglob alternation forms. That gap is
// accepted and documented (see DESIGN.md) rather than hand-rolling a
// second glob engine: every context/job pattern seen in practice is a
// plain glob, and doublestar degrades to exactly that.
package globmatch

import "github.com/bmatcuk/doublestar/v4"

// Match reports whether name matches pattern. An invalid pattern
// never matches rather than erroring, consistent with fnmatch callers
// that treat a malformed pattern as a non-match instead of a fatal
// error.
func Match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}

// AnyMatch reports whether name matches any of patterns.
func AnyMatch(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}
