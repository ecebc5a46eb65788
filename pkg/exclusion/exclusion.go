// Package exclusion compiles a backup set's skip-entries into a filter
// that matches directory and file names at any depth below the source
// directory. Matching is by exact basename equality only; there is no
// globbing and no path-prefix semantics. This keeps the filter
// translatable into rsync's "exclude anywhere" pattern form.
package exclusion

import (
	"sort"
	"strings"
)

// Filter is a read-only view over a set of skip-entries.
type Filter struct {
	entries map[string]struct{}
}

// Compile builds a Filter from the given skip-entries. An empty or nil
// slice yields a filter that matches nothing. Empty strings are ignored.
func Compile(entries []string) *Filter {
	f := &Filter{entries: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		if e == "" {
			continue
		}
		f.entries[e] = struct{}{}
	}
	return f
}

// Matches reports whether any path segment of relPath equals one of the
// compiled skip-entries. relPath uses forward slashes; leading and
// trailing slashes are tolerated.
func (f *Filter) Matches(relPath string) bool {
	if len(f.entries) == 0 {
		return false
	}
	for _, segment := range strings.Split(relPath, "/") {
		if segment == "" {
			continue
		}
		if _, ok := f.entries[segment]; ok {
			return true
		}
	}
	return false
}

// Empty reports whether the filter has no entries.
func (f *Filter) Empty() bool {
	return len(f.entries) == 0
}

// Entries returns the compiled skip-entries in sorted order, for
// logging and for building external command lines deterministically.
func (f *Filter) Entries() []string {
	entries := make([]string, 0, len(f.entries))
	for e := range f.entries {
		entries = append(entries, e)
	}
	sort.Strings(entries)
	return entries
}

// RsyncArgs renders the filter as rsync --exclude arguments. A bare
// name given to rsync's --exclude matches at any depth, which is
// exactly the basename-at-any-depth semantic of this filter.
func (f *Filter) RsyncArgs() []string {
	entries := f.Entries()
	args := make([]string, 0, len(entries))
	for _, e := range entries {
		args = append(args, "--exclude="+e)
	}
	return args
}
