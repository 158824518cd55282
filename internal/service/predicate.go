package service

import (
	"strings"

	"github.com/roach88/syncvault/internal/ident"
)

// Predicate decides whether a path takes part in a sync direction.
type Predicate func(p ident.Path) bool

// Always matches every path.
func Always(ident.Path) bool { return true }

// Never matches nothing.
func Never(ident.Path) bool { return false }

// Under matches paths equal to or below any of prefixes.
func Under(prefixes ...ident.Path) Predicate {
	return func(p ident.Path) bool {
		for _, prefix := range prefixes {
			if p.HasPrefix(prefix) {
				return true
			}
		}
		return false
	}
}

// Named matches paths whose id names start with any of prefixes. A prefix
// is a slash separated list of names such as "mail/storage"; kinds are
// ignored. An empty prefix list matches every path.
func Named(prefixes ...string) Predicate {
	if len(prefixes) == 0 {
		return Always
	}
	split := make([][]string, len(prefixes))
	for i, prefix := range prefixes {
		split[i] = strings.FieldsFunc(prefix, func(r rune) bool { return r == '/' })
	}
	return func(p ident.Path) bool {
		ids := p.IDs()
		for _, names := range split {
			if len(names) > len(ids) {
				continue
			}
			match := true
			for i, name := range names {
				if ids[i].Body() != name {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
		return false
	}
}
