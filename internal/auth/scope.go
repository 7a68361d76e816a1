// Package auth issues and validates the bearer tokens that guard the HTTP
// surface.
package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Scopes
const (
	ScopeRead  = "read"  // download and stat files
	ScopeWrite = "write" // upload and delete files
	ScopeAdmin = "admin" // drives, listings, decommissioning; implies every other scope
)

// AllScopes lists every known scope.
var AllScopes = []string{ScopeRead, ScopeWrite, ScopeAdmin}

// ParseScopes validates scope names given as a list or comma-separated
// values, returning them sorted and without duplicates.
func ParseScopes(in ...string) ([]string, error) {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			s = strings.ToLower(strings.TrimSpace(s))
			if s == "" {
				continue
			}
			if !slices.Contains(AllScopes, s) {
				return nil, fmt.Errorf("unknown scope %q", s)
			}
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one scope is required")
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Allows reports whether granted satisfies need.
func Allows(granted []string, need string) bool {
	for _, s := range granted {
		if s == need || s == ScopeAdmin {
			return true
		}
	}
	return false
}
