// Package permit implements the authorization matrix for lifecycle actions.
//
// Authorization is a pure set intersection: an actor may act when at least
// one of their groups appears in the required permit set. Group names are
// compared case-insensitively. Decisions are never cached; callers resolve
// fresh group membership and permit sets on every request.
package permit

import "strings"

// Allowed reports whether actorGroups and required intersect.
// An empty required set permits nobody.
func Allowed(actorGroups, required []string) bool {
	if len(actorGroups) == 0 || len(required) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(actorGroups))
	for _, g := range actorGroups {
		have[normalize(g)] = struct{}{}
	}
	for _, g := range required {
		if _, ok := have[normalize(g)]; ok {
			return true
		}
	}
	return false
}

// Normalize canonicalizes a group name for storage and comparison.
func Normalize(group string) string {
	return normalize(group)
}

// NormalizeAll canonicalizes a group list, dropping blanks and duplicates
// while preserving first-seen order.
func NormalizeAll(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		n := normalize(g)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalize(group string) string {
	return strings.ToLower(strings.TrimSpace(group))
}
