package common

import "strings"

// SplitScope splits a space-delimited OAuth scope string, dropping empty
// entries and duplicates while preserving order.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope joins scope values back into wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeContains reports whether scope includes the single value item.
func ScopeContains(scope, item string) bool {
	for _, s := range SplitScope(scope) {
		if s == item {
			return true
		}
	}
	return false
}

// ScopeSubset reports whether every value in requested appears in granted.
// An empty requested scope is a subset of anything.
func ScopeSubset(requested, granted string) bool {
	have := make(map[string]struct{})
	for _, s := range SplitScope(granted) {
		have[s] = struct{}{}
	}
	for _, s := range SplitScope(requested) {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

// ScopeIntersect returns the values of a that also appear in b, in a's order.
func ScopeIntersect(a, b string) string {
	have := make(map[string]struct{})
	for _, s := range SplitScope(b) {
		have[s] = struct{}{}
	}
	var out []string
	for _, s := range SplitScope(a) {
		if _, ok := have[s]; ok {
			out = append(out, s)
		}
	}
	return JoinScope(out)
}
