// Package strings provides string-list helpers for configuration values.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and blanks from a list, trimming each
// element. First occurrence wins, order is preserved.
//
//	DedupeAndTrim([]string{"  updated_at ", "id", "updated_at", ""})
//	// []string{"updated_at", "id"}
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// DedupeAndTrimLower is DedupeAndTrim with lowercasing, for case-insensitive
// lists such as sensitive-field patterns.
//
//	DedupeAndTrimLower([]string{"  API_KEY ", "token", "Api_Key"})
//	// []string{"api_key", "token"}
func DedupeAndTrimLower(values []string) []string {
	return dedupe(values, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

// Set builds a membership set from a list, ignoring blanks.
func Set(values ...[]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range values {
		for _, v := range list {
			if v = strings.TrimSpace(v); v != "" {
				set[v] = struct{}{}
			}
		}
	}
	return set
}

// ContainsAnyFold reports whether s contains any of the lowercase needles,
// ignoring case.
func ContainsAnyFold(s string, lowerNeedles []string) bool {
	lower := strings.ToLower(s)
	for _, needle := range lowerNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func dedupe(values []string, normalize func(string) string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		n := normalize(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, n)
	}
	return result
}
