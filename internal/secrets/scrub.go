// Package secrets implements the recursive secret-scrubbing walk applied
// to documents once they reach a terminal state.
package secrets

import "strings"

// blacklistSubstrings matches keys whose secret-bearing nature is implied
// by their name, regardless of nesting depth.
var blacklistSubstrings = []string{"password", "key"}

// isSecretKey reports whether key should be scrubbed.
func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range blacklistSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Scrub walks doc recursively and blanks the value of any map key whose
// name contains "password" or "key" (case-insensitive), per the terminal-
// write invariant: terminal documents must carry no such field, including
// a consumed callback_key.
//
// doc is mutated in place and also returned for convenience.
func Scrub(doc map[string]any) map[string]any {
	scrubValue(doc)
	return doc
}

func scrubValue(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, nested := range t {
			if isSecretKey(k) {
				t[k] = redactedValue(nested)
				continue
			}
			scrubValue(nested)
		}
	case []any:
		for _, item := range t {
			scrubValue(item)
		}
	}
}

// redactedValue preserves the shape of the original value (string vs
// slice of strings vs other) while discarding its content, so that
// round-tripping through JSON afterwards doesn't change field types.
func redactedValue(v any) any {
	switch v.(type) {
	case []any:
		return []any{}
	default:
		return ""
	}
}
