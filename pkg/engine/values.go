package engine

import (
	"strconv"
	"strings"
)

// LookupPath walks a decoded JSON value along a dotted path. Segments index
// maps by key and lists by position, so "entry.0.id" and "entry[0].id" are
// equivalent. An empty path returns value itself.
func LookupPath(value interface{}, path string) (interface{}, bool) {
	if path == "" {
		return value, true
	}

	current := value
	for _, seg := range SplitPath(path) {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// SplitPath splits a dotted path into segments, treating "[n]" as ".n".
func SplitPath(path string) []string {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsEmptyValue reports whether a resolved value counts as missing.
func IsEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}
