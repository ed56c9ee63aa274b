// Package jsonptr walks decoded JSON values with RFC-6901-style pointers.
//
// Beyond plain RFC 6901 it supports a "*" segment over arrays: the remaining
// pointer is applied to every element and the results are flattened one level.
// The walk is tolerant: a segment that does not apply to the current node kind
// stops the walk and yields the current node unchanged.
package jsonptr

import (
	"strconv"
	"strings"
)

// Resolve applies pointer to root and returns the raw result, or nil when the
// pointer leads to a missing value.
func Resolve(pointer string, root any) any {
	segments := split(pointer)
	return walk(segments, root)
}

// ResolveList applies pointer to root and normalizes the result to a list:
// a defined non-list result is wrapped in a single-element list. A missing
// value resolves to nil.
func ResolveList(pointer string, root any) []any {
	result := Resolve(pointer, root)
	if result == nil {
		return nil
	}
	if list, ok := result.([]any); ok {
		return list
	}
	return []any{result}
}

func split(pointer string) []string {
	trimmed := strings.TrimPrefix(pointer, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Unescape decodes RFC 6901 escapes: ~1 becomes / and ~0 becomes ~.
func Unescape(segment string) string {
	segment = strings.ReplaceAll(segment, "~1", "/")
	return strings.ReplaceAll(segment, "~0", "~")
}

func walk(segments []string, node any) any {
	if len(segments) == 0 || node == nil {
		return node
	}
	segment := Unescape(segments[0])
	rest := segments[1:]

	switch n := node.(type) {
	case map[string]any:
		child, ok := n[segment]
		if !ok {
			return nil
		}
		return walk(rest, child)

	case []any:
		if segment == "*" {
			// Apply the remaining pointer to each element, flattening one
			// level so a list of lists comes back as a single list.
			flattened := make([]any, 0, len(n))
			for _, elem := range n {
				result := walk(rest, elem)
				if result == nil {
					continue
				}
				if sub, ok := result.([]any); ok {
					flattened = append(flattened, sub...)
				} else {
					flattened = append(flattened, result)
				}
			}
			return flattened
		}
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(n) {
			// Not an index for this array: tolerant, keep the current node.
			if err != nil {
				return node
			}
			return nil
		}
		return walk(rest, n[idx])

	default:
		// Scalar with segments left over: tolerant, keep the current node.
		return node
	}
}
