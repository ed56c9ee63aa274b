// Package patch expands JSON-pointer-style keys in /set update maps into
// whole top-level property values.
package patch

import (
	"context"
	"sort"
	"strings"

	"github.com/mailtide/jmap-api/internal/jsonptr"
)

// Getter fetches the current values of the named top-level properties for an
// object. It returns nil (with no error) when the object does not exist.
type Getter func(ctx context.Context, id string, properties []string) (map[string]any, error)

// Expand rewrites deep-path keys (those containing "/") in update into full
// top-level property values, merging each patch into the freshly loaded
// current value. A nil patch value deletes the leaf. When the object cannot
// be loaded the update map is returned unchanged; the store's update path
// surfaces the missing object. Expansion is idempotent: the result contains
// no deep-path keys.
func Expand(ctx context.Context, id string, update map[string]any, get Getter) (map[string]any, error) {
	var deepKeys []string
	for key := range update {
		if strings.Contains(key, "/") {
			deepKeys = append(deepKeys, key)
		}
	}
	if len(deepKeys) == 0 {
		return update, nil
	}
	sort.Strings(deepKeys)

	// Every top-level property touched by a deep patch is loaded once.
	topSet := make(map[string]bool)
	var topProperties []string
	for _, key := range deepKeys {
		top := jsonptr.Unescape(strings.SplitN(key, "/", 2)[0])
		if !topSet[top] {
			topSet[top] = true
			topProperties = append(topProperties, top)
		}
	}
	sort.Strings(topProperties)

	current, err := get(ctx, id, topProperties)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return update, nil
	}

	expanded := make(map[string]any, len(update))
	for key, value := range update {
		if !strings.Contains(key, "/") {
			expanded[key] = value
		}
	}

	values := make(map[string]any, len(topProperties))
	for _, top := range topProperties {
		values[top] = deepCopy(current[top])
	}

	for _, key := range deepKeys {
		segments := strings.Split(key, "/")
		top := jsonptr.Unescape(segments[0])
		values[top] = setLeaf(values[top], segments[1:], update[key])
	}

	for _, top := range topProperties {
		expanded[top] = values[top]
	}

	return expanded, nil
}

// setLeaf walks node along segments, creating intermediate maps as needed,
// and sets (or, for nil, deletes) the leaf. Returns the updated node.
func setLeaf(node any, segments []string, value any) any {
	segment := jsonptr.Unescape(segments[0])

	m, ok := node.(map[string]any)
	if !ok {
		m = make(map[string]any)
	}

	if len(segments) == 1 {
		if value == nil {
			delete(m, segment)
		} else {
			m[segment] = value
		}
		return m
	}

	m[segment] = setLeaf(m[segment], segments[1:], value)
	return m
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, elem := range v {
			copied[k] = deepCopy(elem)
		}
		return copied
	case []any:
		copied := make([]any, len(v))
		for i, elem := range v {
			copied[i] = deepCopy(elem)
		}
		return copied
	default:
		return v
	}
}
