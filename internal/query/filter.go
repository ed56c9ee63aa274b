package query

import (
	"fmt"

	"github.com/mailtide/jmap-api/internal/store"
)

// Predicate evaluates a domain-specific leaf condition against one record.
type Predicate func(s *Scratch, rec *store.Record, cond map[string]any) (bool, error)

// MatchFilter evaluates a filter tree against one record. A nil filter
// matches everything. Operator nodes ({operator, conditions}) combine
// sub-filters with short-circuit AND/OR; NOT negates the OR of its
// sub-conditions. Anything else is a leaf handed to the domain predicate.
//
// Boolean identities define the empty operator node: AND of nothing is true,
// OR of nothing is false, NOT of nothing is true.
func MatchFilter(s *Scratch, rec *store.Record, filter map[string]any, leaf Predicate) (bool, error) {
	if filter == nil {
		return true, nil
	}

	operator, ok := filter["operator"].(string)
	if !ok {
		return leaf(s, rec, filter)
	}

	conditions, ok := filter["conditions"].([]any)
	if !ok && filter["conditions"] != nil {
		return false, fmt.Errorf("filter conditions must be a list")
	}

	switch operator {
	case "AND":
		for _, cond := range conditions {
			matched, err := matchCondition(s, rec, cond, leaf)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil

	case "OR":
		for _, cond := range conditions {
			matched, err := matchCondition(s, rec, cond, leaf)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil

	case "NOT":
		for _, cond := range conditions {
			matched, err := matchCondition(s, rec, cond, leaf)
			if err != nil {
				return false, err
			}
			if matched {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("unknown filter operator %q", operator)
	}
}

func matchCondition(s *Scratch, rec *store.Record, cond any, leaf Predicate) (bool, error) {
	m, ok := cond.(map[string]any)
	if !ok {
		return false, fmt.Errorf("filter condition must be an object")
	}
	return MatchFilter(s, rec, m, leaf)
}
