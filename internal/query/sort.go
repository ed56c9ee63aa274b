package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mailtide/jmap-api/internal/store"
)

// Comparator is one sort key from a /query sort list. Keyword carries the
// optional keyword argument of keyword-based sorts.
type Comparator struct {
	Property    string
	IsAscending bool
	Keyword     string
}

// FieldCompare compares two records on one sort property, in ascending
// terms; SortRecords flips the sign for descending keys. It returns an error
// for properties the type does not sort on.
type FieldCompare func(s *Scratch, a, b *store.Record, c Comparator) (int, error)

// ParseSort decodes a /query sort argument. isAscending defaults to true.
func ParseSort(arg any) ([]Comparator, error) {
	if arg == nil {
		return nil, nil
	}
	list, ok := arg.([]any)
	if !ok {
		return nil, fmt.Errorf("sort must be a list")
	}

	comparators := make([]Comparator, 0, len(list))
	for _, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sort entries must be objects")
		}
		property, _ := m["property"].(string)
		if property == "" {
			return nil, fmt.Errorf("sort entry missing property")
		}
		ascending := true
		if v, ok := m["isAscending"].(bool); ok {
			ascending = v
		}
		keyword, _ := m["keyword"].(string)
		// Keyword sorts also come as "keyword:$flagged" style property names.
		if prop, kw, found := strings.Cut(property, ":"); found && kw != "" {
			property, keyword = prop, kw
		}
		comparators = append(comparators, Comparator{Property: property, IsAscending: ascending, Keyword: keyword})
	}
	return comparators, nil
}

// SortRecords stably sorts recs in place by the comparator list, with a
// final implicit tie-break on id ascending.
func SortRecords(s *Scratch, recs []*store.Record, comparators []Comparator, cmp FieldCompare) error {
	var sortErr error
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		for _, c := range comparators {
			n, err := cmp(s, a, b, c)
			if err != nil {
				if sortErr == nil {
					sortErr = err
				}
				return false
			}
			if n != 0 {
				if c.IsAscending {
					return n < 0
				}
				return n > 0
			}
		}
		return a.ID < b.ID
	})
	return sortErr
}

// CompareStrings is a case-insensitive lexical comparison for domain
// comparators.
func CompareStrings(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// CompareNumbers compares two numeric sort keys.
func CompareNumbers(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareBools orders false before true.
func CompareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}
