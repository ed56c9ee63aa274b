// Package query implements the shared query machinery: filter-tree
// evaluation, multi-key stable sorting, per-query memoization, and
// queryChanges delta reconstruction.
package query

import (
	"context"

	"github.com/mailtide/jmap-api/internal/store"
)

// Scratch is the per-query comparator storage: derived data that is
// expensive to compute (thread keyword aggregation, full mailbox paths,
// external search results) is built once per query and shared across every
// match and comparison of that query.
type Scratch struct {
	Ctx     context.Context
	Store   store.Store
	Account string
	// Rows are all candidate records of the query, including inactive ones
	// for queryChanges. Derived-data builders read them.
	Rows []*store.Record

	memo map[string]any
}

// NewScratch returns a scratch bound to one query evaluation.
func NewScratch(ctx context.Context, st store.Store, accountID string, rows []*store.Record) *Scratch {
	return &Scratch{
		Ctx:     ctx,
		Store:   st,
		Account: accountID,
		Rows:    rows,
		memo:    make(map[string]any),
	}
}

// Memo returns the cached value under key, building it on first use.
func (s *Scratch) Memo(key string, build func() (any, error)) (any, error) {
	if v, ok := s.memo[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	s.memo[key] = v
	return v, nil
}

// Search runs an external text search, memoized per (field, term) so each
// predicate operand is evaluated once regardless of row count.
func (s *Scratch) Search(field, term string) (map[string]bool, error) {
	v, err := s.Memo("search\x00"+field+"\x00"+term, func() (any, error) {
		return s.Store.SearchMail(s.Ctx, s.Account, field, term)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]bool), nil
}
