package verb

import (
	"context"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
)

// queryArgs is the decoded common argument set of /query and /queryChanges.
type queryArgs struct {
	filter      map[string]any
	comparators []query.Comparator
	collapse    bool
}

func parseQueryArgs(t *Type, args map[string]any) (*queryArgs, *jmaperror.MethodError) {
	q := &queryArgs{}

	if raw, present := args["filter"]; present && raw != nil {
		filter, ok := raw.(map[string]any)
		if !ok {
			return nil, jmaperror.InvalidArguments("filter must be an object")
		}
		q.filter = filter
	}

	comparators, err := query.ParseSort(args["sort"])
	if err != nil {
		return nil, jmaperror.InvalidArguments(err.Error())
	}
	if comparators == nil {
		comparators = t.DefaultSort
	}
	q.comparators = comparators

	if collapse, ok := args["collapseThreads"].(bool); ok && t.ThreadOf != nil {
		q.collapse = collapse
	}
	return q, nil
}

// evaluate loads, sorts, and filters the candidate rows, returning the
// in-filter active rows in query order plus the scratch used. keepInactive
// retains soft-deleted rows in the returned slice for queryChanges.
func evaluate(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, q *queryArgs, keepInactive bool) ([]*store.Record, *query.Scratch, *jmaperror.MethodError) {
	rows, err := req.Store.GetAll(ctx, accountID, t.Kind)
	if err != nil {
		return nil, nil, jmaperror.ServerFail("failed to load records", err)
	}
	if !keepInactive {
		active := rows[:0]
		for _, rec := range rows {
			if rec.Active {
				active = append(active, rec)
			}
		}
		rows = active
	}

	scratch := query.NewScratch(ctx, req.Store, accountID, rows)

	compare := t.Compare
	if compare == nil {
		if len(q.comparators) > 0 {
			return nil, nil, jmaperror.InvalidArguments("type does not support sorting")
		}
		compare = func(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
			return 0, nil
		}
	}
	if err := query.SortRecords(scratch, rows, q.comparators, compare); err != nil {
		return nil, nil, jmaperror.InvalidArguments(err.Error())
	}

	if keepInactive {
		return rows, scratch, nil
	}

	match := t.Match
	if match == nil {
		match = func(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
			return false, jmaperror.InvalidArguments("type does not support filtering")
		}
	}
	// A fresh slice: Scratch.Rows keeps aliasing the full sorted row set for
	// derived-data builders.
	matched := make([]*store.Record, 0, len(rows))
	for _, rec := range rows {
		ok, err := query.MatchFilter(scratch, rec, q.filter, match)
		if err != nil {
			if methodErr, isMethod := err.(*jmaperror.MethodError); isMethod {
				return nil, nil, methodErr
			}
			return nil, nil, jmaperror.InvalidArguments(err.Error())
		}
		if ok {
			matched = append(matched, rec)
		}
	}
	return matched, scratch, nil
}

// collapseRows keeps the first row of each thread, in order.
func collapseRows(rows []*store.Record, threadOf func(*store.Record) string) []*store.Record {
	seen := make(map[string]bool)
	out := rows[:0]
	for _, rec := range rows {
		threadID := threadOf(rec)
		if seen[threadID] {
			continue
		}
		seen[threadID] = true
		out = append(out, rec)
	}
	return out
}

// Query implements the uniform /query verb: load, sort, filter, optionally
// collapse by thread, then window by position or anchor and limit.
func Query(ctx context.Context, req *dispatcher.Request, t *Type, args map[string]any) (map[string]any, *jmaperror.MethodError) {
	accountID, accErr := checkAccount(req, args)
	if accErr != nil {
		return nil, accErr
	}

	q, qErr := parseQueryArgs(t, args)
	if qErr != nil {
		return nil, qErr
	}

	_, hasPosition := args["position"]
	anchor, _ := args["anchor"].(string)
	if hasPosition && anchor != "" {
		return nil, jmaperror.InvalidArguments("position and anchor are mutually exclusive")
	}
	position := 0
	if n, ok := args["position"].(float64); ok {
		if n < 0 {
			return nil, jmaperror.InvalidArguments("position must not be negative")
		}
		position = int(n)
	}
	anchorOffset := 0
	if n, ok := args["anchorOffset"].(float64); ok {
		anchorOffset = int(n)
	}
	limit := -1
	if n, ok := args["limit"].(float64); ok {
		if n < 0 {
			return nil, jmaperror.InvalidArguments("limit must not be negative")
		}
		limit = int(n)
	}

	state, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}

	rows, _, evalErr := evaluate(ctx, req, t, accountID, q, false)
	if evalErr != nil {
		return nil, evalErr
	}
	if q.collapse {
		rows = collapseRows(rows, t.ThreadOf)
	}
	total := len(rows)

	start := position
	if anchor != "" {
		anchorIdx := -1
		anchorID := req.ResolveID(anchor)
		for i, rec := range rows {
			if rec.ID == anchorID {
				anchorIdx = i
				break
			}
		}
		if anchorIdx < 0 {
			return nil, jmaperror.AnchorNotFound("anchor id is not in the query results")
		}
		start = anchorIdx + anchorOffset
		if start < 0 {
			start = 0
		}
	}

	ids := []any{}
	if start < total {
		end := total
		if limit >= 0 && start+limit < end {
			end = start + limit
		}
		for _, rec := range rows[start:end] {
			ids = append(ids, rec.ID)
		}
	}

	return map[string]any{
		"accountId":           accountID,
		"queryState":          formatState(state),
		"canCalculateChanges": t.CanCalculateQueryChanges,
		"position":            start,
		"total":               total,
		"ids":                 ids,
	}, nil
}
