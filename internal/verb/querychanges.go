package verb

import (
	"context"
	"errors"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
)

// QueryChanges implements the uniform /queryChanges verb: reconstruct the
// delta between the query result at sinceQueryState and now by walking every
// row, active and inactive, in the current sort order.
func QueryChanges(ctx context.Context, req *dispatcher.Request, t *Type, args map[string]any) (map[string]any, *jmaperror.MethodError) {
	accountID, accErr := checkAccount(req, args)
	if accErr != nil {
		return nil, accErr
	}

	rawSince, ok := args["sinceQueryState"].(string)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceQueryState is required")
	}
	since, ok := parseState(rawSince)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceQueryState is not a valid state token")
	}

	maxChanges := 0
	if n, ok := args["maxChanges"].(float64); ok {
		if n < 0 {
			return nil, jmaperror.InvalidArguments("maxChanges must not be negative")
		}
		maxChanges = int(n)
	}
	upToID, _ := args["upToId"].(string)
	if upToID == "" {
		// Email/queryChanges historically spelt this upToEmailId.
		upToID, _ = args["upToEmailId"].(string)
	}

	q, qErr := parseQueryArgs(t, args)
	if qErr != nil {
		return nil, qErr
	}

	state, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}
	newState := formatState(state)

	horizon, err := req.Store.DeletedModSeq(ctx, accountID)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read change horizon", err)
	}
	if horizon > 0 && since <= horizon {
		return nil, jmaperror.CannotCalculateQueryChanges("sinceQueryState is too old", newState)
	}

	rows, scratch, evalErr := evaluate(ctx, req, t, accountID, q, true)
	if evalErr != nil {
		return nil, evalErr
	}

	match := t.Match
	if match == nil {
		match = func(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
			return false, jmaperror.InvalidArguments("type does not support filtering")
		}
	}

	removed, addedItems, total, err := query.ComputeQueryChanges(rows,
		func(rec *store.Record) (bool, error) {
			return query.MatchFilter(scratch, rec, q.filter, match)
		},
		query.ChangesParams{
			Since:      since,
			MaxChanges: maxChanges,
			UpToID:     req.ResolveID(upToID),
			Collapse:   q.collapse,
			ThreadOf:   t.ThreadOf,
		})
	if errors.Is(err, query.ErrTooManyChanges) {
		return nil, jmaperror.CannotCalculateQueryChanges("more changes than maxChanges", newState)
	}
	if err != nil {
		if methodErr, isMethod := err.(*jmaperror.MethodError); isMethod {
			return nil, methodErr
		}
		return nil, jmaperror.InvalidArguments(err.Error())
	}

	removedList := make([]any, len(removed))
	for i, id := range removed {
		removedList[i] = id
	}
	added := make([]any, len(addedItems))
	for i, item := range addedItems {
		added[i] = map[string]any{"id": item.ID, "index": item.Index}
	}

	return map[string]any{
		"accountId":     accountID,
		"oldQueryState": rawSince,
		"newQueryState": newState,
		"total":         total,
		"removed":       removedList,
		"added":         added,
	}, nil
}
