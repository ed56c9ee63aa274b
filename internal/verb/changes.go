package verb

import (
	"context"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/store"
)

// Changes implements the uniform /changes verb: classify every record whose
// effective modseq is newer than sinceState as created, updated, or removed.
func Changes(ctx context.Context, req *dispatcher.Request, t *Type, args map[string]any) (map[string]any, *jmaperror.MethodError) {
	accountID, accErr := checkAccount(req, args)
	if accErr != nil {
		return nil, accErr
	}

	rawSince, ok := args["sinceState"].(string)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceState is required")
	}
	since, ok := parseState(rawSince)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceState is not a valid state token")
	}

	maxChanges := 0
	if n, ok := args["maxChanges"].(float64); ok {
		if n < 0 {
			return nil, jmaperror.InvalidArguments("maxChanges must not be negative")
		}
		maxChanges = int(n)
	}

	state, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}
	newState := formatState(state)

	// Change-log entries below the horizon have been expired; a client that
	// far behind must refetch from scratch.
	horizon, err := req.Store.DeletedModSeq(ctx, accountID)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read change horizon", err)
	}
	if horizon > 0 && since <= horizon {
		return nil, jmaperror.CannotCalculateChanges("sinceState is too old", newState)
	}

	rows, err := req.Store.GetSince(ctx, accountID, t.Kind, since)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to load changed records", err)
	}
	if maxChanges > 0 && len(rows) > maxChanges {
		return nil, jmaperror.CannotCalculateChanges("more changes than maxChanges", newState)
	}

	created := []any{}
	updated := []any{}
	removed := []any{}
	var updatedRows []*store.Record

	for _, rec := range rows {
		switch {
		case rec.Active && rec.Created > since:
			created = append(created, rec.ID)
		case rec.Active:
			updated = append(updated, rec.ID)
			updatedRows = append(updatedRows, rec)
		case rec.Created <= since:
			removed = append(removed, rec.ID)
		default:
			// Created and destroyed since the client's state: never seen,
			// nothing to report.
		}
	}

	payload := map[string]any{
		"accountId": accountID,
		"oldState":  rawSince,
		"newState":  newState,
		"created":   created,
		"updated":   updated,
		"removed":   removed,
	}
	if t.ChangedProperties != nil {
		payload["changedProperties"] = t.ChangedProperties(updatedRows, since)
	}
	return payload, nil
}
