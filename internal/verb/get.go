package verb

import (
	"context"
	"errors"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/store"
)

// Get implements the uniform /get verb: fetch objects by id, or every active
// object when ids is null, projected to the requested properties.
func Get(ctx context.Context, req *dispatcher.Request, t *Type, args map[string]any) (map[string]any, *jmaperror.MethodError) {
	accountID, accErr := checkAccount(req, args)
	if accErr != nil {
		return nil, accErr
	}

	properties, propErr := parseProperties(args)
	if propErr != nil {
		return nil, propErr
	}

	state, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}

	ids, idsErr := parseIDs(args)
	if idsErr != nil {
		return nil, idsErr
	}

	list := []any{}
	notFound := []any{}

	if ids == nil {
		if t.Singleton {
			obj, getErr := getSingleton(ctx, req, t, accountID, properties)
			if getErr != nil {
				return nil, getErr
			}
			list = append(list, obj)
		} else {
			rows, err := req.Store.GetAll(ctx, accountID, t.Kind)
			if err != nil {
				return nil, jmaperror.ServerFail("failed to load records", err)
			}
			for _, rec := range rows {
				if rec.Active {
					list = append(list, project(rec, properties))
				}
			}
		}
	} else {
		for _, requested := range ids {
			id := req.ResolveID(requested)
			if t.Singleton && id == "singleton" {
				obj, getErr := getSingleton(ctx, req, t, accountID, properties)
				if getErr != nil {
					return nil, getErr
				}
				list = append(list, obj)
				continue
			}
			rec, err := req.Store.GetOne(ctx, accountID, t.Kind, id)
			if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
				notFound = append(notFound, requested)
				continue
			}
			if err != nil {
				return nil, jmaperror.ServerFail("failed to load record", err)
			}
			list = append(list, project(rec, properties))
		}
	}

	return map[string]any{
		"accountId": accountID,
		"state":     formatState(state),
		"list":      list,
		"notFound":  notFound,
	}, nil
}

// getSingleton loads the singleton object, synthesizing the default when it
// has never been written.
func getSingleton(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, properties []string) (map[string]any, *jmaperror.MethodError) {
	rec, err := req.Store.GetOne(ctx, accountID, t.Kind, "singleton")
	if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
		props := map[string]any{}
		if t.SingletonDefault != nil {
			props = t.SingletonDefault()
		}
		rec = &store.Record{ID: "singleton", Active: true, Properties: props}
	} else if err != nil {
		return nil, jmaperror.ServerFail("failed to load record", err)
	}
	return project(rec, properties), nil
}

// parseIDs decodes the ids argument, resolving nothing: placeholder
// resolution happens per id so notFound echoes what the client sent.
func parseIDs(args map[string]any) ([]string, *jmaperror.MethodError) {
	raw, present := args["ids"]
	if !present || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, jmaperror.InvalidArguments("ids must be null or a list of strings")
	}
	ids := make([]string, 0, len(list))
	for _, elem := range list {
		id, ok := elem.(string)
		if !ok {
			return nil, jmaperror.InvalidArguments("ids must be null or a list of strings")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
