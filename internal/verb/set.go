package verb

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/patch"
	"github.com/mailtide/jmap-api/internal/store"
)

// Set implements the uniform /set verb. The whole mutation runs under the
// type's superlock: sync, read oldState, check ifInState, apply creates then
// updates then destroys with per-entity failure isolation, run the AfterSet
// hook, sync again, read newState.
func Set(ctx context.Context, req *dispatcher.Request, t *Type, args map[string]any) (map[string]any, *SetResult, *jmaperror.MethodError) {
	accountID, accErr := checkAccount(req, args)
	if accErr != nil {
		return nil, nil, accErr
	}

	release, err := req.Store.BeginSuperlock(ctx, accountID, t.Kind)
	if err != nil {
		return nil, nil, jmaperror.ServerFail("failed to acquire write lock", err)
	}
	defer release()

	if err := runSync(ctx, req, t); err != nil {
		return nil, nil, err
	}

	oldState, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, nil, jmaperror.ServerFail("failed to read state", err)
	}

	if ifInState, ok := args["ifInState"].(string); ok {
		if ifInState != formatState(oldState) {
			return nil, nil, jmaperror.StateMismatch("ifInState does not match the current state")
		}
	}

	if t.Singleton {
		payload, methodErr := singletonSet(ctx, req, t, accountID, oldState, args)
		return payload, &SetResult{}, methodErr
	}

	result := &SetResult{Created: make(map[string]string)}
	created := map[string]any{}
	notCreated := map[string]any{}
	updated := map[string]any{}
	notUpdated := map[string]any{}
	destroyed := []any{}
	notDestroyed := map[string]any{}

	applyCreates(ctx, req, t, accountID, args, result, created, notCreated)
	applyUpdates(ctx, req, t, accountID, args, result, updated, notUpdated)
	applyDestroys(ctx, req, t, accountID, args, result, &destroyed, notDestroyed)

	if t.AfterSet != nil {
		if err := t.AfterSet(ctx, req, result); err != nil {
			return nil, nil, jmaperror.ServerFail("post-set processing failed", err)
		}
	}
	if err := runSync(ctx, req, t); err != nil {
		return nil, nil, err
	}

	newState, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, nil, jmaperror.ServerFail("failed to read state", err)
	}

	logger.InfoContext(ctx, "Set completed",
		slog.String("type", t.Name),
		slog.Int("created", len(created)),
		slog.Int("updated", len(updated)),
		slog.Int("destroyed", len(destroyed)),
	)

	return map[string]any{
		"accountId":    accountID,
		"oldState":     formatState(oldState),
		"newState":     formatState(newState),
		"created":      created,
		"notCreated":   notCreated,
		"updated":      updated,
		"notUpdated":   notUpdated,
		"destroyed":    destroyed,
		"notDestroyed": notDestroyed,
	}, result, nil
}

func runSync(ctx context.Context, req *dispatcher.Request, t *Type) *jmaperror.MethodError {
	if t.Sync == nil {
		return nil
	}
	if err := t.Sync(ctx, req); err != nil {
		return jmaperror.ServerFail("failed to synchronize with backend", err)
	}
	return nil
}

func applyCreates(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, args map[string]any, result *SetResult, created, notCreated map[string]any) {
	createArg, _ := args["create"].(map[string]any)
	for _, cid := range sortedKeys(createArg) {
		props, ok := createArg[cid].(map[string]any)
		if !ok {
			notCreated[cid] = NewSetError("invalidProperties", "create entry must be an object")
			continue
		}
		if _, hasID := props["id"]; hasID {
			notCreated[cid] = NewSetError("invalidProperties", "id is server-set")
			continue
		}
		props = copyObject(props)
		if t.CheckCreate != nil {
			if setErr := t.CheckCreate(ctx, req, props); setErr != nil {
				notCreated[cid] = setErr
				continue
			}
		}

		id := t.newID(props)
		rec, err := req.Store.Create(ctx, accountID, t.Kind, id, props)
		if err != nil {
			notCreated[cid] = NewSetError("serverError", err.Error())
			continue
		}

		// Later calls of this request can reference the new object as #cid.
		req.CreatedIDs[cid] = id
		result.Created[cid] = id

		serverSet := map[string]any{"id": id}
		if t.ServerSet != nil {
			for k, v := range t.ServerSet(rec) {
				serverSet[k] = v
			}
		}
		created[cid] = serverSet
	}
}

func applyUpdates(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, args map[string]any, result *SetResult, updated, notUpdated map[string]any) {
	updateArg, _ := args["update"].(map[string]any)
	getter := recordGetter(req, t, accountID)

	for _, requested := range sortedKeys(updateArg) {
		patchArg, ok := updateArg[requested].(map[string]any)
		if !ok {
			notUpdated[requested] = NewSetError("invalidProperties", "update entry must be an object")
			continue
		}
		id := req.ResolveID(requested)

		rec, err := req.Store.GetOne(ctx, accountID, t.Kind, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
			notUpdated[requested] = NewSetError("notFound", "")
			continue
		}
		if err != nil {
			notUpdated[requested] = NewSetError("serverError", err.Error())
			continue
		}
		if patched, hasID := patchArg["id"]; hasID && patched != id {
			notUpdated[requested] = NewSetError("invalidProperties", "id is immutable")
			continue
		}

		expanded, err := patch.Expand(ctx, id, patchArg, getter)
		if err != nil {
			notUpdated[requested] = NewSetError("serverError", err.Error())
			continue
		}
		delete(expanded, "id")

		if t.CheckUpdate != nil {
			if setErr := t.CheckUpdate(ctx, req, rec, expanded); setErr != nil {
				notUpdated[requested] = setErr
				continue
			}
		}

		if _, err := req.Store.Update(ctx, accountID, t.Kind, id, expanded, false); err != nil {
			notUpdated[requested] = NewSetError("serverError", err.Error())
			continue
		}
		updated[requested] = nil
		result.Updated = append(result.Updated, id)
	}
}

func applyDestroys(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, args map[string]any, result *SetResult, destroyed *[]any, notDestroyed map[string]any) {
	destroyArg, _ := args["destroy"].([]any)
	for _, raw := range destroyArg {
		requested, ok := raw.(string)
		if !ok {
			continue
		}
		id := req.ResolveID(requested)

		rec, err := req.Store.GetOne(ctx, accountID, t.Kind, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
			notDestroyed[requested] = NewSetError("notFound", "")
			continue
		}
		if err != nil {
			notDestroyed[requested] = NewSetError("serverError", err.Error())
			continue
		}

		if t.CheckDestroy != nil {
			if setErr := t.CheckDestroy(ctx, req, rec, args); setErr != nil {
				notDestroyed[requested] = setErr
				continue
			}
		}

		if err := req.Store.Destroy(ctx, accountID, t.Kind, id); err != nil {
			notDestroyed[requested] = NewSetError("serverError", err.Error())
			continue
		}
		*destroyed = append(*destroyed, requested)
		result.Destroyed = append(result.Destroyed, id)
	}
}

// singletonSet handles /set for singleton types: create and destroy are
// rejected outright; the only updatable id is "singleton", written
// read-merge-write so partial updates keep the other properties.
func singletonSet(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, oldState int64, args map[string]any) (map[string]any, *jmaperror.MethodError) {
	created := map[string]any{}
	notCreated := map[string]any{}
	updated := map[string]any{}
	notUpdated := map[string]any{}
	destroyed := []any{}
	notDestroyed := map[string]any{}

	createArg, _ := args["create"].(map[string]any)
	for _, cid := range sortedKeys(createArg) {
		notCreated[cid] = NewSetError("singleton", "singleton types cannot be created")
	}
	destroyArg, _ := args["destroy"].([]any)
	for _, raw := range destroyArg {
		if id, ok := raw.(string); ok {
			notDestroyed[id] = NewSetError("singleton", "singleton types cannot be destroyed")
		}
	}

	updateArg, _ := args["update"].(map[string]any)
	getter := singletonGetter(req, t, accountID)
	for _, id := range sortedKeys(updateArg) {
		if id != "singleton" {
			notUpdated[id] = NewSetError("notFound", "")
			continue
		}
		patchArg, ok := updateArg[id].(map[string]any)
		if !ok {
			notUpdated[id] = NewSetError("invalidProperties", "update entry must be an object")
			continue
		}

		expanded, err := patch.Expand(ctx, id, patchArg, getter)
		if err != nil {
			notUpdated[id] = NewSetError("serverError", err.Error())
			continue
		}
		delete(expanded, "id")

		if t.CheckUpdate != nil {
			rec, _ := req.Store.GetOne(ctx, accountID, t.Kind, "singleton")
			if setErr := t.CheckUpdate(ctx, req, rec, expanded); setErr != nil {
				notUpdated[id] = setErr
				continue
			}
		}

		if err := writeSingleton(ctx, req, t, accountID, expanded); err != nil {
			notUpdated[id] = NewSetError("serverError", err.Error())
			continue
		}
		updated[id] = nil
	}

	newState, err := req.Store.State(ctx, accountID, t.Kind)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}

	return map[string]any{
		"accountId":    accountID,
		"oldState":     formatState(oldState),
		"newState":     formatState(newState),
		"created":      created,
		"notCreated":   notCreated,
		"updated":      updated,
		"notUpdated":   notUpdated,
		"destroyed":    destroyed,
		"notDestroyed": notDestroyed,
	}, nil
}

// writeSingleton merges the expanded patch over the current (or default)
// object and writes the whole value back.
func writeSingleton(ctx context.Context, req *dispatcher.Request, t *Type, accountID string, expanded map[string]any) error {
	rec, err := req.Store.GetOne(ctx, accountID, t.Kind, "singleton")
	if errors.Is(err, store.ErrNotFound) || (err == nil && !rec.Active) {
		props := map[string]any{}
		if t.SingletonDefault != nil {
			props = t.SingletonDefault()
		}
		for k, v := range expanded {
			if v == nil {
				delete(props, k)
			} else {
				props[k] = v
			}
		}
		_, err := req.Store.Create(ctx, accountID, t.Kind, "singleton", props)
		return err
	}
	if err != nil {
		return err
	}
	_, err = req.Store.Update(ctx, accountID, t.Kind, "singleton", expanded, false)
	return err
}

// recordGetter adapts the store to the patch expander for ordinary types.
func recordGetter(req *dispatcher.Request, t *Type, accountID string) patch.Getter {
	return func(ctx context.Context, id string, properties []string) (map[string]any, error) {
		rec, err := req.Store.GetOne(ctx, accountID, t.Kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(properties))
		for _, p := range properties {
			if v, ok := rec.Properties[p]; ok {
				out[p] = v
			}
		}
		return out, nil
	}
}

// singletonGetter falls back to the type default so deep patches work before
// the singleton has ever been written.
func singletonGetter(req *dispatcher.Request, t *Type, accountID string) patch.Getter {
	inner := recordGetter(req, t, accountID)
	return func(ctx context.Context, id string, properties []string) (map[string]any, error) {
		current, err := inner(ctx, id, properties)
		if err != nil || current != nil {
			return current, err
		}
		if t.SingletonDefault == nil {
			return map[string]any{}, nil
		}
		defaults := t.SingletonDefault()
		out := make(map[string]any, len(properties))
		for _, p := range properties {
			if v, ok := defaults[p]; ok {
				out[p] = v
			}
		}
		return out, nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyObject(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
