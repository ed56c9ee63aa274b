// Package thread implements the Thread data type. Threads have no rows of
// their own: they are derived by grouping active emails on threadId, and
// share the Email state token.
package thread

import (
	"context"
	"sort"
	"strconv"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
)

// Register installs the Thread methods.
func Register(registry *dispatcher.Registry) {
	registry.Register("Thread/get", getHandler)
	registry.Register("Thread/changes", changesHandler)
}

// threadView is one derived thread: its messages ordered oldest first.
type threadView struct {
	emailIDs []string
	// earliestCreated is the modseq at which the thread first became
	// visible; latestChange the newest change over its messages.
	earliestCreated int64
	latestChange    int64
}

// ghostView marks a thread with no active messages left.
type ghostView struct {
	oldestCreated int64
	latestChange  int64
}

// loadThreads groups the account's emails by threadId. Inactive emails still
// contribute their change markers so /changes can see vanished threads.
func loadThreads(ctx context.Context, req *dispatcher.Request) (map[string]*threadView, map[string]*ghostView, error) {
	emails, err := req.Store.GetAll(ctx, req.Account, store.KindEmail)
	if err != nil {
		return nil, nil, err
	}

	type member struct {
		id         string
		receivedAt string
	}
	members := make(map[string][]member)
	threads := make(map[string]*threadView)
	// ghosts tracks threads whose every message is inactive.
	ghosts := make(map[string]*ghostView)

	for _, email := range emails {
		threadID := email.String("threadId")
		if threadID == "" {
			continue
		}
		if !email.Active {
			ghost, ok := ghosts[threadID]
			if !ok {
				ghost = &ghostView{oldestCreated: email.Created}
				ghosts[threadID] = ghost
			}
			if email.Created < ghost.oldestCreated {
				ghost.oldestCreated = email.Created
			}
			if email.Changed() > ghost.latestChange {
				ghost.latestChange = email.Changed()
			}
			continue
		}
		view, ok := threads[threadID]
		if !ok {
			view = &threadView{earliestCreated: email.Created}
			threads[threadID] = view
		}
		if email.Created < view.earliestCreated {
			view.earliestCreated = email.Created
		}
		members[threadID] = append(members[threadID], member{id: email.ID, receivedAt: email.String("receivedAt")})
	}

	// A destroyed message still changes its thread.
	for _, email := range emails {
		threadID := email.String("threadId")
		view, ok := threads[threadID]
		if ok && email.Changed() > view.latestChange {
			view.latestChange = email.Changed()
		}
	}

	for threadID, list := range members {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].receivedAt != list[j].receivedAt {
				return list[i].receivedAt < list[j].receivedAt
			}
			return list[i].id < list[j].id
		})
		ids := make([]string, len(list))
		for i, m := range list {
			ids[i] = m.id
		}
		threads[threadID].emailIDs = ids
	}
	for threadID := range threads {
		delete(ghosts, threadID)
	}
	return threads, ghosts, nil
}

func getHandler(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
	if accountID, ok := args["accountId"].(string); ok && accountID != req.Account {
		return nil, jmaperror.AccountNotFound("Unknown accountId " + accountID)
	}

	state, err := req.Store.State(ctx, req.Account, store.KindEmail)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}
	threads, _, err := loadThreads(ctx, req)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to load threads", err)
	}

	list := []any{}
	notFound := []any{}

	appendThread := func(threadID string, view *threadView) {
		emailIDs := make([]any, len(view.emailIDs))
		for i, id := range view.emailIDs {
			emailIDs[i] = id
		}
		list = append(list, map[string]any{"id": threadID, "emailIds": emailIDs})
	}

	rawIDs, present := args["ids"]
	if !present || rawIDs == nil {
		threadIDs := make([]string, 0, len(threads))
		for threadID := range threads {
			threadIDs = append(threadIDs, threadID)
		}
		sort.Strings(threadIDs)
		for _, threadID := range threadIDs {
			appendThread(threadID, threads[threadID])
		}
	} else {
		idList, ok := rawIDs.([]any)
		if !ok {
			return nil, jmaperror.InvalidArguments("ids must be null or a list of strings")
		}
		for _, raw := range idList {
			requested, ok := raw.(string)
			if !ok {
				return nil, jmaperror.InvalidArguments("ids must be null or a list of strings")
			}
			threadID := req.ResolveID(requested)
			view, ok := threads[threadID]
			if !ok {
				notFound = append(notFound, requested)
				continue
			}
			appendThread(threadID, view)
		}
	}

	return []resultref.MethodResponse{{Name: "Thread/get", Args: map[string]any{
		"accountId": req.Account,
		"state":     strconv.FormatInt(state, 10),
		"list":      list,
		"notFound":  notFound,
	}}}, nil
}

func changesHandler(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
	if accountID, ok := args["accountId"].(string); ok && accountID != req.Account {
		return nil, jmaperror.AccountNotFound("Unknown accountId " + accountID)
	}

	rawSince, ok := args["sinceState"].(string)
	if !ok {
		return nil, jmaperror.InvalidArguments("sinceState is required")
	}
	since, err := strconv.ParseInt(rawSince, 10, 64)
	if err != nil || since < 0 {
		return nil, jmaperror.InvalidArguments("sinceState is not a valid state token")
	}

	state, err2 := req.Store.State(ctx, req.Account, store.KindEmail)
	if err2 != nil {
		return nil, jmaperror.ServerFail("failed to read state", err2)
	}
	newState := strconv.FormatInt(state, 10)

	horizon, err2 := req.Store.DeletedModSeq(ctx, req.Account)
	if err2 != nil {
		return nil, jmaperror.ServerFail("failed to read change horizon", err2)
	}
	if horizon > 0 && since <= horizon {
		return nil, jmaperror.CannotCalculateChanges("sinceState is too old", newState)
	}

	threads, ghosts, err2 := loadThreads(ctx, req)
	if err2 != nil {
		return nil, jmaperror.ServerFail("failed to load threads", err2)
	}

	created := []any{}
	updated := []any{}
	removed := []any{}

	threadIDs := make([]string, 0, len(threads))
	for threadID := range threads {
		threadIDs = append(threadIDs, threadID)
	}
	sort.Strings(threadIDs)
	for _, threadID := range threadIDs {
		view := threads[threadID]
		if view.latestChange <= since {
			continue
		}
		if view.earliestCreated > since {
			created = append(created, threadID)
		} else {
			updated = append(updated, threadID)
		}
	}

	ghostIDs := make([]string, 0, len(ghosts))
	for threadID := range ghosts {
		ghostIDs = append(ghostIDs, threadID)
	}
	sort.Strings(ghostIDs)
	for _, threadID := range ghostIDs {
		ghost := ghosts[threadID]
		// Only report threads the client could have seen that vanished since.
		if ghost.oldestCreated <= since && ghost.latestChange > since {
			removed = append(removed, threadID)
		}
	}

	if maxChanges, ok := args["maxChanges"].(float64); ok && maxChanges > 0 {
		if len(created)+len(updated)+len(removed) > int(maxChanges) {
			return nil, jmaperror.CannotCalculateChanges("more changes than maxChanges", newState)
		}
	}

	return []resultref.MethodResponse{{Name: "Thread/changes", Args: map[string]any{
		"accountId": req.Account,
		"oldState":  rawSince,
		"newState":  newState,
		"created":   created,
		"updated":   updated,
		"removed":   removed,
	}}}, nil
}
