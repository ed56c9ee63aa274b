package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// importHandler implements Email/import: parse raw RFC 5322 messages from
// blobs and create Email records from their headers.
func importHandler(t *verb.Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		release, err := req.Store.BeginSuperlock(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to acquire write lock", err)
		}
		defer release()

		oldState, err := req.Store.State(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to read state", err)
		}
		if ifInState, ok := args["ifInState"].(string); ok {
			if ifInState != fmt.Sprintf("%d", oldState) {
				return nil, jmaperror.StateMismatch("ifInState does not match the current state")
			}
		}

		entries, _ := args["emails"].(map[string]any)
		created := map[string]any{}
		notCreated := map[string]any{}
		result := &verb.SetResult{Created: make(map[string]string)}

		cids := make([]string, 0, len(entries))
		for cid := range entries {
			cids = append(cids, cid)
		}
		sort.Strings(cids)

		for _, cid := range cids {
			entry, ok := entries[cid].(map[string]any)
			if !ok {
				notCreated[cid] = verb.NewSetError("invalidProperties", "import entry must be an object")
				continue
			}
			id, serverSet, setErr := importOne(ctx, req, entry)
			if setErr != nil {
				notCreated[cid] = setErr
				continue
			}
			req.CreatedIDs[cid] = id
			result.Created[cid] = id
			created[cid] = serverSet
		}

		if err := refreshMailboxCounts(ctx, req, result); err != nil {
			return nil, jmaperror.ServerFail("failed to refresh mailbox counters", err)
		}

		newState, err := req.Store.State(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to read state", err)
		}

		return []resultref.MethodResponse{{Name: "Email/import", Args: map[string]any{
			"accountId":  req.Account,
			"oldState":   fmt.Sprintf("%d", oldState),
			"newState":   fmt.Sprintf("%d", newState),
			"created":    created,
			"notCreated": notCreated,
		}}}, nil
	}
}

func importOne(ctx context.Context, req *dispatcher.Request, entry map[string]any) (string, map[string]any, verb.SetError) {
	blobID, _ := entry["blobId"].(string)
	if blobID == "" {
		return "", nil, verb.NewSetError("invalidProperties", "blobId is required")
	}
	raw, err := req.Store.GetBlob(ctx, req.Account, blobID)
	if errors.Is(err, store.ErrBlobNotFound) {
		return "", nil, verb.NewSetError("blobNotFound", "")
	}
	if err != nil {
		return "", nil, verb.NewSetError("serverError", err.Error())
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", nil, verb.NewSetError("invalidEmail", "message does not parse: "+err.Error())
	}

	props := map[string]any{
		"blobId":   blobID,
		"size":     float64(len(raw)),
		"subject":  msg.Header.Get("Subject"),
		"threadId": uuid.New().String(),
	}
	for _, field := range []string{"from", "to", "cc", "bcc"} {
		if addresses := parseAddresses(msg.Header, field); addresses != nil {
			props[field] = addresses
		}
	}
	if messageID := msg.Header.Get("Message-Id"); messageID != "" {
		props["messageId"] = []any{messageID}
	}
	if date, err := msg.Header.Date(); err == nil {
		props["sentAt"] = date.UTC().Format(time.RFC3339)
	}

	if receivedAt, ok := entry["receivedAt"].(string); ok {
		props["receivedAt"] = receivedAt
	}
	if keywords, ok := entry["keywords"].(map[string]any); ok {
		props["keywords"] = keywords
	}
	props["mailboxIds"] = entry["mailboxIds"]

	if setErr := checkCreate(ctx, req, props); setErr != nil {
		return "", nil, setErr
	}

	id := uuid.New().String()
	rec, err := req.Store.Create(ctx, req.Account, store.KindEmail, id, props)
	if err != nil {
		return "", nil, verb.NewSetError("serverError", err.Error())
	}
	return id, map[string]any{
		"id":       id,
		"blobId":   blobID,
		"threadId": rec.String("threadId"),
		"size":     rec.Number("size"),
	}, nil
}

func parseAddresses(header mail.Header, field string) []any {
	list, err := header.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]any, len(list))
	for i, addr := range list {
		out[i] = map[string]any{"name": addr.Name, "email": addr.Address}
	}
	return out
}

// copyHandler implements Email/copy for the single-account case: each create
// entry names a source message by id; its properties are copied into a new
// record, optionally overridden by the entry.
func copyHandler(t *verb.Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		if fromAccount, ok := args["fromAccountId"].(string); ok && fromAccount != req.Account {
			return nil, jmaperror.AccountNotFound("Unknown fromAccountId " + fromAccount)
		}

		release, err := req.Store.BeginSuperlock(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to acquire write lock", err)
		}
		defer release()

		oldState, err := req.Store.State(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to read state", err)
		}

		entries, _ := args["create"].(map[string]any)
		created := map[string]any{}
		notCreated := map[string]any{}
		result := &verb.SetResult{Created: make(map[string]string)}

		cids := make([]string, 0, len(entries))
		for cid := range entries {
			cids = append(cids, cid)
		}
		sort.Strings(cids)

		for _, cid := range cids {
			entry, ok := entries[cid].(map[string]any)
			if !ok {
				notCreated[cid] = verb.NewSetError("invalidProperties", "copy entry must be an object")
				continue
			}
			sourceID, _ := entry["id"].(string)
			source, err := req.Store.GetOne(ctx, req.Account, store.KindEmail, req.ResolveID(sourceID))
			if errors.Is(err, store.ErrNotFound) || (err == nil && !source.Active) {
				notCreated[cid] = verb.NewSetError("notFound", "")
				continue
			}
			if err != nil {
				notCreated[cid] = verb.NewSetError("serverError", err.Error())
				continue
			}

			props := make(map[string]any, len(source.Properties))
			for k, v := range source.Properties {
				props[k] = v
			}
			for k, v := range entry {
				if k == "id" {
					continue
				}
				props[k] = v
			}
			if setErr := checkCreate(ctx, req, props); setErr != nil {
				notCreated[cid] = setErr
				continue
			}

			id := uuid.New().String()
			rec, err := req.Store.Create(ctx, req.Account, store.KindEmail, id, props)
			if err != nil {
				notCreated[cid] = verb.NewSetError("serverError", err.Error())
				continue
			}
			req.CreatedIDs[cid] = id
			result.Created[cid] = id
			created[cid] = map[string]any{"id": id, "threadId": rec.String("threadId")}
		}

		if err := refreshMailboxCounts(ctx, req, result); err != nil {
			return nil, jmaperror.ServerFail("failed to refresh mailbox counters", err)
		}

		newState, err := req.Store.State(ctx, req.Account, t.Kind)
		if err != nil {
			return nil, jmaperror.ServerFail("failed to read state", err)
		}

		return []resultref.MethodResponse{{Name: "Email/copy", Args: map[string]any{
			"accountId":  req.Account,
			"oldState":   fmt.Sprintf("%d", oldState),
			"newState":   fmt.Sprintf("%d", newState),
			"created":    created,
			"notCreated": notCreated,
		}}}, nil
	}
}
