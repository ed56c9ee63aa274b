// Package mailbox implements the Mailbox data type: the folder hierarchy
// with per-mailbox message and thread counters.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// countProperties are the derived counters maintained by Email/set; a
// /changes response where every update only touched these lets clients skip
// refetching the full objects.
var countProperties = []string{"totalEmails", "unreadEmails", "totalThreads", "unreadThreads"}

var validRoles = map[string]bool{
	"all": true, "archive": true, "drafts": true, "flagged": true,
	"important": true, "inbox": true, "junk": true, "sent": true,
	"subscribed": true, "trash": true,
}

// Register installs the Mailbox methods.
func Register(registry *dispatcher.Registry) {
	t := Type()
	verb.RegisterStandard(registry, t, "get", "changes", "query", "set")
}

// Type returns the Mailbox capability set.
func Type() *verb.Type {
	return &verb.Type{
		Name:              "Mailbox",
		Kind:              store.KindMailbox,
		Match:             match,
		Compare:           compare,
		DefaultSort:       []query.Comparator{{Property: "sortOrder", IsAscending: true}},
		Sync:              sync,
		CheckCreate:       checkCreate,
		CheckUpdate:       checkUpdate,
		CheckDestroy:      checkDestroy,
		ChangedProperties: changedProperties,
	}
}

func sync(ctx context.Context, req *dispatcher.Request) error {
	return req.Store.SyncFolders(ctx, req.Account)
}

// match evaluates one leaf condition; multiple keys in a condition AND
// together.
func match(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		var ok bool
		switch key {
		case "parentId":
			if value == nil {
				ok = rec.Properties["parentId"] == nil
			} else {
				parentID, isString := value.(string)
				ok = isString && rec.String("parentId") == parentID
			}
		case "name":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("name filter must be a string")
			}
			ok = strings.Contains(strings.ToLower(rec.String("name")), strings.ToLower(term))
		case "role":
			if value == nil {
				ok = rec.String("role") == ""
			} else {
				role, isString := value.(string)
				ok = isString && rec.String("role") == role
			}
		case "hasRole", "hasAnyRole":
			want, isBool := value.(bool)
			if !isBool {
				return false, fmt.Errorf("%s filter must be a boolean", key)
			}
			ok = (rec.String("role") != "") == want
		case "isSubscribed":
			want, isBool := value.(bool)
			if !isBool {
				return false, fmt.Errorf("isSubscribed filter must be a boolean")
			}
			ok = rec.Bool("isSubscribed") == want
		default:
			return false, fmt.Errorf("unsupported mailbox filter %q", key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "name":
		return query.CompareStrings(a.String("name"), b.String("name")), nil
	case "sortOrder":
		if n := query.CompareNumbers(a.Number("sortOrder"), b.Number("sortOrder")); n != 0 {
			return n, nil
		}
		return query.CompareStrings(a.String("name"), b.String("name")), nil
	case "parent/name":
		paths, err := fullPaths(s)
		if err != nil {
			return 0, err
		}
		return query.CompareStrings(paths[a.ID], paths[b.ID]), nil
	default:
		return 0, fmt.Errorf("unsupported mailbox sort property %q", c.Property)
	}
}

// fullPaths builds the full hierarchical name of every mailbox once per
// query.
func fullPaths(s *query.Scratch) (map[string]string, error) {
	v, err := s.Memo("mailbox-paths", func() (any, error) {
		byID := make(map[string]*store.Record, len(s.Rows))
		for _, rec := range s.Rows {
			byID[rec.ID] = rec
		}
		paths := make(map[string]string, len(s.Rows))
		var pathOf func(id string, depth int) string
		pathOf = func(id string, depth int) string {
			if path, ok := paths[id]; ok {
				return path
			}
			rec, ok := byID[id]
			// Depth guard against parent cycles in corrupt data.
			if !ok || depth > 100 {
				return ""
			}
			path := rec.String("name")
			if parentID := rec.String("parentId"); parentID != "" {
				path = pathOf(parentID, depth+1) + "/" + path
			}
			paths[id] = path
			return path
		}
		for _, rec := range s.Rows {
			pathOf(rec.ID, 0)
		}
		return paths, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func checkCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	name, _ := props["name"].(string)
	if name == "" {
		return verb.NewSetError("invalidProperties", "name is required")
	}
	if role, ok := props["role"].(string); ok && !validRoles[role] {
		return verb.NewSetError("invalidProperties", "unknown role "+role)
	}
	if setErr := resolveParent(ctx, req, props, ""); setErr != nil {
		return setErr
	}
	if _, ok := props["isSubscribed"]; !ok {
		props["isSubscribed"] = true
	}
	if _, ok := props["sortOrder"]; !ok {
		props["sortOrder"] = 0.0
	}
	for _, counter := range countProperties {
		props[counter] = 0.0
	}
	return nil
}

func checkUpdate(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
	if name, ok := patch["name"]; ok {
		if s, _ := name.(string); s == "" {
			return verb.NewSetError("invalidProperties", "name must not be empty")
		}
	}
	for _, counter := range countProperties {
		if _, ok := patch[counter]; ok {
			return verb.NewSetError("invalidProperties", counter+" is server-set")
		}
	}
	if _, ok := patch["parentId"]; ok {
		if setErr := resolveParent(ctx, req, patch, rec.ID); setErr != nil {
			return setErr
		}
	}
	return nil
}

// resolveParent checks the parentId target exists and, for updates, that the
// move does not create a cycle. selfID is empty on create.
func resolveParent(ctx context.Context, req *dispatcher.Request, props map[string]any, selfID string) verb.SetError {
	raw, ok := props["parentId"]
	if !ok || raw == nil {
		return nil
	}
	parentID, isString := raw.(string)
	if !isString {
		return verb.NewSetError("invalidProperties", "parentId must be a string or null")
	}
	parentID = req.ResolveID(parentID)
	props["parentId"] = parentID

	for depth := 0; parentID != ""; depth++ {
		if depth > 100 {
			return verb.NewSetError("invalidProperties", "mailbox hierarchy too deep")
		}
		if parentID == selfID {
			return verb.NewSetError("invalidProperties", "mailbox cannot be its own ancestor")
		}
		parent, err := req.Store.GetOne(ctx, req.Account, store.KindMailbox, parentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !parent.Active) {
			return verb.NewSetError("invalidProperties", "parentId does not exist")
		}
		if err != nil {
			return verb.NewSetError("serverError", err.Error())
		}
		parentID = parent.String("parentId")
	}
	return nil
}

func checkDestroy(ctx context.Context, req *dispatcher.Request, rec *store.Record, args map[string]any) verb.SetError {
	rows, err := req.Store.GetAll(ctx, req.Account, store.KindMailbox)
	if err != nil {
		return verb.NewSetError("serverError", err.Error())
	}
	for _, other := range rows {
		if other.Active && other.String("parentId") == rec.ID {
			return verb.NewSetError("mailboxHasChild", "destroy the children first")
		}
	}
	if rec.Number("totalEmails") > 0 {
		if remove, _ := args["onDestroyRemoveEmails"].(bool); !remove {
			return verb.NewSetError("mailboxHasEmail", "mailbox still contains messages")
		}
		if setErr := removeEmails(ctx, req, rec.ID); setErr != nil {
			return setErr
		}
	}
	return nil
}

// removeEmails drops the destroyed mailbox from its messages; a message left
// with no mailbox is destroyed outright.
func removeEmails(ctx context.Context, req *dispatcher.Request, mailboxID string) verb.SetError {
	emails, err := req.Store.GetAll(ctx, req.Account, store.KindEmail)
	if err != nil {
		return verb.NewSetError("serverError", err.Error())
	}
	for _, email := range emails {
		if !email.Active {
			continue
		}
		mailboxIDs, _ := email.Properties["mailboxIds"].(map[string]any)
		if _, ok := mailboxIDs[mailboxID]; !ok {
			continue
		}
		if len(mailboxIDs) == 1 {
			if err := req.Store.Destroy(ctx, req.Account, store.KindEmail, email.ID); err != nil {
				return verb.NewSetError("serverError", err.Error())
			}
			continue
		}
		remaining := make(map[string]any, len(mailboxIDs)-1)
		for id, v := range mailboxIDs {
			if id != mailboxID {
				remaining[id] = v
			}
		}
		if _, err := req.Store.Update(ctx, req.Account, store.KindEmail, email.ID, map[string]any{"mailboxIds": remaining}, false); err != nil {
			return verb.NewSetError("serverError", err.Error())
		}
	}
	return nil
}

// changedProperties reports the counter list when every updated mailbox only
// had counts-only changes since the client's state, letting it patch counters
// without a /get.
func changedProperties(updated []*store.Record, since int64) any {
	if len(updated) == 0 {
		return nil
	}
	for _, rec := range updated {
		if rec.ModSeq > since || rec.CountsModSeq <= since {
			return nil
		}
	}
	out := make([]any, len(countProperties))
	for i, p := range countProperties {
		out[i] = p
	}
	return out
}
