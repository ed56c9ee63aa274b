// Package email implements the Email data type: message metadata rows,
// rich filtering and sorting including thread-aggregate keyword tests, and
// the mailbox counter maintenance that follows every mutation.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

const seenKeyword = "$seen"

// Register installs the Email methods.
func Register(registry *dispatcher.Registry) {
	t := Type()
	verb.RegisterStandard(registry, t, "get", "changes", "query", "queryChanges", "set")
	registry.Register("Email/import", importHandler(t))
	registry.Register("Email/copy", copyHandler(t))
}

// Type returns the Email capability set.
func Type() *verb.Type {
	return &verb.Type{
		Name:                     "Email",
		Kind:                     store.KindEmail,
		Match:                    match,
		Compare:                  compare,
		DefaultSort:              []query.Comparator{{Property: "receivedAt", IsAscending: false}},
		ThreadOf:                 threadOf,
		CanCalculateQueryChanges: true,
		Sync:                     sync,
		CheckCreate:              checkCreate,
		CheckUpdate:              checkUpdate,
		ServerSet:                serverSet,
		AfterSet:                 refreshMailboxCounts,
	}
}

func sync(ctx context.Context, req *dispatcher.Request) error {
	return req.Store.SyncMail(ctx, req.Account)
}

func threadOf(rec *store.Record) string {
	return rec.String("threadId")
}

// match evaluates one leaf condition; multiple keys AND together.
func match(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		ok, err := matchOne(s, rec, key, value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(s *query.Scratch, rec *store.Record, key string, value any) (bool, error) {
	switch key {
	case "inMailbox":
		mailboxID, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("inMailbox must be a string")
		}
		return inMailbox(rec, mailboxID), nil

	case "inMailboxOtherThan":
		// Accepts a single id or a list of ids.
		excluded := make(map[string]bool)
		switch v := value.(type) {
		case string:
			excluded[v] = true
		case []any:
			for _, elem := range v {
				id, ok := elem.(string)
				if !ok {
					return false, fmt.Errorf("inMailboxOtherThan entries must be strings")
				}
				excluded[id] = true
			}
		default:
			return false, fmt.Errorf("inMailboxOtherThan must be a string or a list")
		}
		mailboxIDs, _ := rec.Properties["mailboxIds"].(map[string]any)
		for id := range mailboxIDs {
			if !excluded[id] {
				return true, nil
			}
		}
		return false, nil

	case "before":
		cutoff, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("before must be a date string")
		}
		return rec.String("receivedAt") < cutoff, nil

	case "after":
		cutoff, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("after must be a date string")
		}
		return rec.String("receivedAt") >= cutoff, nil

	case "minSize":
		n, ok := value.(float64)
		if !ok {
			return false, fmt.Errorf("minSize must be a number")
		}
		return rec.Number("size") >= n, nil

	case "maxSize":
		n, ok := value.(float64)
		if !ok {
			return false, fmt.Errorf("maxSize must be a number")
		}
		return rec.Number("size") < n, nil

	case "hasKeyword":
		keyword, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("hasKeyword must be a string")
		}
		return hasKeyword(rec, keyword), nil

	case "notKeyword":
		keyword, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("notKeyword must be a string")
		}
		return !hasKeyword(rec, keyword), nil

	case "hasAttachment":
		want, ok := value.(bool)
		if !ok {
			return false, fmt.Errorf("hasAttachment must be a boolean")
		}
		return rec.Bool("hasAttachment") == want, nil

	case "allInThreadHaveKeyword", "someInThreadHaveKeyword", "noneInThreadHaveKeyword":
		keyword, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("%s must be a string", key)
		}
		agg, err := threadKeywords(s)
		if err != nil {
			return false, err
		}
		threadID := threadOf(rec)
		count := agg.counts[threadID][keyword]
		switch key {
		case "allInThreadHaveKeyword":
			return count > 0 && count == agg.sizes[threadID], nil
		case "someInThreadHaveKeyword":
			return count > 0, nil
		default:
			return count == 0, nil
		}

	case "text", "subject", "body", "from", "to", "cc", "bcc":
		term, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("%s must be a string", key)
		}
		matched, err := s.Search(key, term)
		if err != nil {
			return false, err
		}
		return matched[rec.ID], nil

	case "header":
		list, ok := value.([]any)
		if !ok || len(list) != 2 {
			return false, fmt.Errorf("header must be [name, value]")
		}
		name, nameOK := list[0].(string)
		term, termOK := list[1].(string)
		if !nameOK || !termOK {
			return false, fmt.Errorf("header must be [name, value]")
		}
		matched, err := s.Search(name, term)
		if err != nil {
			return false, err
		}
		return matched[rec.ID], nil

	default:
		return false, fmt.Errorf("unsupported email filter %q", key)
	}
}

func inMailbox(rec *store.Record, mailboxID string) bool {
	mailboxIDs, _ := rec.Properties["mailboxIds"].(map[string]any)
	_, ok := mailboxIDs[mailboxID]
	return ok
}

func hasKeyword(rec *store.Record, keyword string) bool {
	keywords, _ := rec.Properties["keywords"].(map[string]any)
	_, ok := keywords[keyword]
	return ok
}

// threadAggregate holds per-thread keyword counts over active messages.
type threadAggregate struct {
	// counts[threadID][keyword] is how many active messages of the thread
	// carry the keyword.
	counts map[string]map[string]int
	// sizes[threadID] is the number of active messages in the thread.
	sizes map[string]int
}

// threadKeywords builds the aggregate once per query with a single pass over
// the candidate rows.
func threadKeywords(s *query.Scratch) (*threadAggregate, error) {
	v, err := s.Memo("email-thread-keywords", func() (any, error) {
		agg := &threadAggregate{
			counts: make(map[string]map[string]int),
			sizes:  make(map[string]int),
		}
		for _, rec := range s.Rows {
			if !rec.Active {
				continue
			}
			threadID := threadOf(rec)
			agg.sizes[threadID]++
			keywords, _ := rec.Properties["keywords"].(map[string]any)
			for keyword := range keywords {
				byKeyword, ok := agg.counts[threadID]
				if !ok {
					byKeyword = make(map[string]int)
					agg.counts[threadID] = byKeyword
				}
				byKeyword[keyword]++
			}
		}
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*threadAggregate), nil
}

func compare(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "id":
		return query.CompareStrings(a.ID, b.ID), nil
	case "receivedAt", "sentAt":
		return query.CompareStrings(a.String(c.Property), b.String(c.Property)), nil
	case "size":
		return query.CompareNumbers(a.Number("size"), b.Number("size")), nil
	case "subject":
		return query.CompareStrings(a.String("subject"), b.String("subject")), nil
	case "from", "to":
		return query.CompareStrings(firstAddress(a, c.Property), firstAddress(b, c.Property)), nil
	case "isunread":
		return query.CompareBools(!hasKeyword(a, seenKeyword), !hasKeyword(b, seenKeyword)), nil
	case "hasKeyword", "keyword":
		if c.Keyword == "" {
			return 0, fmt.Errorf("%s sort needs a keyword", c.Property)
		}
		return query.CompareBools(hasKeyword(a, c.Keyword), hasKeyword(b, c.Keyword)), nil
	case "allInThreadHaveKeyword", "someInThreadHaveKeyword":
		if c.Keyword == "" {
			return 0, fmt.Errorf("%s sort needs a keyword", c.Property)
		}
		agg, err := threadKeywords(s)
		if err != nil {
			return 0, err
		}
		return query.CompareBools(
			threadHasKeyword(agg, threadOf(a), c.Keyword, c.Property == "allInThreadHaveKeyword"),
			threadHasKeyword(agg, threadOf(b), c.Keyword, c.Property == "allInThreadHaveKeyword"),
		), nil
	default:
		return 0, fmt.Errorf("unsupported email sort property %q", c.Property)
	}
}

func threadHasKeyword(agg *threadAggregate, threadID, keyword string, requireAll bool) bool {
	count := agg.counts[threadID][keyword]
	if requireAll {
		return count > 0 && count == agg.sizes[threadID]
	}
	return count > 0
}

// firstAddress is the sort key for from/to: the display name of the first
// address, falling back to its email.
func firstAddress(rec *store.Record, key string) string {
	list, _ := rec.Properties[key].([]any)
	if len(list) == 0 {
		return ""
	}
	addr, _ := list[0].(map[string]any)
	if name, _ := addr["name"].(string); name != "" {
		return name
	}
	email, _ := addr["email"].(string)
	return email
}

func checkCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	if setErr := normalizeMailboxIDs(ctx, req, props); setErr != nil {
		return setErr
	}
	mailboxIDs, _ := props["mailboxIds"].(map[string]any)
	if len(mailboxIDs) == 0 {
		return verb.NewSetError("invalidProperties", "mailboxIds must name at least one mailbox")
	}
	if _, ok := props["keywords"]; !ok {
		props["keywords"] = map[string]any{}
	}
	if _, ok := props["receivedAt"]; !ok {
		props["receivedAt"] = time.Now().UTC().Format(time.RFC3339)
	}
	if _, ok := props["size"]; !ok {
		props["size"] = 0.0
	}
	if _, ok := props["threadId"]; !ok {
		props["threadId"] = uuid.New().String()
	}
	return nil
}

// mutableProperties are the only top-level properties a client may change on
// an existing message; everything else is fixed at creation.
var mutableProperties = map[string]bool{"mailboxIds": true, "keywords": true}

func checkUpdate(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
	for key := range patch {
		if !mutableProperties[key] {
			return verb.NewSetError("invalidProperties", key+" is immutable")
		}
	}
	if setErr := normalizeMailboxIDs(ctx, req, patch); setErr != nil {
		return setErr
	}
	if raw, ok := patch["mailboxIds"]; ok {
		mailboxIDs, _ := raw.(map[string]any)
		if len(mailboxIDs) == 0 {
			return verb.NewSetError("invalidProperties", "a message must stay in at least one mailbox")
		}
	}
	return nil
}

// normalizeMailboxIDs resolves creation placeholders used as mailboxIds keys
// and verifies every mailbox exists.
func normalizeMailboxIDs(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	raw, ok := props["mailboxIds"]
	if !ok || raw == nil {
		return nil
	}
	mailboxIDs, ok := raw.(map[string]any)
	if !ok {
		return verb.NewSetError("invalidProperties", "mailboxIds must be an object")
	}
	resolved := make(map[string]any, len(mailboxIDs))
	for id, v := range mailboxIDs {
		if v == nil || v == false {
			continue
		}
		resolved[req.ResolveID(id)] = true
	}
	for id := range resolved {
		rec, err := req.Store.GetOne(ctx, req.Account, store.KindMailbox, id)
		if err != nil || !rec.Active {
			return verb.NewSetError("invalidProperties", "mailbox "+id+" does not exist")
		}
	}
	props["mailboxIds"] = resolved
	return nil
}

func serverSet(rec *store.Record) map[string]any {
	return map[string]any{
		"threadId": rec.String("threadId"),
		"size":     rec.Number("size"),
	}
}

// refreshMailboxCounts recomputes the four derived counters of every mailbox
// after a mutation. Counters are written as counts-only updates so a mailbox
// whose messages merely moved does not look substantively changed.
func refreshMailboxCounts(ctx context.Context, req *dispatcher.Request, result *verb.SetResult) error {
	emails, err := req.Store.GetAll(ctx, req.Account, store.KindEmail)
	if err != nil {
		return err
	}

	type counts struct {
		totalEmails, unreadEmails   int
		totalThreads, unreadThreads map[string]bool
	}
	byMailbox := make(map[string]*counts)
	tally := func(mailboxID string) *counts {
		c, ok := byMailbox[mailboxID]
		if !ok {
			c = &counts{totalThreads: make(map[string]bool), unreadThreads: make(map[string]bool)}
			byMailbox[mailboxID] = c
		}
		return c
	}

	for _, email := range emails {
		if !email.Active {
			continue
		}
		unread := !hasKeyword(email, seenKeyword)
		mailboxIDs, _ := email.Properties["mailboxIds"].(map[string]any)
		for mailboxID := range mailboxIDs {
			c := tally(mailboxID)
			c.totalEmails++
			c.totalThreads[email.String("threadId")] = true
			if unread {
				c.unreadEmails++
				c.unreadThreads[email.String("threadId")] = true
			}
		}
	}

	mailboxes, err := req.Store.GetAll(ctx, req.Account, store.KindMailbox)
	if err != nil {
		return err
	}
	for _, mailbox := range mailboxes {
		if !mailbox.Active {
			continue
		}
		c := byMailbox[mailbox.ID]
		if c == nil {
			c = &counts{totalThreads: make(map[string]bool), unreadThreads: make(map[string]bool)}
		}
		want := map[string]any{
			"totalEmails":   float64(c.totalEmails),
			"unreadEmails":  float64(c.unreadEmails),
			"totalThreads":  float64(len(c.totalThreads)),
			"unreadThreads": float64(len(c.unreadThreads)),
		}
		changed := map[string]any{}
		for key, value := range want {
			if mailbox.Number(key) != value {
				changed[key] = value
			}
		}
		if len(changed) == 0 {
			continue
		}
		if _, err := req.Store.Update(ctx, req.Account, store.KindMailbox, mailbox.ID, changed, true); err != nil {
			return err
		}
	}
	return nil
}
