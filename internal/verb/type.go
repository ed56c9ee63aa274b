// Package verb implements the five uniform JMAP verbs — /get, /changes,
// /query, /queryChanges, /set — generically over a per-type capability set.
// Domain packages bind their data type by filling in a Type and registering
// the verb handlers they support.
package verb

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/logging"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
)

var logger = logging.New()

// SetError is a per-entity /set failure: {type, description?}.
type SetError map[string]any

// NewSetError builds a per-entity failure value.
func NewSetError(errorType, description string) SetError {
	m := SetError{"type": errorType}
	if description != "" {
		m["description"] = description
	}
	return m
}

// SetResult summarizes one /set run for the AfterSet hook and for callers
// that chain implied calls off the outcome.
type SetResult struct {
	// Created maps creation placeholders to server-assigned ids.
	Created   map[string]string
	Updated   []string
	Destroyed []string
}

// Changed returns every id touched by the set, in create/update/destroy
// order.
func (r *SetResult) Changed() []string {
	ids := make([]string, 0, len(r.Created)+len(r.Updated)+len(r.Destroyed))
	for _, id := range r.Created {
		ids = append(ids, id)
	}
	ids = append(ids, r.Updated...)
	return append(ids, r.Destroyed...)
}

// Type is the capability set a data type provides to the verb framework.
// Only Name and Kind are required; nil hooks disable the corresponding
// behavior.
type Type struct {
	// Name is the JMAP type name, e.g. "Email".
	Name string
	Kind store.Kind

	// Singleton types hold exactly one object with the well-known id
	// "singleton"; /set rejects create and destroy for them.
	Singleton bool
	// SingletonDefault supplies the object returned by /get before the
	// singleton has ever been written.
	SingletonDefault func() map[string]any

	// Match evaluates one leaf filter condition. Nil means the type has no
	// filterable properties.
	Match query.Predicate
	// Compare compares two records on one sort property. Nil means only the
	// implicit id order is available.
	Compare query.FieldCompare
	// DefaultSort applies when a /query names no sort.
	DefaultSort []query.Comparator
	// ThreadOf maps a record to its thread id; set on Email to enable
	// collapseThreads.
	ThreadOf func(rec *store.Record) string
	// CanCalculateQueryChanges is echoed in /query responses.
	CanCalculateQueryChanges bool

	// Sync pulls the backing store up to date from the external source; the
	// /set flow runs it before reading oldState and again before newState.
	Sync func(ctx context.Context, req *dispatcher.Request) error

	// NewID assigns the id for a created object. Nil means a random UUID.
	NewID func(props map[string]any) string
	// CheckCreate validates and normalizes creation properties; a non-nil
	// SetError rejects the entity.
	CheckCreate func(ctx context.Context, req *dispatcher.Request, props map[string]any) SetError
	// CheckUpdate validates an expanded update patch against the current
	// record.
	CheckUpdate func(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) SetError
	// CheckDestroy validates a destroy; args carries the whole /set args for
	// type-specific switches such as onDestroyRemoveEmails.
	CheckDestroy func(ctx context.Context, req *dispatcher.Request, rec *store.Record, args map[string]any) SetError
	// ServerSet returns extra server-assigned properties reported in the
	// created map alongside id.
	ServerSet func(rec *store.Record) map[string]any
	// AfterSet runs inside the superlock after all mutations, before the
	// closing sync; Email uses it to refresh mailbox counters.
	AfterSet func(ctx context.Context, req *dispatcher.Request, result *SetResult) error

	// ChangedProperties computes the /changes changedProperties member from
	// the updated rows; only Mailbox sets it.
	ChangedProperties func(updated []*store.Record, since int64) any
}

func (t *Type) newID(props map[string]any) string {
	if t.NewID != nil {
		if id := t.NewID(props); id != "" {
			return id
		}
	}
	return uuid.New().String()
}

// formatState renders a state token. Tokens are opaque strings to clients;
// internally they are the store's int64 modseq.
func formatState(state int64) string {
	return strconv.FormatInt(state, 10)
}

func parseState(s string) (int64, bool) {
	state, err := strconv.ParseInt(s, 10, 64)
	if err != nil || state < 0 {
		return 0, false
	}
	return state, true
}

// checkAccount validates an explicit accountId argument against the
// request's account.
func checkAccount(req *dispatcher.Request, args map[string]any) (string, *jmaperror.MethodError) {
	if raw, present := args["accountId"]; present && raw != nil {
		accountID, ok := raw.(string)
		if !ok {
			return "", jmaperror.InvalidArguments("accountId must be a string")
		}
		if accountID != req.Account {
			return "", jmaperror.AccountNotFound("Unknown accountId " + accountID)
		}
	}
	return req.Account, nil
}

// project returns the object payload with only the requested properties;
// id is always included.
func project(rec *store.Record, properties []string) map[string]any {
	if properties == nil {
		out := make(map[string]any, len(rec.Properties)+1)
		for k, v := range rec.Properties {
			out[k] = v
		}
		out["id"] = rec.ID
		return out
	}
	out := make(map[string]any, len(properties)+1)
	for _, p := range properties {
		if p == "id" {
			continue
		}
		if v, ok := rec.Properties[p]; ok {
			out[p] = v
		}
	}
	out["id"] = rec.ID
	return out
}

func parseProperties(args map[string]any) ([]string, *jmaperror.MethodError) {
	raw, present := args["properties"]
	if !present || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, jmaperror.InvalidArguments("properties must be a list of strings")
	}
	properties := make([]string, 0, len(list))
	for _, elem := range list {
		p, ok := elem.(string)
		if !ok {
			return nil, jmaperror.InvalidArguments("properties must be a list of strings")
		}
		properties = append(properties, p)
	}
	return properties, nil
}

// response wraps a verb payload as the single method response it produces.
func response(name string, payload map[string]any) []resultref.MethodResponse {
	return []resultref.MethodResponse{{Name: name, Args: payload}}
}
