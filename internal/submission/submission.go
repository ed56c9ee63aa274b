// Package submission implements the EmailSubmission data type: queueing
// messages for delivery, with the onSuccess* arguments that chain an implied
// Email/set onto a successful submission.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/email"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// Register installs the EmailSubmission methods.
func Register(registry *dispatcher.Registry) {
	t := Type()
	verb.RegisterStandard(registry, t, "get", "changes", "query", "queryChanges")
	registry.Register("EmailSubmission/set", setHandler(t))
}

// Type returns the EmailSubmission capability set.
func Type() *verb.Type {
	return &verb.Type{
		Name:                     "EmailSubmission",
		Kind:                     store.KindEmailSubmission,
		Match:                    match,
		Compare:                  compare,
		DefaultSort:              []query.Comparator{{Property: "sentAt", IsAscending: false}},
		CanCalculateQueryChanges: true,
		CheckCreate:              checkCreate,
		CheckUpdate:              checkUpdate,
		ServerSet: func(rec *store.Record) map[string]any {
			return map[string]any{
				"sentAt":     rec.String("sentAt"),
				"undoStatus": rec.String("undoStatus"),
			}
		},
	}
}

func match(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		var ok bool
		switch key {
		case "emailIds":
			list, isList := value.([]any)
			if !isList {
				return false, fmt.Errorf("emailIds must be a list")
			}
			for _, raw := range list {
				if id, isString := raw.(string); isString && rec.String("emailId") == id {
					ok = true
					break
				}
			}
		case "threadIds":
			list, isList := value.([]any)
			if !isList {
				return false, fmt.Errorf("threadIds must be a list")
			}
			for _, raw := range list {
				if id, isString := raw.(string); isString && rec.String("threadId") == id {
					ok = true
					break
				}
			}
		case "undoStatus":
			status, isString := value.(string)
			ok = isString && rec.String("undoStatus") == status
		case "before":
			cutoff, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("before must be a date string")
			}
			ok = rec.String("sentAt") < cutoff
		case "after":
			cutoff, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("after must be a date string")
			}
			ok = rec.String("sentAt") >= cutoff
		default:
			return false, fmt.Errorf("unsupported submission filter %q", key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compare(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "emailId", "threadId", "sentAt":
		return query.CompareStrings(a.String(c.Property), b.String(c.Property)), nil
	default:
		return 0, fmt.Errorf("unsupported submission sort property %q", c.Property)
	}
}

func checkCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	emailID, _ := props["emailId"].(string)
	if emailID == "" {
		return verb.NewSetError("invalidProperties", "emailId is required")
	}
	emailID = req.ResolveID(emailID)
	props["emailId"] = emailID

	message, err := req.Store.GetOne(ctx, req.Account, store.KindEmail, emailID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !message.Active) {
		return verb.NewSetError("invalidProperties", "emailId does not exist")
	}
	if err != nil {
		return verb.NewSetError("serverError", err.Error())
	}

	props["threadId"] = message.String("threadId")
	props["sentAt"] = time.Now().UTC().Format(time.RFC3339)
	props["undoStatus"] = "final"
	return nil
}

func checkUpdate(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
	// Only undo is updatable, and only while the submission is pending.
	for key := range patch {
		if key != "undoStatus" {
			return verb.NewSetError("invalidProperties", key+" is immutable")
		}
	}
	if status, ok := patch["undoStatus"].(string); ok {
		if status != "canceled" {
			return verb.NewSetError("invalidProperties", "undoStatus can only be set to canceled")
		}
		if rec.String("undoStatus") != "pending" {
			return verb.NewSetError("cannotUnsend", "submission is no longer pending")
		}
	}
	return nil
}

// setHandler wraps the uniform /set verb and then applies the
// onSuccessUpdateEmail / onSuccessDestroyEmail arguments, emitting the
// implied Email/set as a second response under the same call tag.
func setHandler(t *verb.Type) dispatcher.Handler {
	emailType := email.Type()
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, result, methodErr := verb.Set(ctx, req, t, args)
		if methodErr != nil {
			return nil, methodErr
		}
		responses := []resultref.MethodResponse{{Name: "EmailSubmission/set", Args: payload}}

		emailUpdates := map[string]any{}
		var emailDestroys []any

		onUpdate, _ := args["onSuccessUpdateEmail"].(map[string]any)
		for ref, rawPatch := range onUpdate {
			emailID, ok := successEmailID(ctx, req, t, result, ref)
			if !ok {
				continue
			}
			if patch, isMap := rawPatch.(map[string]any); isMap {
				emailUpdates[emailID] = patch
			}
		}
		onDestroy, _ := args["onSuccessDestroyEmail"].([]any)
		for _, raw := range onDestroy {
			ref, isString := raw.(string)
			if !isString {
				continue
			}
			if emailID, ok := successEmailID(ctx, req, t, result, ref); ok {
				emailDestroys = append(emailDestroys, emailID)
			}
		}

		if len(emailUpdates) == 0 && len(emailDestroys) == 0 {
			return responses, nil
		}

		impliedArgs := map[string]any{}
		if len(emailUpdates) > 0 {
			impliedArgs["update"] = emailUpdates
		}
		if len(emailDestroys) > 0 {
			impliedArgs["destroy"] = emailDestroys
		}
		impliedPayload, _, impliedErr := verb.Set(ctx, req, emailType, impliedArgs)
		if impliedErr != nil {
			responses = append(responses, resultref.MethodResponse{Name: "error", Args: impliedErr.ToMap()})
			return responses, nil
		}
		responses = append(responses, resultref.MethodResponse{Name: "Email/set", Args: impliedPayload})
		return responses, nil
	}
}

// successEmailID maps an onSuccess reference (a submission id or #cid) to
// the emailId of a submission that succeeded in this call.
func successEmailID(ctx context.Context, req *dispatcher.Request, t *verb.Type, result *verb.SetResult, ref string) (string, bool) {
	var submissionID string
	if strings.HasPrefix(ref, "#") {
		id, ok := result.Created[ref[1:]]
		if !ok {
			return "", false
		}
		submissionID = id
	} else {
		submissionID = ref
		succeeded := false
		for _, ids := range [][]string{result.Updated, result.Destroyed} {
			for _, id := range ids {
				if id == submissionID {
					succeeded = true
					break
				}
			}
		}
		for _, id := range result.Created {
			if id == submissionID {
				succeeded = true
				break
			}
		}
		if !succeeded {
			return "", false
		}
	}
	// A just-destroyed submission is a tombstone; its emailId still applies.
	rec, err := req.Store.GetOne(ctx, req.Account, t.Kind, submissionID)
	if err != nil {
		return "", false
	}
	emailID := rec.String("emailId")
	return emailID, emailID != ""
}
