// Package calendar implements the Calendar, CalendarEvent, and
// CalendarPreferences data types, plus the Calendar/refreshSynced trigger
// for pulling remote calendars.
package calendar

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/query"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/verb"
)

// Register installs the calendar methods.
func Register(registry *dispatcher.Registry) {
	verb.RegisterStandard(registry, CalendarType(), "get", "changes", "set")
	verb.RegisterStandard(registry, EventType(), "get", "changes", "query", "set")
	verb.RegisterStandard(registry, PreferencesType(), "get", "set")
	registry.Register("Calendar/refreshSynced", refreshSyncedHandler)
}

// CalendarType returns the Calendar capability set.
func CalendarType() *verb.Type {
	return &verb.Type{
		Name: "Calendar",
		Kind: store.KindCalendar,
		Sync: func(ctx context.Context, req *dispatcher.Request) error {
			return req.Store.SyncCalendars(ctx, req.Account)
		},
		CheckCreate: func(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
			if name, _ := props["name"].(string); name == "" {
				return verb.NewSetError("invalidProperties", "name is required")
			}
			if _, ok := props["isVisible"]; !ok {
				props["isVisible"] = true
			}
			return nil
		},
		CheckDestroy: checkCalendarDestroy,
	}
}

// checkCalendarDestroy moves or removes the calendar's events first, mirroring
// the mailbox destroy switch.
func checkCalendarDestroy(ctx context.Context, req *dispatcher.Request, rec *store.Record, args map[string]any) verb.SetError {
	events, err := req.Store.GetAll(ctx, req.Account, store.KindCalendarEvent)
	if err != nil {
		return verb.NewSetError("serverError", err.Error())
	}
	var owned []*store.Record
	for _, event := range events {
		if event.Active && event.String("calendarId") == rec.ID {
			owned = append(owned, event)
		}
	}
	if len(owned) == 0 {
		return nil
	}
	if remove, _ := args["onDestroyRemoveEvents"].(bool); !remove {
		return verb.NewSetError("calendarHasEvent", "calendar still contains events")
	}
	for _, event := range owned {
		if err := req.Store.Destroy(ctx, req.Account, store.KindCalendarEvent, event.ID); err != nil {
			return verb.NewSetError("serverError", err.Error())
		}
	}
	return nil
}

// EventType returns the CalendarEvent capability set.
func EventType() *verb.Type {
	return &verb.Type{
		Name:        "CalendarEvent",
		Kind:        store.KindCalendarEvent,
		Match:       matchEvent,
		Compare:     compareEvent,
		DefaultSort: []query.Comparator{{Property: "start", IsAscending: true}},
		Sync: func(ctx context.Context, req *dispatcher.Request) error {
			return req.Store.SyncCalendars(ctx, req.Account)
		},
		CheckCreate: checkEventCreate,
		CheckUpdate: checkEventUpdate,
	}
}

func matchEvent(s *query.Scratch, rec *store.Record, cond map[string]any) (bool, error) {
	for key, value := range cond {
		var ok bool
		switch key {
		case "inCalendars":
			list, isList := value.([]any)
			if !isList {
				return false, fmt.Errorf("inCalendars must be a list")
			}
			for _, raw := range list {
				if id, isString := raw.(string); isString && rec.String("calendarId") == id {
					ok = true
					break
				}
			}
		case "before":
			cutoff, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("before must be a date string")
			}
			ok = rec.String("start") < cutoff
		case "after":
			cutoff, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("after must be a date string")
			}
			// An event overlaps the window if it has not ended by the cutoff.
			end := rec.String("end")
			if end == "" {
				end = rec.String("start")
			}
			ok = end >= cutoff
		case "text":
			term, isString := value.(string)
			if !isString {
				return false, fmt.Errorf("text must be a string")
			}
			ok = store.MatchEmailField(&store.Record{Properties: map[string]any{
				"subject":  rec.String("title"),
				"textBody": rec.String("description"),
			}}, "text", term)
		case "uid":
			uid, isString := value.(string)
			ok = isString && rec.String("uid") == uid
		default:
			return false, fmt.Errorf("unsupported event filter %q", key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compareEvent(s *query.Scratch, a, b *store.Record, c query.Comparator) (int, error) {
	switch c.Property {
	case "start", "end", "created", "updated":
		return query.CompareStrings(a.String(c.Property), b.String(c.Property)), nil
	case "uid":
		return query.CompareStrings(a.String("uid"), b.String("uid")), nil
	default:
		return 0, fmt.Errorf("unsupported event sort property %q", c.Property)
	}
}

func checkEventCreate(ctx context.Context, req *dispatcher.Request, props map[string]any) verb.SetError {
	calendarID, _ := props["calendarId"].(string)
	if calendarID == "" {
		return verb.NewSetError("invalidProperties", "calendarId is required")
	}
	calendarID = req.ResolveID(calendarID)
	props["calendarId"] = calendarID
	calendar, err := req.Store.GetOne(ctx, req.Account, store.KindCalendar, calendarID)
	if err != nil || !calendar.Active {
		return verb.NewSetError("invalidProperties", "calendar "+calendarID+" does not exist")
	}
	if start, _ := props["start"].(string); start == "" {
		return verb.NewSetError("invalidProperties", "start is required")
	}
	return nil
}

func checkEventUpdate(ctx context.Context, req *dispatcher.Request, rec *store.Record, patch map[string]any) verb.SetError {
	if raw, ok := patch["calendarId"]; ok {
		calendarID, _ := raw.(string)
		if calendarID == "" {
			return verb.NewSetError("invalidProperties", "calendarId must not be empty")
		}
		calendarID = req.ResolveID(calendarID)
		patch["calendarId"] = calendarID
		calendar, err := req.Store.GetOne(ctx, req.Account, store.KindCalendar, calendarID)
		if err != nil || !calendar.Active {
			return verb.NewSetError("invalidProperties", "calendar "+calendarID+" does not exist")
		}
	}
	return nil
}

// PreferencesType returns the CalendarPreferences singleton.
func PreferencesType() *verb.Type {
	return &verb.Type{
		Name:      "CalendarPreferences",
		Kind:      store.KindCalendarPreferences,
		Singleton: true,
		SingletonDefault: func() map[string]any {
			return map[string]any{
				"defaultCalendarId":        nil,
				"defaultAlertsWithTime":    []any{},
				"defaultAlertsWithoutTime": []any{},
			}
		},
	}
}

// refreshSyncedHandler triggers a pull of remote calendar subscriptions and
// reports the resulting state.
func refreshSyncedHandler(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
	if accountID, ok := args["accountId"].(string); ok && accountID != req.Account {
		return nil, jmaperror.AccountNotFound("Unknown accountId " + accountID)
	}

	release, err := req.Store.BeginSuperlock(ctx, req.Account, store.KindCalendar)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to acquire write lock", err)
	}
	defer release()

	if err := req.Store.SyncCalendars(ctx, req.Account); err != nil {
		return nil, jmaperror.ServerFail("calendar refresh failed", err)
	}

	state, err := req.Store.State(ctx, req.Account, store.KindCalendar)
	if err != nil {
		return nil, jmaperror.ServerFail("failed to read state", err)
	}
	return []resultref.MethodResponse{{Name: "Calendar/refreshSynced", Args: map[string]any{
		"accountId": req.Account,
		"newState":  strconv.FormatInt(state, 10),
	}}}, nil
}
