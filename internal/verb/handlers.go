package verb

import (
	"context"

	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/resultref"
)

// GetHandler adapts the uniform /get verb to a dispatcher handler.
func GetHandler(t *Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, err := Get(ctx, req, t, args)
		if err != nil {
			return nil, err
		}
		return response(t.Name+"/get", payload), nil
	}
}

// ChangesHandler adapts the uniform /changes verb.
func ChangesHandler(t *Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, err := Changes(ctx, req, t, args)
		if err != nil {
			return nil, err
		}
		return response(t.Name+"/changes", payload), nil
	}
}

// QueryHandler adapts the uniform /query verb.
func QueryHandler(t *Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, err := Query(ctx, req, t, args)
		if err != nil {
			return nil, err
		}
		return response(t.Name+"/query", payload), nil
	}
}

// QueryChangesHandler adapts the uniform /queryChanges verb.
func QueryChangesHandler(t *Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, err := QueryChanges(ctx, req, t, args)
		if err != nil {
			return nil, err
		}
		return response(t.Name+"/queryChanges", payload), nil
	}
}

// SetHandler adapts the uniform /set verb. Types that emit implied responses
// off the set outcome (EmailSubmission) wrap Set directly instead.
func SetHandler(t *Type) dispatcher.Handler {
	return func(ctx context.Context, req *dispatcher.Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError) {
		payload, _, err := Set(ctx, req, t, args)
		if err != nil {
			return nil, err
		}
		return response(t.Name+"/set", payload), nil
	}
}

// RegisterStandard installs the named verbs for a type. Verbs are one of
// "get", "changes", "query", "queryChanges", "set".
func RegisterStandard(registry *dispatcher.Registry, t *Type, verbs ...string) {
	for _, v := range verbs {
		switch v {
		case "get":
			registry.Register(t.Name+"/get", GetHandler(t))
		case "changes":
			registry.Register(t.Name+"/changes", ChangesHandler(t))
		case "query":
			registry.Register(t.Name+"/query", QueryHandler(t))
		case "queryChanges":
			registry.Register(t.Name+"/queryChanges", QueryChangesHandler(t))
		case "set":
			registry.Register(t.Name+"/set", SetHandler(t))
		}
	}
}
