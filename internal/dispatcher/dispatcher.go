// Package dispatcher routes the method calls of one JMAP request to their
// handlers, resolving back-references between calls and framing errors.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailtide/jmap-api/internal/jmaperror"
	"github.com/mailtide/jmap-api/internal/logging"
	"github.com/mailtide/jmap-api/internal/resultref"
	"github.com/mailtide/jmap-api/internal/store"
	"github.com/mailtide/jmap-api/internal/tracing"
)

var logger = logging.New()

// Request is the per-request scratch shared by every call in one batch: the
// backing store, the account, the result log read by back-references, and
// the creation-placeholder map populated by /set create.
type Request struct {
	Store   store.Store
	Account string
	Log     *resultref.Log
	// CreatedIDs maps creation placeholders (without the leading '#') to
	// server-assigned ids, visible to later calls of the same request.
	CreatedIDs map[string]string
}

// ResolveID maps a "#placeholder" id to the id assigned earlier in this
// request; other ids pass through unchanged.
func (r *Request) ResolveID(id string) string {
	if strings.HasPrefix(id, "#") {
		if assigned, ok := r.CreatedIDs[id[1:]]; ok {
			return assigned
		}
	}
	return id
}

// Handler processes one method call. It returns the responses to emit (a
// call may yield several, e.g. an implied Email/set) or a method-level
// error; the dispatcher frames the error response.
type Handler func(ctx context.Context, req *Request, args map[string]any, tag string) ([]resultref.MethodResponse, *jmaperror.MethodError)

// Registry maps normalized method names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs a handler under a method name such as "Mailbox/get".
func (r *Registry) Register(method string, h Handler) {
	r.handlers[normalize(method)] = h
}

// Lookup finds the handler for a method name.
func (r *Registry) Lookup(method string) (Handler, bool) {
	h, ok := r.handlers[normalize(method)]
	return h, ok
}

func normalize(method string) string {
	return strings.ReplaceAll(method, "/", "_")
}

// Dispatcher executes request batches against a registry and store.
type Dispatcher struct {
	registry *Registry
	store    store.Store
}

// New returns a dispatcher.
func New(registry *Registry, st store.Store) *Dispatcher {
	return &Dispatcher{registry: registry, store: st}
}

// Execute runs the calls of one request strictly in order and returns the
// correlated responses. Every call yields at least one response (possibly an
// error) under its original tag; a failed call never aborts the batch.
func (d *Dispatcher) Execute(ctx context.Context, accountID string, calls []Call) []resultref.MethodResponse {
	tracer := tracing.Tracer("jmap-dispatcher")
	ctx, span := tracer.Start(ctx, "ExecuteRequest")
	defer span.End()
	span.SetAttributes(tracing.AccountID.String(accountID))

	req := &Request{
		Store:      d.store,
		Account:    accountID,
		Log:        resultref.NewLog(),
		CreatedIDs: make(map[string]string),
	}

	for _, call := range calls {
		d.executeCall(ctx, req, call)
	}

	return req.Log.Responses()
}

func (d *Dispatcher) executeCall(ctx context.Context, req *Request, call Call) {
	tracer := tracing.Tracer("jmap-dispatcher")
	ctx, span := tracer.Start(ctx, call.Name)
	defer span.End()
	span.SetAttributes(tracing.Method.String(call.Name), tracing.CallTag.String(call.Tag))

	start := time.Now()

	args, refErr := resultref.ResolveArgs(call.Args, req.Log)
	if refErr != nil {
		// The error replaces the method's own result; the handler never runs.
		req.Log.Add(resultref.MethodResponse{Name: "error", Args: refErr.ToMap(), Tag: call.Tag})
		tracing.RecordError(span, refErr)
		return
	}

	handler, ok := d.registry.Lookup(call.Name)
	if !ok {
		methodErr := jmaperror.UnknownMethod("No handler for method " + call.Name)
		req.Log.Add(resultref.MethodResponse{Name: "error", Args: methodErr.ToMap(), Tag: call.Tag})
		tracing.RecordError(span, methodErr)
		return
	}

	responses, methodErr := d.invoke(ctx, req, handler, args, call.Tag)

	elapsed := time.Since(start)
	span.SetAttributes(tracing.ElapsedMS.Int64(elapsed.Milliseconds()))

	if methodErr != nil {
		req.Log.Add(resultref.MethodResponse{Name: "error", Args: methodErr.ToMap(), Tag: call.Tag})
		tracing.RecordError(span, methodErr)
		logger.WarnContext(ctx, "Method call failed",
			slog.String("method", call.Name),
			slog.String("call_tag", call.Tag),
			slog.String("error_type", methodErr.Type),
			slog.Duration("elapsed", elapsed),
		)
		return
	}

	for _, response := range responses {
		response.Tag = call.Tag
		req.Log.Add(response)
	}
	logger.InfoContext(ctx, "Method call completed",
		slog.String("method", call.Name),
		slog.String("call_tag", call.Tag),
		slog.Int("responses", len(responses)),
		slog.Duration("elapsed", elapsed),
	)
}

// invoke runs the handler inside the top-level failure guard: a panic rolls
// back any open transaction and becomes a serverError response, and the
// batch continues with the next call.
func (d *Dispatcher) invoke(ctx context.Context, req *Request, handler Handler, args map[string]any, tag string) (responses []resultref.MethodResponse, methodErr *jmaperror.MethodError) {
	defer func() {
		if r := recover(); r != nil {
			if err := d.store.Rollback(ctx); err != nil {
				logger.ErrorContext(ctx, "Rollback after panic failed", slog.String("error", err.Error()))
			}
			methodErr = jmaperror.ServerFail(fmt.Sprintf("unhandled failure: %v", r), nil)
			responses = nil
		}
	}()

	return handler(ctx, req, args, tag)
}
