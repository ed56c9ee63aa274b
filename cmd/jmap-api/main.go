// Package main implements the JMAP API Lambda handler: one function serving
// every method through the dispatcher.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/otel"

	"github.com/mailtide/jmap-api/internal/account"
	"github.com/mailtide/jmap-api/internal/calendar"
	"github.com/mailtide/jmap-api/internal/contact"
	"github.com/mailtide/jmap-api/internal/dispatcher"
	"github.com/mailtide/jmap-api/internal/email"
	"github.com/mailtide/jmap-api/internal/logging"
	"github.com/mailtide/jmap-api/internal/mailbox"
	"github.com/mailtide/jmap-api/internal/snippet"
	"github.com/mailtide/jmap-api/internal/store/dynamostore"
	"github.com/mailtide/jmap-api/internal/submission"
	"github.com/mailtide/jmap-api/internal/thread"
)

var logger = logging.New()

// Event is the invocation payload: the authenticated account and the JMAP
// request body. Authentication happens upstream at the API gateway.
type Event struct {
	AccountID string                     `json:"accountId"`
	Request   dispatcher.RequestEnvelope `json:"request"`
}

type handler struct {
	dispatcher *dispatcher.Dispatcher
}

func (h *handler) handle(ctx context.Context, event Event) (dispatcher.ResponseEnvelope, error) {
	responses := h.dispatcher.Execute(ctx, event.AccountID, event.Request.MethodCalls)
	return dispatcher.ResponseEnvelope{MethodResponses: responses}, nil
}

// newRegistry installs every method handler.
func newRegistry() *dispatcher.Registry {
	registry := dispatcher.NewRegistry()
	mailbox.Register(registry)
	email.Register(registry)
	thread.Register(registry)
	snippet.Register(registry)
	submission.Register(registry)
	calendar.Register(registry)
	contact.Register(registry)
	account.Register(registry)
	return registry
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	tableName := os.Getenv("JMAP_TABLE_NAME")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	st := dynamostore.New(dynamodb.NewFromConfig(cfg), tableName)
	h := &handler{dispatcher: dispatcher.New(newRegistry(), st)}

	logger.Info("JMAP API handler starting", slog.String("table", tableName))
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
