// Package tracing wraps OpenTelemetry setup and span helpers.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
var (
	AccountID = attribute.Key("jmap.account_id")
	Method    = attribute.Key("jmap.method")
	CallTag   = attribute.Key("jmap.call_tag")
	ElapsedMS = attribute.Key("jmap.elapsed_ms")
)

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Init installs a no-export tracer provider. The Lambda entrypoint installs the
// X-Ray provider instead; Init is for tests and local runs.
func Init() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// RecordError marks the span as failed and records err on it.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
