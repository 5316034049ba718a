package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// redactingExporter strips credentials from span attributes, event
// attributes and status descriptions before export. Spans from the tracing
// client and the monitoring sinks can carry request errors that echo keys.
type redactingExporter struct {
	next sdktrace.SpanExporter
}

func newRedactingExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &redactingExporter{next: next}
}

func (e *redactingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = redactSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *redactingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

// redactSpan returns span itself when nothing needs redacting.
func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	dirty := attrsContainSecret(span.Attributes()) || ContainsSecret(span.Status().Description)
	for _, event := range span.Events() {
		dirty = dirty || attrsContainSecret(event.Attributes)
	}
	if !dirty {
		return span
	}

	stub := tracetest.SpanStubFromReadOnlySpan(span)
	stub.Attributes = redactAttrs(stub.Attributes)
	for i := range stub.Events {
		stub.Events[i].Attributes = redactAttrs(stub.Events[i].Attributes)
	}
	stub.Status.Description = RedactSecrets(stub.Status.Description)
	return stub.Snapshot()
}

func attrsContainSecret(attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && ContainsSecret(kv.Value.AsString()) {
			return true
		}
	}
	return false
}

func redactAttrs(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		if kv.Value.Type() == attribute.STRING {
			out[i] = attribute.String(string(kv.Key), RedactSecrets(kv.Value.AsString()))
			continue
		}
		out[i] = kv
	}
	return out
}
