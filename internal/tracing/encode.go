package tracing

import (
	"encoding/json"

	"go.opentelemetry.io/otel/trace"
)

// traceJSON is the stored form of a span context on a transaction.
type traceJSON struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Marshal encodes the opentelemetry SpanContext for storage on a
// transaction's trace field.
func Marshal(span trace.SpanContext) ([]byte, error) {
	return json.Marshal(traceJSON{
		TraceID: span.TraceID().String(),
		SpanID:  span.SpanID().String(),
	})
}
