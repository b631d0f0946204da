package tracing

import (
	"encoding/json"

	"github.com/luno/jettison/errors"
	"go.opentelemetry.io/otel/trace"
)

// Unmarshal decodes a stored trace back into an opentelemetry SpanContext.
func Unmarshal(data []byte) (trace.SpanContext, error) {
	var tj traceJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return trace.SpanContext{}, errors.Wrap(err, "unmarshal trace")
	}

	traceID, err := trace.TraceIDFromHex(tj.TraceID)
	if err != nil {
		return trace.SpanContext{}, errors.Wrap(err, "parse trace id")
	}

	spanID, err := trace.SpanIDFromHex(tj.SpanID)
	if err != nil {
		return trace.SpanContext{}, errors.Wrap(err, "parse span id")
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
		Remote:  true,
	}), nil
}
