package tracing_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/luno/projex/internal/tracing"
)

func TestExtract(t *testing.T) {
	setup()

	ctx := context.Background()
	ctx, span := otel.Tracer("projex").Start(ctx, "span")
	span.End()

	actualSpanCtx, hasTrace := tracing.Extract(ctx)
	require.True(t, hasTrace)
	require.NotEmpty(t, actualSpanCtx.TraceID().String())
	require.NotEmpty(t, actualSpanCtx.SpanID().String())
	require.Equal(t, span.SpanContext(), actualSpanCtx)
}

func TestMarshalUnmarshal(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("00000000000000000000000000000009")
	jtest.RequireNil(t, err)

	spanID, err := trace.SpanIDFromHex("0000000000000002")
	jtest.RequireNil(t, err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})

	data, err := tracing.Marshal(spanCtx)
	jtest.RequireNil(t, err)

	got, err := tracing.Unmarshal(data)
	jtest.RequireNil(t, err)
	require.Equal(t, traceID, got.TraceID())
	require.Equal(t, spanID, got.SpanID())
	require.True(t, got.IsRemote())
}

func TestInject(t *testing.T) {
	setup()

	traceID, err := trace.TraceIDFromHex("00000000000000000000000000000009")
	jtest.RequireNil(t, err)

	spanID, err := trace.SpanIDFromHex("0000000000000002")
	jtest.RequireNil(t, err)

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})

	data, err := tracing.Marshal(spanCtx)
	jtest.RequireNil(t, err)

	ctx := tracing.Inject(context.Background(), data)

	got, hasTrace := tracing.Extract(ctx)
	require.True(t, hasTrace)
	require.Equal(t, traceID, got.TraceID())
	require.Equal(t, spanID, got.SpanID())
}

func TestInjectInvalid(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, ctx, tracing.Inject(ctx, nil))
	require.Equal(t, ctx, tracing.Inject(ctx, []byte("not json")))
}

func setup() {
	tp := tracesdk.NewTracerProvider()
	otel.SetTracerProvider(tp)
}
