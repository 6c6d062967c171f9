package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanExportsRunAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitOpenTelemetry("continue-reasoning-test", sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx := NewAgentRunContext(context.Background(), "agent-1", "session-1")
	ctx = WithStepIndex(ctx, 2)

	spanCtx, span := StartSpan(ctx, "test", "agent.step", attribute.String("extra", "yes"))
	EndSpan(span, errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "agent.step", got.Name)
	assert.Equal(t, codes.Error, got.Status.Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "agent-1", attrs["cr.agent_id"].AsString())
	assert.Equal(t, int64(2), attrs["cr.step"].AsInt64())
	assert.Equal(t, "yes", attrs["extra"].AsString())

	// the run context already carries a trace id, so it is kept
	assert.Equal(t, GetTraceID(ctx), GetTraceID(spanCtx))
}

func TestStartSpanSetsTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitOpenTelemetry("continue-reasoning-test", sdktrace.WithSyncer(exporter)))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(context.Background(), "test", "root")
	defer EndSpan(span, nil)

	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestShutdownWithoutInit(t *testing.T) {
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
