package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs a global tracer provider for serviceName. Extra
// options (exporters, samplers) are appended to the defaults. Calls after
// the first are no-ops until ShutdownOpenTelemetry.
func InitOpenTelemetry(serviceName string, opts ...sdktrace.TracerProviderOption) error {
	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return err
	}

	all := append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	}, opts...)
	provider = sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and uninstalls the provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the agent, session and step carried in
// ctx. The span's trace id becomes the context trace id when none is set, so
// log lines and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc := FromContext(ctx)
	if tc.AgentID != "" {
		attrs = append(attrs, attribute.String("cr.agent_id", tc.AgentID))
	}
	if tc.RunID != "" {
		attrs = append(attrs, attribute.String("cr.run_id", tc.RunID))
	}
	if tc.HasStep {
		attrs = append(attrs, attribute.Int("cr.step", tc.StepIndex))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if tc.TraceID == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan records err on the span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
