package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "microvm-sandbox"

// Tracer wraps OpenTelemetry tracing for the runtime.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("microvm.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for execution tracing.
var (
	AttrExecID     = attribute.Key("microvm.execution.id")
	AttrImage      = attribute.Key("microvm.image")
	AttrBackend    = attribute.Key("microvm.backend")
	AttrCodeHash   = attribute.Key("microvm.code_hash")
	AttrExitCode   = attribute.Key("microvm.exit_code")
	AttrDurationMS = attribute.Key("microvm.duration_ms")
)
