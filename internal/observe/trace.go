package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for this gateway's tracer.
const tracerName = "github.com/shenjingnan/xiaozhi-gateway"

// Tracer returns the package-level Tracer, bound to whatever
// TracerProvider is currently registered globally (a no-op one until
// InitProvider is called with Enabled).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span under the gateway's tracer and returns the
// updated context and span. The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}
