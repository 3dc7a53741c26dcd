// Package observe wires the gateway's distributed-tracing and metrics
// providers. It is deliberately separate from the Prometheus /metrics
// surface in internal/adapter/inbound/http (request counters/latency
// histograms scraped by an operator's Prometheus server): this package
// covers span-level tracing of individual tool calls and hub reconnect
// attempts, exported to stdout when enabled so an operator can inspect
// a single request's timeline without standing up a collector.
package observe

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// Enabled gates provider setup. When false, InitProvider installs
	// the no-op global providers already in place and returns early.
	Enabled bool

	// Writer receives the stdout-exported spans and metric batches.
	// Defaults to io.Discard when nil, which still exercises the
	// exporter/provider wiring without printing anything.
	Writer io.Writer
}

// InitProvider installs a TracerProvider and MeterProvider that export to
// Writer, and registers them as the global OTel providers. Returns a
// shutdown function that flushes and closes both; call it in a defer from
// the CLI's start command.
//
// Shape follows a common OTel SDK bootstrap pattern (resource-tagged
// MeterProvider + TracerProvider, combined shutdown func), adapted to this
// gateway's go.mod choice of stdout exporters rather than a Prometheus
// metrics bridge or OTLP trace exporter.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	writer := cfg.Writer
	if writer == nil {
		writer = io.Discard
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(writer))
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writer))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return noop, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(mp)

	shutdown = func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, nil
}
