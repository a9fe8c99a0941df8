// Package telemetry installs OpenTelemetry tracing and provides the span
// helpers used around store appends, DCB execution, agent pattern
// evaluation and command dispatch.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationPrefix = "github.com/libar-dev/libar-platform/"

// Span names.
const (
	SpanAppend          = "eventstore.append"
	SpanDCBExecute      = "dcb.execute"
	SpanDCBRetry        = "dcb.retry"
	SpanAgentPatterns   = "agent.execute_patterns"
	SpanCommandDispatch = "commandbus.dispatch"
)

// Attribute keys shared across packages.
const (
	AttrStream    = attribute.Key("libar.stream")
	AttrScope     = attribute.Key("libar.scope_key")
	AttrAttempt   = attribute.Key("libar.attempt")
	AttrStatus    = attribute.Key("libar.status")
	AttrAgent     = attribute.Key("libar.agent_id")
	AttrPattern   = attribute.Key("libar.pattern")
	AttrCommand   = attribute.Key("libar.command_type")
	AttrCommandID = attribute.Key("libar.command_id")
)

// Config selects the exporter. An empty Endpoint disables export.
type Config struct {
	Endpoint    string
	ServiceName string
}

// Setup installs a global tracer provider exporting over OTLP/HTTP.
//
// Tracing is opt-in: with no endpoint Setup registers nothing and returns a
// no-op shutdown. The returned shutdown flushes pending spans and should be
// deferred by the caller.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "libar"
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Tracer returns the tracer for one package, e.g. Tracer("dcb").
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + pkg)
}

// Start opens a span on the package tracer.
func Start(ctx context.Context, pkg, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer(pkg).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
