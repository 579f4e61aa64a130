// Package observer provides OTEL-based observability for dispatcher
// operations. It wraps the LLM provider and the tool dispatch with
// instrumented versions that emit traces and metrics via OpenTelemetry;
// export targets come from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, …).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/steward/observer"

// Instruments holds the OTEL instruments used by the wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	TokenUsage     metric.Int64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter

	LLMDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("steward")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments(tp.Tracer(scopeName), mp.Meter(scopeName))
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{Tracer: tracer, Meter: meter}
	var err error
	if inst.TokenUsage, err = meter.Int64Counter("steward.llm.tokens",
		metric.WithDescription("LLM tokens consumed"), metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if inst.LLMRequests, err = meter.Int64Counter("steward.llm.requests",
		metric.WithDescription("LLM chat requests")); err != nil {
		return nil, err
	}
	if inst.ToolExecutions, err = meter.Int64Counter("steward.tool.executions",
		metric.WithDescription("Tool dispatches")); err != nil {
		return nil, err
	}
	if inst.LLMDuration, err = meter.Float64Histogram("steward.llm.duration",
		metric.WithDescription("LLM request duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.ToolDuration, err = meter.Float64Histogram("steward.tool.duration",
		metric.WithDescription("Tool dispatch duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return inst, nil
}
