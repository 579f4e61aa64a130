package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/steward"
)

// WrapDispatch returns a DispatchFunc that records a span, a counter and a
// duration histogram around every tool execution. A nil Instruments returns
// the dispatch unchanged.
func WrapDispatch(dispatch steward.DispatchFunc, inst *Instruments) steward.DispatchFunc {
	if inst == nil {
		return dispatch
	}
	return func(ctx context.Context, taskID, name, args string, send steward.StreamFunc) (string, []byte) {
		attrs := []attribute.KeyValue{
			attribute.String("tool.name", name),
			attribute.String("task.id", taskID),
		}
		ctx, span := inst.Tracer.Start(ctx, "tool.execute")
		span.SetAttributes(attrs...)
		defer span.End()

		start := time.Now()
		text, image := dispatch(ctx, taskID, name, args, send)

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
		inst.ToolDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		span.SetAttributes(
			attribute.Int("tool.result_chars", len(text)),
			attribute.Bool("tool.has_image", image != nil),
		)
		return text, image
	}
}
