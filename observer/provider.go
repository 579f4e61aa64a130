package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/steward"
)

// instrumentedProvider wraps a Provider with tracing and metrics.
type instrumentedProvider struct {
	inner steward.Provider
	inst  *Instruments
}

// WrapProvider returns a Provider that records a span, token counters and a
// duration histogram around every Chat call. A nil Instruments returns the
// provider unchanged.
func WrapProvider(p steward.Provider, inst *Instruments) steward.Provider {
	if inst == nil {
		return p
	}
	return &instrumentedProvider{inner: p, inst: inst}
}

func (p *instrumentedProvider) Name() string { return p.inner.Name() }

func (p *instrumentedProvider) Chat(ctx context.Context, req steward.ChatRequest) (steward.ChatResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", p.inner.Name()),
		attribute.Int("llm.messages", len(req.Messages)),
	}
	ctx, span := p.inst.Tracer.Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	resp, err := p.inner.Chat(ctx, req)
	elapsed := time.Since(start).Seconds()

	p.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.inst.LLMDuration.Record(ctx, elapsed, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	p.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens),
		metric.WithAttributes(attribute.String("llm.provider", p.inner.Name()), attribute.String("token.type", "input")))
	p.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens),
		metric.WithAttributes(attribute.String("llm.provider", p.inner.Name()), attribute.String("token.type", "output")))
	return resp, nil
}

var _ steward.Provider = (*instrumentedProvider)(nil)
