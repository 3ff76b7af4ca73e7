package observer

import (
	"context"
	"errors"
	"strconv"
	"time"

	strand "github.com/strandhq/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	strandlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a strand.Provider with OTEL instrumentation.
//
// Completions stream, so the span covers the whole exchange: it opens when
// Complete is called and ends when the provider closes the chunk channel.
// Token usage is read off the finish status chunk as it passes through.
type ObservedProvider struct {
	inner strand.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner strand.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Complete(ctx context.Context, req strand.CompletionRequest) (<-chan strand.Chunk, error) {
	attrs := []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, def := range req.Tools {
			names[i] = def.Name
		}
		attrs = append(attrs,
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(names),
		)
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete", trace.WithAttributes(attrs...))
	start := time.Now()

	inner, err := o.inner.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.record(ctx, span, "error", time.Since(start), 0, 0)
		span.End()
		return nil, err
	}

	out := make(chan strand.Chunk)
	go func() {
		defer close(out)
		var chunks, inputTokens, outputTokens int
		status := "ok"
	forward:
		for chunk := range inner {
			switch chunk.Type {
			case strand.ChunkTextDelta:
				chunks++
			case strand.ChunkStatus:
				switch chunk.Metadata[strand.MetaStatus] {
				case strand.StatusFinish:
					inputTokens, _ = strconv.Atoi(chunk.Metadata[strand.MetaInputTokens])
					outputTokens, _ = strconv.Atoi(chunk.Metadata[strand.MetaOutputTokens])
					if reason := chunk.Metadata[strand.MetaFinishReason]; reason != "" {
						span.SetAttributes(AttrFinishReason.String(reason))
					}
				case strand.StatusError:
					status = "error"
					msg := chunk.Metadata[strand.MetaMessage]
					if msg == "" {
						msg = "stream error"
					}
					streamErr := errors.New(msg)
					span.RecordError(streamErr)
					span.SetStatus(codes.Error, msg)
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				status = "cancelled"
				break forward
			}
		}
		span.SetAttributes(AttrStreamChunks.Int(chunks))
		o.record(ctx, span, status, time.Since(start), inputTokens, outputTokens)
		span.End()
	}()
	return out, nil
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, status string, elapsed time.Duration, inputTokens, outputTokens int) {
	durationMs := float64(elapsed.Milliseconds())
	cost := o.inst.Cost.Calculate(o.model, inputTokens, outputTokens)

	span.SetAttributes(
		AttrTokensInput.Int(inputTokens),
		AttrTokensOutput.Int(outputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(inputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(outputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	))

	// Structured log
	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("completion finished"))
	rec.AddAttributes(
		strandlog.String("llm.model", o.model),
		strandlog.String("llm.provider", o.inner.Name()),
		strandlog.Int("llm.tokens.input", inputTokens),
		strandlog.Int("llm.tokens.output", outputTokens),
		strandlog.Float64("llm.cost_usd", cost),
		strandlog.Float64("llm.duration_ms", durationMs),
		strandlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ strand.Provider = (*ObservedProvider)(nil)
