package observer

import (
	"context"
	"time"

	strand "github.com/strandhq/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	strandlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a strand.Tool with OTEL instrumentation. Wrap tools
// before registering them; the registry stores the interface, so the
// executor runs the instrumented version.
type ObservedTool struct {
	inner strand.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner strand.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

func (o *ObservedTool) Operations() []strand.Operation {
	return o.inner.Operations()
}

func (o *ObservedTool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(op),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, op, kwargs)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if !result.Success {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Output)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(op),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(op),
	))

	// Structured log
	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("tool executed"))
	rec.AddAttributes(
		strandlog.String("tool.name", op),
		strandlog.String("tool.status", status),
		strandlog.Int("tool.result_length", len(result.Output)),
		strandlog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ strand.Tool = (*ObservedTool)(nil)
