package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	strandlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObserveRun executes fn and records run-level telemetry: a run counter, a
// duration histogram, and a structured log record. The run span itself is
// emitted by the driver through its tracer, so none is opened here; pass a
// ctx that already carries it and the log record correlates with the trace.
//
// The thread ID goes in the log record only. Metric attributes stay
// low-cardinality.
func ObserveRun(ctx context.Context, inst *Instruments, threadID string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	durationMs := float64(time.Since(start).Milliseconds())

	status := "ok"
	switch {
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
	case err != nil:
		status = "error"
	}

	inst.AgentRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	inst.AgentDuration.Record(ctx, durationMs)

	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("agent run completed"))
	rec.AddAttributes(
		strandlog.String("thread.id", threadID),
		strandlog.String("status", status),
		strandlog.Float64("duration_ms", durationMs),
	)
	if err != nil && status == "error" {
		rec.AddAttributes(strandlog.String("error", err.Error()))
	}
	inst.Logger.Emit(ctx, rec)

	return err
}
