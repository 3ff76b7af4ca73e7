package strand

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Strategy selects how a batch of tool calls is executed.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
)

// DefaultToolTimeout bounds a single tool execution unless the operation
// declares its own timeout.
const DefaultToolTimeout = 60 * time.Second

// maxParallelExec caps the number of concurrent tool goroutines when a
// batch runs in parallel.
const maxParallelExec = 10

// Executor resolves and runs parsed tool calls. It never returns an error:
// timeouts, panics, unknown names, and tool faults all become failed
// ToolResults so the model can see them and react.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	tracer   Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorTimeout sets the default per-call timeout (default
// DefaultToolTimeout). Operations with their own Timeout override it.
func ExecutorTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// ExecutorLogger sets the structured logger. Defaults to no output.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// ExecutorTracer sets the tracer for per-call spans.
func ExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: reg, timeout: DefaultToolTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// ExecuteAll runs calls with the given strategy. Results come back in call
// order regardless of completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall, strategy Strategy) []ToolResult {
	if len(calls) == 0 {
		return nil
	}
	if strategy != StrategyParallel || len(calls) == 1 {
		results := make([]ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, e.Execute(ctx, call))
		}
		return results
	}
	return e.executeParallel(ctx, calls)
}

// Execute runs one call to completion, bounded by the operation's timeout.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolResult {
	reg, ok := e.registry.Resolve(call.Name)
	if !ok {
		e.logger.Warn("unknown tool call", "name", call.Name)
		res := Failf("unknown tool: %s", call.Name)
		if norm := NormalizeToolName(call.Name); norm != call.Name {
			res = Failf("unknown tool: %s (also tried %s)", call.Name, norm)
		}
		res.ToolName = call.Name
		res.Kwargs = call.Kwargs
		res.ErrorKind = ErrorKindUnknownTool
		return res
	}

	timeout := e.timeout
	if reg.Op.Timeout > 0 {
		timeout = reg.Op.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span Span
	if e.tracer != nil {
		_, span = e.tracer.Start(execCtx, "tool.execute", StringAttr("tool", reg.Op.Name))
	}

	start := time.Now()
	done := make(chan ToolResult, 1)
	go func() {
		done <- safeExecute(execCtx, reg, call)
	}()

	var res ToolResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res = Failf("tool %s timed out after %s", reg.Op.Name, timeout)
			res.ErrorKind = ErrorKindTimeout
		} else {
			res = Failf("tool %s cancelled: %v", reg.Op.Name, context.Cause(execCtx))
			res.ErrorKind = ErrorKindException
		}
	}
	res.ToolName = reg.Op.Name
	if res.Kwargs == nil {
		res.Kwargs = call.Kwargs
	}

	if span != nil {
		span.SetAttr(BoolAttr("success", res.Success), IntAttr("output_len", len(res.Output)))
		span.End()
	}
	e.logger.Debug("tool executed",
		"tool", reg.Op.Name,
		"success", res.Success,
		"duration", time.Since(start))
	return res
}

// safeExecute invokes the tool, converting panics and error returns into
// failed results.
func safeExecute(ctx context.Context, reg *Registration, call ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			res = Failf("tool %q panic: %v", reg.Op.Name, p)
			res.ErrorKind = ErrorKindException
		}
	}()
	r, err := reg.Tool.Execute(ctx, reg.Op.Name, call.Kwargs)
	if err != nil {
		res = Failf("tool %s failed: %v", reg.Op.Name, err)
		res.ErrorKind = ErrorKindException
		return res
	}
	return r
}

// indexedResult pairs a tool result with its position in the batch.
type indexedResult struct {
	idx    int
	result ToolResult
}

// executeParallel runs all calls concurrently through a fixed pool of
// min(len(calls), maxParallelExec) workers pulling from a shared work
// channel, then reassembles results in call order.
func (e *Executor) executeParallel(ctx context.Context, calls []ToolCall) []ToolResult {
	resultCh := make(chan indexedResult, len(calls))

	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, c := range calls {
		workCh <- workItem{idx: i, call: c}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelExec)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					res := Failf("error: %v", ctx.Err())
					res.ToolName = w.call.Name
					res.ErrorKind = ErrorKindException
					resultCh <- indexedResult{w.idx, res}
					continue
				}
				resultCh <- indexedResult{w.idx, e.Execute(ctx, w.call)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect results, bailing out if ctx is cancelled while calls are
	// in flight.
	results := make([]ToolResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					res := Failf("error: %v", ctx.Err())
					res.ToolName = calls[i].Name
					res.ErrorKind = ErrorKindException
					results[i] = res
				}
			}
			return results
		}
	}
	// Fill any unseen results (e.g. channel closed early) with error markers.
	for i := range results {
		if !seen[i] {
			res := Failf("error: result not received")
			res.ToolName = calls[i].Name
			res.ErrorKind = ErrorKindException
			results[i] = res
		}
	}
	return results
}
