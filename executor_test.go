package strand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestExecutorUnknownTool(t *testing.T) {
	e := NewExecutor(testRegistry(opTool("greet")))
	res := e.Execute(context.Background(), ToolCall{Name: "vanish", Kwargs: map[string]string{"x": "1"}})

	if res.Success {
		t.Error("unknown tool should fail")
	}
	if res.ErrorKind != ErrorKindUnknownTool {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindUnknownTool)
	}
	if res.Output != "unknown tool: vanish" {
		t.Errorf("Output = %q, want %q", res.Output, "unknown tool: vanish")
	}
	if res.Kwargs["x"] != "1" {
		t.Error("kwargs should be carried onto the failed result")
	}
}

func TestExecutorUnknownToolNamesNormalizedForm(t *testing.T) {
	// When normalization changes the name and still misses, the result
	// names both forms so the model can correct either.
	e := NewExecutor(testRegistry(opTool("greet")))
	res := e.Execute(context.Background(), ToolCall{Name: "hand-shake"})

	if res.Success {
		t.Error("unknown tool should fail")
	}
	if want := "unknown tool: hand-shake (also tried hand_shake)"; res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestExecutorResolvesHyphenatedTag(t *testing.T) {
	// Inline tags arrive hyphenated; the registry resolves them to the
	// snake_case operation.
	e := NewExecutor(testRegistry(opTool("execute_command")))
	res := e.Execute(context.Background(), ToolCall{Name: "execute-command"})

	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Output)
	}
	if res.ToolName != "execute_command" {
		t.Errorf("ToolName = %q, want %q", res.ToolName, "execute_command")
	}
}

func TestExecutorToolError(t *testing.T) {
	broken := &stubTool{
		ops: []Operation{{Name: "fail", Description: "always fails"}},
		fn: func(context.Context, string, map[string]string) (ToolResult, error) {
			return ToolResult{}, errors.New("tool broken")
		},
	}
	e := NewExecutor(testRegistry(broken))
	res := e.Execute(context.Background(), ToolCall{Name: "fail"})

	if res.Success {
		t.Error("errored tool should fail")
	}
	if res.ErrorKind != ErrorKindException {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindException)
	}
	if !strings.Contains(res.Output, "tool broken") {
		t.Errorf("Output = %q, want mention of tool broken", res.Output)
	}
}

func TestExecutorToolPanicRecovery(t *testing.T) {
	panicker := &stubTool{
		ops: []Operation{{Name: "boom", Description: "panics"}},
		fn: func(context.Context, string, map[string]string) (ToolResult, error) {
			panic("tool exploded")
		},
	}
	e := NewExecutor(testRegistry(panicker))
	res := e.Execute(context.Background(), ToolCall{Name: "boom"})

	if res.Success {
		t.Error("panicked tool should fail")
	}
	if res.ErrorKind != ErrorKindException {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindException)
	}
	if !strings.Contains(res.Output, "panic") {
		t.Errorf("Output = %q, want mention of panic", res.Output)
	}
}

func TestExecutorTimeout(t *testing.T) {
	slow := &stubTool{
		ops: []Operation{{Name: "sleep", Description: "blocks forever"}},
		fn: func(ctx context.Context, _ string, _ map[string]string) (ToolResult, error) {
			<-ctx.Done()
			return OK("never"), nil
		},
	}
	e := NewExecutor(testRegistry(slow), ExecutorTimeout(20*time.Millisecond))
	res := e.Execute(context.Background(), ToolCall{Name: "sleep"})

	if res.Success {
		t.Error("timed-out tool should fail")
	}
	if res.ErrorKind != ErrorKindTimeout {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindTimeout)
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("Output = %q, want mention of timed out", res.Output)
	}
}

func TestExecutorOperationTimeoutOverride(t *testing.T) {
	// The operation's own timeout wins over the executor default.
	slow := &stubTool{
		ops: []Operation{{Name: "sleep", Description: "blocks", Timeout: 20 * time.Millisecond}},
		fn: func(ctx context.Context, _ string, _ map[string]string) (ToolResult, error) {
			<-ctx.Done()
			return OK("never"), nil
		},
	}
	e := NewExecutor(testRegistry(slow), ExecutorTimeout(time.Hour))

	start := time.Now()
	res := e.Execute(context.Background(), ToolCall{Name: "sleep"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute took %s, operation timeout not applied", elapsed)
	}
	if res.ErrorKind != ErrorKindTimeout {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindTimeout)
	}
}

func TestExecutorCancellation(t *testing.T) {
	slow := &stubTool{
		ops: []Operation{{Name: "sleep", Description: "blocks"}},
		fn: func(ctx context.Context, _ string, _ map[string]string) (ToolResult, error) {
			<-ctx.Done()
			return OK("never"), nil
		},
	}
	e := NewExecutor(testRegistry(slow))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, ToolCall{Name: "sleep"})

	if res.Success {
		t.Error("cancelled tool should fail")
	}
	if res.ErrorKind != ErrorKindException {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, ErrorKindException)
	}
	if !strings.Contains(res.Output, "cancelled") {
		t.Errorf("Output = %q, want mention of cancelled", res.Output)
	}
}

func TestExecuteAllSequentialOrder(t *testing.T) {
	var order []string
	recorder := &stubTool{
		ops: []Operation{{Name: "record"}},
		fn: func(_ context.Context, _ string, kwargs map[string]string) (ToolResult, error) {
			order = append(order, kwargs["id"])
			return OK("recorded " + kwargs["id"]), nil
		},
	}
	e := NewExecutor(testRegistry(recorder))

	calls := []ToolCall{
		{Name: "record", Kwargs: map[string]string{"id": "a"}},
		{Name: "record", Kwargs: map[string]string{"id": "b"}},
		{Name: "record", Kwargs: map[string]string{"id": "c"}},
	}
	results := e.ExecuteAll(context.Background(), calls, StrategySequential)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("execution order = %q, want %q", got, "abc")
	}
	for i, id := range []string{"a", "b", "c"} {
		if want := "recorded " + id; results[i].Output != want {
			t.Errorf("results[%d].Output = %q, want %q", i, results[i].Output, want)
		}
	}
}

func TestExecuteAllEmpty(t *testing.T) {
	e := NewExecutor(testRegistry())
	if results := e.ExecuteAll(context.Background(), nil, StrategyParallel); results != nil {
		t.Errorf("got %v, want nil", results)
	}
}

func TestExecuteAllParallel(t *testing.T) {
	// Each tool blocks until all have started. If execution were
	// sequential this would deadlock (caught by the started timeout).
	const numCalls = 3
	barrier := make(chan struct{})
	started := make(chan struct{}, numCalls)

	var tools []Tool
	var calls []ToolCall
	for i := 0; i < numCalls; i++ {
		name := fmt.Sprintf("tool_%d", i)
		tools = append(tools, &barrierTool{name: name, barrier: barrier, started: started})
		calls = append(calls, ToolCall{Name: name})
	}
	e := NewExecutor(testRegistry(tools...))

	done := make(chan []ToolResult, 1)
	go func() {
		done <- e.ExecuteAll(context.Background(), calls, StrategyParallel)
	}()

	for i := 0; i < numCalls; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tool did not start — calls likely running sequentially")
		}
	}
	close(barrier)

	var results []ToolResult
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteAll did not finish in time")
	}

	if len(results) != numCalls {
		t.Fatalf("got %d results, want %d", len(results), numCalls)
	}
	// Results come back in call order regardless of completion order.
	for i, r := range results {
		want := fmt.Sprintf("done from tool_%d", i)
		if r.Output != want {
			t.Errorf("results[%d].Output = %q, want %q", i, r.Output, want)
		}
	}
}

func TestExecuteAllParallelSourceOrder(t *testing.T) {
	// The first call finishes last; its result must still come first.
	release := make(chan struct{})
	slowFirst := &stubTool{
		ops: []Operation{{Name: "slow"}},
		fn: func(_ context.Context, _ string, _ map[string]string) (ToolResult, error) {
			<-release
			return OK("slow done"), nil
		},
	}
	fast := &stubTool{
		ops: []Operation{{Name: "fast"}},
		fn: func(_ context.Context, _ string, _ map[string]string) (ToolResult, error) {
			defer close(release)
			return OK("fast done"), nil
		},
	}
	e := NewExecutor(testRegistry(slowFirst, fast))

	results := e.ExecuteAll(context.Background(), []ToolCall{
		{Name: "slow"},
		{Name: "fast"},
	}, StrategyParallel)

	if results[0].Output != "slow done" {
		t.Errorf("results[0].Output = %q, want %q", results[0].Output, "slow done")
	}
	if results[1].Output != "fast done" {
		t.Errorf("results[1].Output = %q, want %q", results[1].Output, "fast done")
	}
}

func TestExecuteAllParallelCancellation(t *testing.T) {
	// Cancelling mid-batch fills remaining slots with error results
	// instead of blocking.
	ctx, cancel := context.WithCancel(context.Background())

	blocker := &stubTool{
		ops: []Operation{{Name: "block"}},
		fn: func(ctx context.Context, _ string, _ map[string]string) (ToolResult, error) {
			cancel()
			<-ctx.Done()
			return ToolResult{}, ctx.Err()
		},
	}
	quick := &stubTool{
		ops: []Operation{{Name: "quick"}},
		fn: func(_ context.Context, _ string, _ map[string]string) (ToolResult, error) {
			return OK("quick done"), nil
		},
	}
	e := NewExecutor(testRegistry(blocker, quick))

	done := make(chan []ToolResult, 1)
	go func() {
		done <- e.ExecuteAll(ctx, []ToolCall{
			{Name: "quick"},
			{Name: "block"},
		}, StrategyParallel)
	}()

	var results []ToolResult
	select {
	case results = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteAll did not return after cancellation")
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	hasCtxErr := false
	for _, r := range results {
		if !r.Success && strings.Contains(r.Output, "context canceled") {
			hasCtxErr = true
		}
	}
	if !hasCtxErr {
		t.Error("expected at least one result with a context cancellation error")
	}
}
