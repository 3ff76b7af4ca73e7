package strand

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxAutoContinues caps how many times a run re-issues the
// completion after native tool calls before giving up.
const DefaultMaxAutoContinues = 25

// RunOptions configures one thread run.
type RunOptions struct {
	ThreadID string
	// Registry is the toolset active for this run.
	Registry *Registry
	// SystemPrompt replaces the builder's default when non-empty.
	SystemPrompt string
	// MCPCatalog lists external capabilities, appended to the system
	// prompt when non-empty.
	MCPCatalog  string
	Model       string
	Temperature float64
	MaxTokens   int
	// TurnMessage is injected after history for the first completion
	// only; it is never persisted.
	TurnMessage *ChatMessage
	// Processor controls response handling. The zero value means
	// DefaultProcessorConfig.
	Processor ProcessorConfig
	// MaxAutoContinues caps native tool-call continuations (default
	// DefaultMaxAutoContinues; negative disables continuation).
	MaxAutoContinues int
}

// ThreadManager runs single agent turns against a thread: build the
// context, stream one completion through the processor, and keep going
// while the provider answers with native tool calls. Each thread has at
// most one active run.
type ThreadManager struct {
	store    Store
	provider Provider
	builder  *ContextBuilder
	logger   *slog.Logger
	tracer   Tracer

	mu   sync.Mutex
	runs map[string]context.CancelFunc // active run per thread
}

// ThreadManagerOption configures a ThreadManager.
type ThreadManagerOption func(*ThreadManager)

// ManagerBuilder sets the context builder. Defaults to a plain builder
// over the same store.
func ManagerBuilder(b *ContextBuilder) ThreadManagerOption {
	return func(tm *ThreadManager) { tm.builder = b }
}

// ManagerLogger sets the structured logger. Defaults to no output.
func ManagerLogger(l *slog.Logger) ThreadManagerOption {
	return func(tm *ThreadManager) { tm.logger = l }
}

// ManagerTracer sets the tracer for per-completion spans.
func ManagerTracer(t Tracer) ThreadManagerOption {
	return func(tm *ThreadManager) { tm.tracer = t }
}

func NewThreadManager(store Store, provider Provider, opts ...ThreadManagerOption) *ThreadManager {
	tm := &ThreadManager{
		store:    store,
		provider: provider,
		runs:     make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(tm)
	}
	if tm.builder == nil {
		tm.builder = NewContextBuilder(store)
	}
	if tm.logger == nil {
		tm.logger = nopLogger
	}
	return tm
}

// RunThread executes one agent turn and returns the event channel for it.
// The channel is closed when the turn, including auto-continues, finishes.
// A second run on a thread that already has one is rejected.
func (tm *ThreadManager) RunThread(ctx context.Context, opts RunOptions) (<-chan Event, error) {
	if opts.ThreadID == "" {
		return nil, fmt.Errorf("thread id required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := tm.register(opts.ThreadID, cancel); err != nil {
		cancel()
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer tm.unregister(opts.ThreadID)
		defer cancel()
		tm.run(runCtx, opts, ch)
	}()
	return ch, nil
}

// Stop cancels the active run on a thread. Reports whether one was
// running.
func (tm *ThreadManager) Stop(threadID string) bool {
	tm.mu.Lock()
	cancel, ok := tm.runs[threadID]
	tm.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (tm *ThreadManager) register(threadID string, cancel context.CancelFunc) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if _, busy := tm.runs[threadID]; busy {
		return fmt.Errorf("thread %s already has an active run", threadID)
	}
	tm.runs[threadID] = cancel
	return nil
}

func (tm *ThreadManager) unregister(threadID string) {
	tm.mu.Lock()
	delete(tm.runs, threadID)
	tm.mu.Unlock()
}

func (tm *ThreadManager) run(ctx context.Context, opts RunOptions, events chan<- Event) {
	maxContinues := opts.MaxAutoContinues
	if maxContinues == 0 {
		maxContinues = DefaultMaxAutoContinues
	}
	cfg := opts.Processor
	if !cfg.XMLToolParsing && !cfg.NativeToolCalling {
		cfg = DefaultProcessorConfig()
	}

	// The processor's cap governs the whole response, so the parser runs
	// uncapped here.
	executor := NewExecutor(opts.Registry, ExecutorLogger(tm.logger), ExecutorTracer(tm.tracer))
	parser := NewParser(opts.Registry, ParserLogger(tm.logger), ParserMaxCalls(0))
	proc := NewProcessor(tm.store, opts.Registry, executor, parser, ProcessorLogger(tm.logger))

	system := tm.builder.SystemPrompt(opts.Registry, opts.SystemPrompt, opts.MCPCatalog)
	turn := opts.TurnMessage

	for attempt := 0; ; attempt++ {
		msgs, err := tm.builder.Build(ctx, opts.ThreadID, system, turn)
		if err != nil {
			emit(ctx, events, ErrorEvent(fmt.Sprintf("failed to build context: %v", err)))
			return
		}
		turn = nil

		req := CompletionRequest{
			Model:       opts.Model,
			Messages:    msgs,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}
		if cfg.NativeToolCalling {
			req.Tools = opts.Registry.StructuredDefinitions()
		}

		var span Span
		if tm.tracer != nil {
			_, span = tm.tracer.Start(ctx, "thread.completion",
				StringAttr("thread_id", opts.ThreadID),
				IntAttr("attempt", attempt),
				IntAttr("messages", len(msgs)))
		}

		chunks, err := tm.provider.Complete(ctx, req)
		if err != nil {
			if span != nil {
				span.Error(err)
				span.End()
			}
			tm.logger.Error("completion request failed", "thread_id", opts.ThreadID, "error", err)
			emit(ctx, events, ErrorEvent(fmt.Sprintf("completion failed: %v", err)))
			return
		}

		outcome, err := proc.Process(ctx, opts.ThreadID, chunks, cfg, events)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.SetAttr(
				IntAttr("executed_calls", outcome.ExecutedCalls),
				BoolAttr("terminate", outcome.TerminateRequested))
			span.End()
		}
		if err != nil {
			tm.logger.Error("failed to record response", "thread_id", opts.ThreadID, "error", err)
			emit(ctx, events, ErrorEvent(fmt.Sprintf("failed to record response: %v", err)))
			return
		}
		if outcome.TerminateRequested || outcome.ErrorFlagged {
			return
		}
		if len(outcome.NativeCalls) == 0 {
			return
		}
		if maxContinues < 0 {
			return
		}
		if attempt >= maxContinues {
			tm.logger.Warn("auto-continue limit reached", "thread_id", opts.ThreadID, "limit", maxContinues)
			emit(ctx, events, StatusEvent(RunStatusWarning,
				fmt.Sprintf("auto-continue limit of %d reached", maxContinues)))
			return
		}
		// Native results are persisted already; loop folds them into the
		// next completion.
	}
}
