package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultMaxIterations bounds the outer agent loop. Each iteration is one
// thread run: an LLM completion plus the tool executions it asked for.
const DefaultMaxIterations = 100

// AgentConfig carries the per-agent prompt configuration. A nil config
// runs with the builder's default prompt.
type AgentConfig struct {
	Name         string
	SystemPrompt string
}

// RunRequest describes one agent run against a thread.
type RunRequest struct {
	ThreadID  string
	ProjectID string
	Model     string
	// Agent overrides the default prompt when set.
	Agent *AgentConfig
	// Registry is the toolset for this run.
	Registry *Registry
	// MCPCatalog is appended to the system prompt when set.
	MCPCatalog string
	// Stream forwards thought and tool events to the caller as they
	// happen; otherwise only terminal events are delivered.
	Stream      bool
	Temperature float64
	MaxTokens   int
	// Processor controls response handling. The zero value means
	// DefaultProcessorConfig.
	Processor ProcessorConfig
	// MaxIterations bounds the outer loop (default DefaultMaxIterations).
	MaxIterations int
	// MaxAutoContinues caps native tool-call continuations per turn.
	MaxAutoContinues int
}

// Driver is the outer agent loop. Every iteration it gates on billing,
// checks whether the agent already gave its final word, injects the
// ephemeral turn context, and runs one thread turn, forwarding events to
// the caller. It never stops a tool mid-flight: admission and termination
// are only decided between iterations.
type Driver struct {
	store   Store
	billing Billing
	threads *ThreadManager
	builder *ContextBuilder
	logger  *slog.Logger
	tracer  Tracer
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// DriverLogger sets the structured logger. Defaults to no output.
func DriverLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = l }
}

// DriverTracer sets the tracer for per-run spans.
func DriverTracer(t Tracer) DriverOption {
	return func(d *Driver) { d.tracer = t }
}

// DriverBuilder sets the context builder used for ephemeral turn
// messages. Defaults to a plain builder over the same store.
func DriverBuilder(b *ContextBuilder) DriverOption {
	return func(d *Driver) { d.builder = b }
}

func NewDriver(store Store, billing Billing, threads *ThreadManager, opts ...DriverOption) *Driver {
	d := &Driver{store: store, billing: billing, threads: threads}
	for _, opt := range opts {
		opt(d)
	}
	if d.builder == nil {
		d.builder = NewContextBuilder(store)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Run starts the agent loop and returns its event channel. The channel is
// closed when the run ends: a terminal status, final_response, or error
// event is always the last meaningful record on it.
func (d *Driver) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("thread id required")
	}
	if req.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		d.run(ctx, req, ch)
	}()
	return ch, nil
}

func (d *Driver) run(ctx context.Context, req RunRequest, events chan<- Event) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	thread, err := d.store.Thread(ctx, req.ThreadID)
	if err != nil {
		d.fail(ctx, events, fmt.Sprintf("failed to load thread: %v", err))
		return
	}

	var prompt string
	agentName := "default"
	if req.Agent != nil {
		prompt = req.Agent.SystemPrompt
		if req.Agent.Name != "" {
			agentName = req.Agent.Name
		}
	}

	var span Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "agent.run",
			StringAttr("thread_id", req.ThreadID),
			StringAttr("project_id", req.ProjectID),
			StringAttr("agent", agentName))
		defer span.End()
	}
	d.logger.Info("agent run started",
		"thread_id", req.ThreadID,
		"project_id", req.ProjectID,
		"agent", agentName,
		"stream", req.Stream)

	for iter := 0; iter < maxIter; iter++ {
		if ctx.Err() != nil {
			trySend(events, StatusEvent(RunStatusStopped, "run cancelled"))
			return
		}

		// Billing gate: checked before every completion so a denial never
		// interrupts a running tool and costs zero LLM calls.
		ok, msg, err := d.billing.Check(ctx, thread.AccountID)
		if err != nil {
			d.logger.Error("billing check failed", "account_id", thread.AccountID, "error", err)
			d.fail(ctx, events, fmt.Sprintf("billing check failed: %v", err))
			return
		}
		if !ok {
			d.logger.Info("billing denied run", "account_id", thread.AccountID, "reason", msg)
			if req.Stream {
				emit(ctx, events, ErrorEvent("Billing limit reached: "+msg))
			} else {
				emit(ctx, events, StatusEvent(RunStatusStopped, "Billing limit reached: "+msg))
			}
			return
		}

		// The agent is done when it spoke last: an assistant message on
		// top of the thread means there is nothing to react to.
		latest, err := d.store.LatestMessage(ctx, req.ThreadID, KindUser, KindAssistant, KindTool)
		if err != nil && !errors.Is(err, ErrNotFound) {
			d.fail(ctx, events, fmt.Sprintf("failed to read thread: %v", err))
			return
		}
		if err == nil && latest.Kind == KindAssistant {
			d.logger.Info("assistant already responded, ending run",
				"thread_id", req.ThreadID, "iteration", iter)
			emit(ctx, events, StatusEvent(RunStatusCompleted, "agent has responded"))
			return
		}

		turn, err := d.builder.TurnMessage(ctx, req.ThreadID)
		if err != nil {
			d.fail(ctx, events, fmt.Sprintf("failed to build turn context: %v", err))
			return
		}

		evch, err := d.threads.RunThread(ctx, RunOptions{
			ThreadID:         req.ThreadID,
			Registry:         req.Registry,
			SystemPrompt:     prompt,
			MCPCatalog:       req.MCPCatalog,
			Model:            req.Model,
			Temperature:      req.Temperature,
			MaxTokens:        req.MaxTokens,
			TurnMessage:      turn,
			Processor:        req.Processor,
			MaxAutoContinues: req.MaxAutoContinues,
		})
		if err != nil {
			d.fail(ctx, events, fmt.Sprintf("failed to start turn: %v", err))
			return
		}

		var terminated, errored bool
		for ev := range evch {
			switch ev.Type {
			case EventThought, EventToolCall, EventToolResult, EventStatus:
				if req.Stream {
					emit(ctx, events, ev)
				}
			case EventFinalResponse:
				terminated = true
				emit(ctx, events, ev)
			case EventError:
				// Errors are terminal; deliver them regardless of mode.
				errored = true
				emit(ctx, events, ev)
			}
		}

		if errored {
			if span != nil {
				span.SetAttr(BoolAttr("errored", true), IntAttr("iterations", iter+1))
			}
			emit(ctx, events, StatusEvent(RunStatusFailed, "agent run failed"))
			return
		}
		if terminated {
			if span != nil {
				span.SetAttr(IntAttr("iterations", iter+1))
			}
			d.logger.Info("agent run completed", "thread_id", req.ThreadID, "iterations", iter+1)
			emit(ctx, events, StatusEvent(RunStatusCompleted, ""))
			return
		}
	}

	d.logger.Warn("max iterations reached", "thread_id", req.ThreadID, "max", maxIter)
	emit(ctx, events, StatusEvent(RunStatusStopped, fmt.Sprintf("maximum iterations (%d) reached", maxIter)))
}

func (d *Driver) fail(ctx context.Context, events chan<- Event, msg string) {
	emit(ctx, events, ErrorEvent(msg))
	emit(ctx, events, StatusEvent(RunStatusFailed, msg))
}

// trySend delivers an event without blocking; used once the run context
// is already gone.
func trySend(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	default:
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
