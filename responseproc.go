package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ProcessorConfig controls how one LLM response is processed.
type ProcessorConfig struct {
	// XMLToolParsing scans assistant text for tool markup.
	XMLToolParsing bool
	// NativeToolCalling honors the provider's own tool-call protocol.
	NativeToolCalling bool
	// ExecuteOnStream starts executions as soon as calls are parsed,
	// while the response is still streaming.
	ExecuteOnStream bool
	// ParallelTools runs a batch concurrently instead of one at a time.
	ParallelTools bool
	// MaxToolCalls caps honored invocations per response; extras are
	// discarded with a single warning. Zero disables the cap.
	MaxToolCalls int
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		XMLToolParsing:  true,
		ExecuteOnStream: true,
		ParallelTools:   true,
		MaxToolCalls:    DefaultMaxToolCalls,
	}
}

// Outcome summarizes one processed response for the thread manager and
// driver.
type Outcome struct {
	// TerminateRequested is set when the response invoked ask, complete,
	// or web_browser_takeover. The agent stops iterating.
	TerminateRequested bool
	// ErrorFlagged is set when the stream carried an error status chunk.
	ErrorFlagged bool
	ErrorMessage string
	// LastToolName is the canonical name of the last accepted call.
	LastToolName string
	// Text is the full assistant text of the response.
	Text string
	// ExecutedCalls counts calls that actually ran.
	ExecutedCalls int
	// NativeCalls carries the provider tool calls of this response, when
	// native tool calling produced any. Non-empty means the thread
	// manager should auto-continue with the results folded in.
	NativeCalls []NativeToolCall
}

// Processor consumes one streamed LLM response: it forwards text as
// thought events, detects complete tool invocations as they close,
// schedules their execution, emits results in source order, and persists
// the exchange (assistant message, tool messages, terminal status).
type Processor struct {
	store    Store
	registry *Registry
	executor *Executor
	parser   *Parser
	logger   *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// ProcessorLogger sets the structured logger. Defaults to no output.
func ProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(store Store, reg *Registry, executor *Executor, parser *Parser, opts ...ProcessorOption) *Processor {
	p := &Processor{store: store, registry: reg, executor: executor, parser: parser}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// isTerminator reports whether a call name ends the agent's turn instead
// of executing.
func isTerminator(name string) bool {
	switch NormalizeToolName(name) {
	case "ask", "complete", "web_browser_takeover":
		return true
	}
	return false
}

// procState tracks one response while it streams.
type procState struct {
	cfg    ProcessorConfig
	events chan<- Event

	calls   []ToolCall
	results []ToolResult
	done    []bool
	emitted []bool

	dropped   int
	warned    bool
	terminate bool
	lastTool  string

	wg sync.WaitGroup
	mu sync.Mutex
}

// Process consumes chunks until the stream closes and returns the
// response outcome. Events are emitted on events (never closed here; the
// thread manager owns the channel). The returned error covers persistence
// failures only; tool and stream failures are reported in the Outcome.
func (p *Processor) Process(ctx context.Context, threadID string, chunks <-chan Chunk, cfg ProcessorConfig, events chan<- Event) (Outcome, error) {
	st := &procState{cfg: cfg, events: events}
	scanTags := p.scanTags()

	var (
		out          Outcome
		text         strings.Builder
		scanned      int
		finishReason string
		nativeRaw    string
	)

	for chunk := range chunks {
		switch chunk.Type {
		case ChunkTextDelta:
			if chunk.Content == "" {
				continue
			}
			text.WriteString(chunk.Content)
			emit(ctx, events, ThoughtEvent(chunk.Content))
			if cfg.XMLToolParsing && !st.terminate && !out.ErrorFlagged {
				p.scanForCalls(ctx, st, text.String(), &scanned, scanTags)
			}
		case ChunkStatus:
			switch chunk.Metadata[MetaStatus] {
			case StatusError:
				out.ErrorFlagged = true
				out.ErrorMessage = chunk.Metadata[MetaMessage]
				p.logger.Warn("stream reported error", "message", out.ErrorMessage)
				emit(ctx, events, ErrorEvent(out.ErrorMessage))
			case StatusFinish:
				finishReason = chunk.Metadata[MetaFinishReason]
				nativeRaw = chunk.Metadata[MetaToolCalls]
			}
		}
	}
	out.Text = text.String()

	// Provider-native tool calls arrive with the finish status; accept
	// them through the same path as parsed calls.
	if cfg.NativeToolCalling && finishReason == FinishToolCalls && nativeRaw != "" &&
		!out.ErrorFlagged && !st.terminate {
		var natives []NativeToolCall
		if err := json.Unmarshal([]byte(nativeRaw), &natives); err != nil {
			p.logger.Warn("native tool call payload unreadable", "error", err)
		} else {
			for _, nc := range natives {
				p.accept(ctx, st, ToolCall{
					Name:     nc.Name,
					Kwargs:   kwargsFromJSON(nc.Args),
					Source:   SourceNative,
					NativeID: nc.ID,
				})
				if st.terminate {
					break
				}
			}
			if !st.terminate {
				out.NativeCalls = natives
			}
		}
	}

	// Let in-flight executions drain, then run anything deferred.
	st.wg.Wait()
	if !cfg.ExecuteOnStream && !out.ErrorFlagged {
		p.executeDeferred(ctx, st)
	}

	// Emit remaining results in source order.
	for i := range st.calls {
		if st.emitted[i] || !st.done[i] {
			continue
		}
		st.emitted[i] = true
		emit(ctx, events, ToolResultEvent(st.results[i]))
	}

	out.TerminateRequested = st.terminate
	out.LastToolName = st.lastTool
	for i := range st.calls {
		if st.done[i] && st.results[i].ToolName != "" {
			out.ExecutedCalls++
		}
	}

	if err := p.persist(ctx, threadID, st, &out); err != nil {
		return out, err
	}

	if st.terminate {
		emit(ctx, events, FinalResponseEvent(out.Text))
	}
	return out, nil
}

// accept admits one call: cap check, tool_call event, terminator
// detection, and scheduling per the config. Sequential on-stream execution
// runs inline, pausing chunk consumption the way a strictly ordered batch
// should.
func (p *Processor) accept(ctx context.Context, st *procState, call ToolCall) {
	if st.cfg.MaxToolCalls > 0 && len(st.calls) >= st.cfg.MaxToolCalls {
		st.dropped++
		if !st.warned {
			st.warned = true
			p.logger.Warn("tool call cap reached", "cap", st.cfg.MaxToolCalls)
			emit(ctx, st.events, StatusEvent(RunStatusWarning,
				fmt.Sprintf("tool call limit of %d reached; ignoring further calls in this response", st.cfg.MaxToolCalls)))
		}
		return
	}

	idx := len(st.calls)
	st.calls = append(st.calls, call)
	st.results = append(st.results, ToolResult{})
	st.done = append(st.done, false)
	st.emitted = append(st.emitted, false)
	st.lastTool = NormalizeToolName(call.Name)
	emit(ctx, st.events, ToolCallEvent(call.Name, call.Kwargs))

	if isTerminator(call.Name) {
		// Terminators never execute; the turn's text is the deliverable.
		st.terminate = true
		st.done[idx] = true
		st.emitted[idx] = true
		return
	}
	if !st.cfg.ExecuteOnStream {
		return
	}
	if st.cfg.ParallelTools {
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			res := p.executor.Execute(ctx, call)
			st.mu.Lock()
			st.results[idx] = res
			st.done[idx] = true
			st.mu.Unlock()
		}()
		return
	}
	res := p.executor.Execute(ctx, call)
	st.results[idx] = res
	st.done[idx] = true
	st.emitted[idx] = true
	emit(ctx, st.events, ToolResultEvent(res))
}

// executeDeferred runs the calls collected during the stream when
// on-stream execution is disabled.
func (p *Processor) executeDeferred(ctx context.Context, st *procState) {
	var pending []ToolCall
	var idxs []int
	for i, c := range st.calls {
		if !st.done[i] {
			pending = append(pending, c)
			idxs = append(idxs, i)
		}
	}
	if len(pending) == 0 {
		return
	}
	strategy := StrategySequential
	if st.cfg.ParallelTools {
		strategy = StrategyParallel
	}
	results := p.executor.ExecuteAll(ctx, pending, strategy)
	for j, r := range results {
		st.results[idxs[j]] = r
		st.done[idxs[j]] = true
	}
}

// persist writes the exchange: assistant text first, tool results in
// source order, then the run's terminal status marker. Partial text from
// an errored stream is still recorded so the thread history shows what the
// model said before failing.
func (p *Processor) persist(ctx context.Context, threadID string, st *procState, out *Outcome) error {
	hasText := strings.TrimSpace(out.Text) != ""
	if hasText || len(st.calls) > 0 {
		tc := TextContent{Role: "assistant", Content: out.Text, ToolCalls: out.NativeCalls}
		m, err := NewMessage(threadID, KindAssistant, tc, true)
		if err != nil {
			return fmt.Errorf("encode assistant message: %w", err)
		}
		if err := p.store.AddMessage(ctx, m); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}

	for i := range st.calls {
		if !st.done[i] || st.results[i].ToolName == "" {
			continue // terminator or skipped call, nothing ran
		}
		res := st.results[i]
		var m Message
		var err error
		if st.calls[i].Source == SourceNative {
			tc := TextContent{Role: "tool", Content: res.Output, ToolCallID: st.calls[i].NativeID}
			m, err = NewMessage(threadID, KindTool, tc, true)
		} else {
			m = NewToolMessage(threadID, formatToolResult(res))
		}
		if err != nil {
			return fmt.Errorf("encode tool message: %w", err)
		}
		if err := p.store.AddMessage(ctx, m); err != nil {
			return fmt.Errorf("persist tool message: %w", err)
		}
	}

	status, detail := "completed", ""
	if out.ErrorFlagged {
		status, detail = "error", out.ErrorMessage
	}
	if err := p.store.AddMessage(ctx, NewStatusMessage(threadID, status, detail)); err != nil {
		return fmt.Errorf("persist status message: %w", err)
	}
	return nil
}

// formatToolResult renders a result the way it is echoed back to the
// model on the next turn.
func formatToolResult(res ToolResult) string {
	status := "success"
	if !res.Success {
		status = "error"
	}
	return fmt.Sprintf("<tool_result tool=%q status=%q>\n%s\n</tool_result>", res.ToolName, status, res.Output)
}

// kwargsFromJSON flattens a native call's JSON arguments into string
// kwargs. Non-string values keep their JSON encoding.
func kwargsFromJSON(raw json.RawMessage) map[string]string {
	kwargs := map[string]string{}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return kwargs
	}
	for k, v := range args {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			kwargs[k] = s
			continue
		}
		kwargs[k] = string(v)
	}
	return kwargs
}

// emit delivers an event unless the run context is gone.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// --- streaming scan ---

// scanTags is the set of tags that open an invocation region: the invoke
// format's containers plus every registered inline tag.
func (p *Processor) scanTags() []string {
	return append([]string{"function_calls", "tools", "invoke"}, p.registry.XMLTags()...)
}

// scanForCalls finds complete invocation regions in text[*scanned:] and
// accepts the calls they parse to. Incomplete regions stay buffered until
// more text arrives; malformed regions are skipped past their opening
// bracket so scanning keeps making progress.
func (p *Processor) scanForCalls(ctx context.Context, st *procState, text string, scanned *int, tags []string) {
	for {
		rest := text[*scanned:]
		start, end, ok := nextRegion(rest, tags)
		if !ok {
			return
		}
		calls, _, err := p.parser.Parse(rest[start:end])
		if err != nil {
			p.logger.Debug("skipping malformed invocation region", "error", err)
			*scanned += start + 1
			continue
		}
		*scanned += end
		for _, call := range calls {
			p.accept(ctx, st, call)
			if st.terminate {
				return
			}
		}
	}
}

// nextRegion locates the earliest complete invocation region in s: an
// opening tag from tags through its matching close tag or self-closing
// bracket. ok is false while no region has closed yet.
func nextRegion(s string, tags []string) (start, end int, ok bool) {
	start = -1
	var tag string
	for _, t := range tags {
		i := indexOpenTag(s, t)
		if i >= 0 && (start < 0 || i < start) {
			start, tag = i, t
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	end = regionEnd(s, start, tag)
	if end < 0 {
		return 0, 0, false
	}
	return start, end, true
}

// indexOpenTag finds "<tag" followed by a name boundary, so a tag never
// matches a longer tag it prefixes.
func indexOpenTag(s, tag string) int {
	needle := "<" + tag
	from := 0
	for {
		i := strings.Index(s[from:], needle)
		if i < 0 {
			return -1
		}
		i += from
		j := i + len(needle)
		if j >= len(s) {
			return -1 // tag cut off at buffer end; wait for more text
		}
		switch s[j] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return i
		}
		from = i + 1
	}
}

// regionEnd returns the index just past the region opened at start, or -1
// while it is incomplete. Quotes are honored so attribute values
// containing '>' do not end the opening tag early.
func regionEnd(s string, start int, tag string) int {
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '>':
			if s[i-1] == '/' {
				return i + 1 // self-closing
			}
			closing := "</" + tag + ">"
			k := strings.Index(s[i+1:], closing)
			if k < 0 {
				return -1
			}
			return i + 1 + k + len(closing)
		}
	}
	return -1
}
