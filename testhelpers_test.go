package strand

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// --- Provider mocks ---

// scriptProvider is a test Provider that streams canned chunk sequences,
// one script per Complete call, popped in order.
type scriptProvider struct {
	name    string
	scripts [][]Chunk

	mu       sync.Mutex
	calls    int
	requests []CompletionRequest // captured for assertions
}

func (p *scriptProvider) Name() string {
	if p.name == "" {
		return "script"
	}
	return p.name
}

func (p *scriptProvider) Complete(_ context.Context, req CompletionRequest) (<-chan Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	script := []Chunk{textChunk("exhausted"), finishChunk("stop")}
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	ch := make(chan Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) request(i int) CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.requests) {
		return CompletionRequest{}
	}
	return p.requests[i]
}

func textChunk(s string) Chunk {
	return Chunk{Type: ChunkTextDelta, Content: s}
}

func finishChunk(reason string) Chunk {
	return Chunk{Type: ChunkStatus, Metadata: map[string]string{
		MetaStatus:       StatusFinish,
		MetaFinishReason: reason,
	}}
}

func errorChunk(msg string) Chunk {
	return Chunk{Type: ChunkStatus, Metadata: map[string]string{
		MetaStatus:  StatusError,
		MetaMessage: msg,
	}}
}

func toolCallsChunk(calls ...NativeToolCall) Chunk {
	raw, _ := json.Marshal(calls)
	return Chunk{Type: ChunkStatus, Metadata: map[string]string{
		MetaStatus:       StatusFinish,
		MetaFinishReason: FinishToolCalls,
		MetaToolCalls:    string(raw),
	}}
}

// --- In-memory store ---

// memStore is a thread-safe in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	threads  map[string]Thread
	messages []Message
	projects map[string]Project
}

func newMemStore() *memStore {
	return &memStore{
		threads:  make(map[string]Thread),
		projects: make(map[string]Project),
	}
}

func (s *memStore) CreateThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t
	return nil
}

func (s *memStore) Thread(_ context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *memStore) AddMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) Message(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *memStore) Messages(_ context.Context, threadID string, visibleOnly bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if visibleOnly && !m.IsLLMVisible {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) LatestMessage(_ context.Context, threadID string, kinds ...MessageKind) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ThreadID != threadID {
			continue
		}
		if len(kinds) == 0 {
			return m, nil
		}
		for _, k := range kinds {
			if m.Kind == k {
				return m, nil
			}
		}
	}
	return Message{}, ErrNotFound
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memStore) CreateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) Project(_ context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) SetProjectSandbox(_ context.Context, projectID string, desc *SandboxDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.Sandbox = desc
	s.projects[projectID] = p
	return nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

// messageKinds returns the kinds of a thread's messages in insertion order,
// for asserting persistence order.
func (s *memStore) messageKinds(threadID string) []MessageKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageKind
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m.Kind)
		}
	}
	return out
}

// seedThread creates a thread with one user message and returns its ID.
func seedThread(t *testing.T, store *memStore, input string) string {
	t.Helper()
	th := Thread{ID: NewID(), ProjectID: "proj-1", AccountID: "acct-1", CreatedAt: NowUnix()}
	if err := store.CreateThread(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	if err := store.AddMessage(context.Background(), NewUserMessage(th.ID, input)); err != nil {
		t.Fatal(err)
	}
	return th.ID
}

// --- Tool mocks ---

// stubTool is a configurable Tool. fn defaults to echoing the operation name.
type stubTool struct {
	ops []Operation
	fn  func(ctx context.Context, op string, kwargs map[string]string) (ToolResult, error)
}

func (t *stubTool) Operations() []Operation { return t.ops }

func (t *stubTool) Execute(ctx context.Context, op string, kwargs map[string]string) (ToolResult, error) {
	if t.fn != nil {
		return t.fn(ctx, op, kwargs)
	}
	return OK("ran " + op), nil
}

// opTool builds a single-operation tool that reports "ran <name>".
func opTool(name string) *stubTool {
	return &stubTool{ops: []Operation{{
		Name:        name,
		Description: "test operation " + name,
		Structured:  &StructuredSchema{Parameters: json.RawMessage(`{"type":"object"}`)},
	}}}
}

// tagTool builds a single-operation tool with an inline XML tag whose bare
// content maps to the "text" kwarg.
func tagTool(name, tag string) *stubTool {
	return &stubTool{ops: []Operation{{
		Name:        name,
		Description: "test operation " + name,
		XML: &XMLSchema{
			TagName:  tag,
			Mappings: []ParamMapping{{Param: "text", Node: NodeContent}},
		},
	}}}
}

// terminalTool registers ask and complete so processor tests can exercise
// run termination.
func terminalTool() *stubTool {
	return &stubTool{
		ops: []Operation{
			{Name: "ask", Description: "ask the user", XML: &XMLSchema{TagName: "ask", Mappings: []ParamMapping{{Param: "text", Node: NodeContent}}}},
			{Name: "complete", Description: "finish the task", XML: &XMLSchema{TagName: "complete", Mappings: []ParamMapping{{Param: "text", Node: NodeContent}}}},
		},
		fn: func(_ context.Context, op string, _ map[string]string) (ToolResult, error) {
			return Failf("%s must not execute", op), nil
		},
	}
}

// barrierTool blocks each Execute until all concurrent calls have started.
// If calls run sequentially this deadlocks (caught by test timeout).
type barrierTool struct {
	name    string
	barrier chan struct{}
	started chan struct{}
}

func (b *barrierTool) Operations() []Operation {
	return []Operation{{
		Name:        b.name,
		Description: "barrier tool",
		XML:         &XMLSchema{TagName: b.name},
	}}
}

func (b *barrierTool) Execute(_ context.Context, _ string, _ map[string]string) (ToolResult, error) {
	b.started <- struct{}{} // signal: I have started
	<-b.barrier             // wait for release
	return OK("done from " + b.name), nil
}

func testRegistry(tools ...Tool) *Registry {
	reg := NewRegistry()
	reg.Register(tools...)
	return reg
}

// --- Event collection ---

// collectEvents drains an event channel until it closes, failing the test
// if that takes more than five seconds.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events; got %d so far", len(events))
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	return events[len(events)-1]
}
