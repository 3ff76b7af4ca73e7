package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// fakeServer speaks the server side of the protocol over in-memory pipes.
type fakeServer struct {
	tools  []ToolDefinition
	onCall func(name string, args map[string]any) toolCallResult
	// callError, when set, makes tools/call fail at the RPC layer.
	callError *rpcError

	mu          sync.Mutex
	initialized bool
	lastTool    string
	lastArgs    map[string]any
	// interleave lines are written before the next response so tests can
	// exercise the client's skip logic.
	interleave []string
}

func (s *fakeServer) serve(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			if req.Method == "notifications/initialized" {
				s.mu.Lock()
				s.initialized = true
				s.mu.Unlock()
			}
			continue
		}

		s.mu.Lock()
		extra := s.interleave
		s.interleave = nil
		s.mu.Unlock()
		for _, line := range extra {
			io.WriteString(w, line+"\n")
		}

		var result any
		switch req.Method {
		case "initialize":
			result = initializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      serverInfo{Name: "fake", Version: "0.1"},
			}
		case "tools/list":
			result = toolsListResult{Tools: s.tools}
		case "tools/call":
			if s.callError != nil {
				enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": s.callError})
				continue
			}
			var params toolCallParams
			json.Unmarshal(req.Params, &params)
			var args map[string]any
			if len(params.Arguments) > 0 {
				json.Unmarshal(params.Arguments, &args)
			}
			s.mu.Lock()
			s.lastTool = params.Name
			s.lastArgs = args
			s.mu.Unlock()
			if s.onCall != nil {
				result = s.onCall(params.Name, args)
			} else {
				result = toolCallResult{Content: []textContent{{Type: "text", Text: "ok"}}}
			}
		default:
			enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID,
				"error": &rpcError{Code: -32601, Message: "method not found"}})
			continue
		}
		enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

func newTestClient(t *testing.T, srv *fakeServer) *Client {
	t.Helper()
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()
	go srv.serve(serverReads, serverWrites)
	c := newClient("docs", clientWrites, clientReads, func() error {
		clientWrites.Close()
		clientReads.Close()
		return nil
	})
	if err := c.handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func echoSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"a":       {"type": "integer"},
			"b":       {"type": "number"},
			"flag":    {"type": "boolean"},
			"name":    {"type": "string"},
			"payload": {"type": "object"}
		}
	}`)
}

func TestHandshake(t *testing.T) {
	srv := &fakeServer{tools: []ToolDefinition{
		{Name: "lookup", Description: "Look up a page.", InputSchema: echoSchema()},
		{Name: "search-docs", Description: "Search the docs."},
	}}
	c := newTestClient(t, srv)

	tools := c.Tools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Name != "lookup" || tools[1].Name != "search-docs" {
		t.Errorf("expected lookup and search-docs, got %q and %q", tools[0].Name, tools[1].Name)
	}
	if c.server.Name != "fake" {
		t.Errorf("expected server name fake, got %q", c.server.Name)
	}
	srv.mu.Lock()
	initialized := srv.initialized
	srv.mu.Unlock()
	if !initialized {
		t.Error("expected initialized notification before tools/list")
	}
}

func TestCall_CoercesArguments(t *testing.T) {
	srv := &fakeServer{
		tools: []ToolDefinition{{Name: "lookup", InputSchema: echoSchema()}},
		onCall: func(name string, args map[string]any) toolCallResult {
			return toolCallResult{Content: []textContent{
				{Type: "text", Text: "first"},
				{Type: "text", Text: "second"},
			}}
		},
	}
	c := newTestClient(t, srv)

	text, isError, err := c.Call(context.Background(), "lookup", map[string]string{
		"a":       "2",
		"b":       "2.5",
		"flag":    "true",
		"name":    "x",
		"payload": `{"k": 1}`,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if isError {
		t.Error("expected isError false")
	}
	if text != "first\nsecond" {
		t.Errorf("expected joined content blocks, got %q", text)
	}

	srv.mu.Lock()
	args := srv.lastArgs
	tool := srv.lastTool
	srv.mu.Unlock()
	if tool != "lookup" {
		t.Errorf("expected tool lookup, got %q", tool)
	}
	want := map[string]any{
		"a":       float64(2),
		"b":       2.5,
		"flag":    true,
		"name":    "x",
		"payload": map[string]any{"k": float64(1)},
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("expected coerced arguments %v, got %v", want, args)
	}
}

func TestCall_NoSchemaKeepsStrings(t *testing.T) {
	srv := &fakeServer{tools: []ToolDefinition{{Name: "raw"}}}
	c := newTestClient(t, srv)

	if _, _, err := c.Call(context.Background(), "raw", map[string]string{"n": "7"}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	srv.mu.Lock()
	args := srv.lastArgs
	srv.mu.Unlock()
	if got, ok := args["n"].(string); !ok || got != "7" {
		t.Errorf("expected string %q without a schema, got %v", "7", args["n"])
	}
}

func TestCall_ServerToolError(t *testing.T) {
	srv := &fakeServer{
		tools: []ToolDefinition{{Name: "lookup"}},
		onCall: func(string, map[string]any) toolCallResult {
			return toolCallResult{
				Content: []textContent{{Type: "text", Text: "lookup failed: no such page"}},
				IsError: true,
			}
		},
	}
	c := newTestClient(t, srv)

	text, isError, err := c.Call(context.Background(), "lookup", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !isError {
		t.Error("expected isError true")
	}
	if text != "lookup failed: no such page" {
		t.Errorf("expected server error text, got %q", text)
	}
}

func TestCall_RPCError(t *testing.T) {
	srv := &fakeServer{
		tools:     []ToolDefinition{{Name: "lookup"}},
		callError: &rpcError{Code: -32603, Message: "backend unavailable"},
	}
	c := newTestClient(t, srv)

	_, _, err := c.Call(context.Background(), "lookup", nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "tools/call") || !strings.Contains(err.Error(), "backend unavailable") {
		t.Errorf("expected rpc error with method and message, got %q", err.Error())
	}
}

func TestCall_SkipsInterleavedMessages(t *testing.T) {
	srv := &fakeServer{tools: []ToolDefinition{{Name: "lookup"}}}
	c := newTestClient(t, srv)

	srv.mu.Lock()
	srv.interleave = []string{
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`,
		`{"jsonrpc":"2.0","id":999,"result":{}}`,
		`this line is not json`,
	}
	srv.mu.Unlock()

	text, _, err := c.Call(context.Background(), "lookup", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if text != "ok" {
		t.Errorf("expected ok after skipping noise, got %q", text)
	}
}

func TestCall_AfterClose(t *testing.T) {
	srv := &fakeServer{tools: []ToolDefinition{{Name: "lookup"}}}
	c := newTestClient(t, srv)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := c.Call(context.Background(), "lookup", nil); err == nil {
		t.Fatal("expected error after close, got nil")
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		value string
		kind  string
		want  any
	}{
		{"42", "integer", int64(42)},
		{"4.5", "number", 4.5},
		{"true", "boolean", true},
		{"nope", "integer", "nope"},
		{`[1, 2]`, "array", []any{float64(1), float64(2)}},
		{"hello", "", "hello"},
		{"hello", "string", "hello"},
	}
	for _, tc := range cases {
		got := coerce(tc.value, tc.kind)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("coerce(%q, %q): expected %#v, got %#v", tc.value, tc.kind, tc.want, got)
		}
	}
}

func TestBuildArguments_Empty(t *testing.T) {
	srv := &fakeServer{tools: []ToolDefinition{{Name: "lookup"}}}
	c := newTestClient(t, srv)

	args, err := c.buildArguments("lookup", nil)
	if err != nil {
		t.Fatalf("buildArguments: %v", err)
	}
	if string(args) != "{}" {
		t.Errorf("expected empty object, got %s", args)
	}
}
