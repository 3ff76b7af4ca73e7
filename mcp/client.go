// Package mcp implements a Model Context Protocol client over stdio.
//
// A Client owns one server subprocess and speaks newline-delimited JSON-RPC
// 2.0 (revision 2025-03-26) on its stdin and stdout. Dial runs the full
// handshake: initialize, the initialized notification, then tools/list. The
// discovered tools are exposed to the agent runtime through the Tool adapter
// in this package.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxLineBytes bounds a single protocol line. Tool results can embed whole
// documents, so the ceiling is generous.
const maxLineBytes = 10 * 1024 * 1024

// closeGrace is how long Close waits for a server to exit after stdin
// closes before killing it.
const closeGrace = 3 * time.Second

// Client is a connected MCP server. It is safe for concurrent use; calls
// are serialized because the transport is a single byte stream.
type Client struct {
	name     string
	w        io.Writer
	scanner  *bufio.Scanner
	shutdown func() error
	logger   *slog.Logger

	mu     sync.Mutex
	nextID int64
	closed bool
	server serverInfo
	tools  []ToolDefinition
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newClient(name string, w io.Writer, r io.Reader, shutdown func() error, opts ...Option) *Client {
	c := &Client{
		name:     name,
		w:        w,
		scanner:  bufio.NewScanner(r),
		shutdown: shutdown,
		logger:   nopLogger,
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial starts command as an MCP server subprocess and completes the
// handshake. name labels the server in logs and in registered tool names.
// env entries are appended to the current process environment. ctx governs
// the subprocess lifetime: cancellation kills the server, so callers should
// pass a context that outlives the calls they plan to make.
func Dial(ctx context.Context, name, command string, args, env []string, opts ...Option) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stderr pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp %s: start %s: %w", name, command, err)
	}

	shutdown := func() error {
		_ = stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return err
		case <-time.After(closeGrace):
			_ = cmd.Process.Kill()
			<-done
			return nil
		}
	}

	c := newClient(name, stdin, stdout, shutdown, opts...)
	go c.drainStderr(stderr)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp %s: %w", name, err)
	}
	c.logger.Info("mcp server connected",
		"server", name, "remote", c.server.Name, "tools", len(c.tools))
	return c, nil
}

// Name returns the label the client was dialed with.
func (c *Client) Name() string {
	return c.name
}

// Tools returns the definitions the server advertised at handshake.
func (c *Client) Tools() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes a tool on the server. The returned text joins the server's
// text content blocks; isError reports the server's own verdict on the
// call, which is distinct from a transport or protocol failure.
func (c *Client) Call(ctx context.Context, tool string, kwargs map[string]string) (text string, isError bool, err error) {
	args, err := c.buildArguments(tool, kwargs)
	if err != nil {
		return "", false, fmt.Errorf("call %s: %w", tool, err)
	}
	var res toolCallResult
	if err := c.roundTrip(ctx, "tools/call", toolCallParams{Name: tool, Arguments: args}, &res); err != nil {
		return "", false, err
	}
	var parts []string
	for _, block := range res.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), res.IsError, nil
}

// Close shuts the server down: stdin closes first, and the process is
// killed if it has not exited within a short grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.shutdown == nil {
		return nil
	}
	return c.shutdown()
}

func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "strand", Version: "1.0"},
	}
	var init initializeResult
	if err := c.roundTrip(ctx, "initialize", params, &init); err != nil {
		return err
	}
	c.mu.Lock()
	c.server = init.ServerInfo
	c.mu.Unlock()

	if err := c.notify("notifications/initialized"); err != nil {
		return fmt.Errorf("notifications/initialized: %w", err)
	}

	var list toolsListResult
	if err := c.roundTrip(ctx, "tools/list", nil, &list); err != nil {
		return err
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}

// roundTrip sends one request and reads lines until its response arrives.
// Server-initiated messages and responses to stale IDs are skipped. The
// read itself cannot be interrupted by ctx; cancellation takes effect when
// it kills the subprocess and the pipe closes.
func (c *Client) roundTrip(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s: client closed", method)
	}
	c.nextID++
	id := c.nextID
	if err := c.writeLocked(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: write request: %w", method, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return fmt.Errorf("%s: read response: %w", method, err)
			}
			return fmt.Errorf("%s: server closed the connection", method)
		}
		line := c.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("mcp: skipping malformed line", "server", c.name, "error", err)
			continue
		}
		if env.Method != "" {
			// A request or notification from the server. None are supported;
			// keep the stream readable by moving past it.
			c.logger.Debug("mcp: ignoring server message", "server", c.name, "method", env.Method)
			continue
		}
		var got int64
		if err := json.Unmarshal(env.ID, &got); err != nil || got != id {
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) notify(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) writeLocked(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}

// buildArguments shapes string kwargs into the argument object the server
// expects. The XML parser hands every parameter over as a string; servers
// validate against typed JSON Schema, so values are converted to the type
// each schema property declares.
func (c *Client) buildArguments(tool string, kwargs map[string]string) (json.RawMessage, error) {
	if len(kwargs) == 0 {
		return json.RawMessage(`{}`), nil
	}
	types := map[string]string{}
	c.mu.Lock()
	for _, def := range c.tools {
		if def.Name != tool || len(def.InputSchema) == 0 {
			continue
		}
		var schema struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(def.InputSchema, &schema); err == nil {
			for name, prop := range schema.Properties {
				types[name] = prop.Type
			}
		}
		break
	}
	c.mu.Unlock()

	args := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		args[k] = coerce(v, types[k])
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return data, nil
}

// coerce converts a string value to the JSON Schema type kind. Values that
// do not parse stay strings and the server reports the mismatch.
func coerce(value, kind string) any {
	switch kind {
	case "integer":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			c.logger.Debug("mcp server stderr", "server", c.name, "line", line)
		}
	}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
