package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	strand "github.com/strandhq/strand"
)

// callTimeout bounds one passthrough invocation. External servers do their
// own work on the other side of the pipe, so this is looser than the
// builtin default.
const callTimeout = 2 * time.Minute

// Tool adapts a connected Client to the runtime tool contract so external
// server tools register alongside the builtins. Operations are hidden from
// the builtin catalog; Catalog renders them for the external-capabilities
// section of the system prompt instead.
type Tool struct {
	client *Client
	remote map[string]string // registered operation name -> server tool name
}

// NewTool wraps client for registration. Operation names are prefixed with
// the client's name (for example "docs_lookup" for server "docs") so tools
// from different servers cannot collide.
func NewTool(client *Client) *Tool {
	t := &Tool{client: client, remote: map[string]string{}}
	for _, def := range client.Tools() {
		t.remote[t.opName(def.Name)] = def.Name
	}
	return t
}

func (t *Tool) opName(tool string) string {
	if t.client.Name() == "" {
		return strand.NormalizeToolName(tool)
	}
	return strand.NormalizeToolName(t.client.Name() + "_" + tool)
}

func (t *Tool) Operations() []strand.Operation {
	defs := t.client.Tools()
	ops := make([]strand.Operation, 0, len(defs))
	for _, def := range defs {
		op := strand.Operation{
			Name:        t.opName(def.Name),
			Description: def.Description,
			Timeout:     callTimeout,
			Hidden:      true,
		}
		if len(def.InputSchema) > 0 {
			op.Structured = &strand.StructuredSchema{Parameters: def.InputSchema}
		}
		ops = append(ops, op)
	}
	return ops
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	remote, ok := t.remote[op]
	if !ok {
		return strand.Failf("unknown operation: %s", op), nil
	}
	text, isError, err := t.client.Call(ctx, remote, kwargs)
	if err != nil {
		return strand.Failf("call %s on %s: %v", remote, t.client.Name(), err), nil
	}
	if isError {
		if text == "" {
			text = fmt.Sprintf("tool %s reported an error", remote)
		}
		return strand.Failf("%s", text), nil
	}
	if text == "" {
		text = "(no output)"
	}
	return strand.OK(text), nil
}

// Catalog renders the server's tools for the system prompt. Entries use the
// registered (prefixed) names so the model invokes them as they appear in
// the registry, and include each tool's argument schema verbatim.
func (t *Tool) Catalog() string {
	var b strings.Builder
	for _, def := range t.client.Tools() {
		fmt.Fprintf(&b, "## %s\n", t.opName(def.Name))
		if def.Description != "" {
			fmt.Fprintf(&b, "%s\n", def.Description)
		}
		if len(def.InputSchema) > 0 {
			var compact bytes.Buffer
			if err := json.Compact(&compact, def.InputSchema); err == nil {
				fmt.Fprintf(&b, "Arguments (JSON Schema): %s\n", compact.String())
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
