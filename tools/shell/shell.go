// Package shell executes commands inside the project sandbox workspace.
package shell

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
)

const (
	// defaultTimeout bounds a command that did not ask for more.
	defaultTimeout = 60 * time.Second
	// maxOutputRunes caps what a single command can put in front of the
	// model; the full output stays retrievable via expand_message once
	// the result is persisted.
	maxOutputRunes = 20000
)

type Tool struct {
	projectID string
	sandboxes sandbox.Provider
}

func New(projectID string, sandboxes sandbox.Provider) *Tool {
	return &Tool{projectID: projectID, sandboxes: sandboxes}
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{{
		Name: "execute_command",
		Description: "Execute a shell command in the sandbox workspace (/workspace). Returns " +
			"combined stdout and stderr. Long-running commands should set a timeout.",
		Timeout: 10 * time.Minute,
		Structured: &strand.StructuredSchema{
			Parameters: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"folder":{"type":"string","description":"Workspace-relative directory to run in"},"timeout":{"type":"integer","description":"Timeout in seconds (default 60)"}},"required":["command"]}`),
		},
		XML: &strand.XMLSchema{
			TagName: "execute-command",
			Mappings: []strand.ParamMapping{
				{Param: "folder", Node: strand.NodeAttribute, Path: "folder"},
				{Param: "timeout", Node: strand.NodeAttribute, Path: "timeout"},
				{Param: "command", Node: strand.NodeContent},
			},
			Example: `<execute-command folder="app" timeout="120">npm run build</execute-command>`,
		},
	}}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	if op != "execute_command" {
		return strand.Failf("unknown operation: %s", op), nil
	}
	command := strings.TrimSpace(kwargs["command"])
	if command == "" {
		return strand.Failf("command is required"), nil
	}

	workdir := sandbox.WorkspaceDir
	if folder := strings.TrimSpace(kwargs["folder"]); folder != "" {
		workdir = sandbox.CleanPath(folder)
	}

	timeout := defaultTimeout
	if raw := kwargs["timeout"]; raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			return strand.Failf("invalid timeout %q: must be a positive number of seconds", raw), nil
		}
		timeout = time.Duration(secs) * time.Second
	}

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}

	res, err := h.Exec(ctx, command, workdir, timeout)
	if err != nil {
		return strand.Failf("exec failed: %v", err), nil
	}

	output := res.Stdout
	if res.Stderr != "" {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += res.Stderr
	}
	if truncated := strand.Truncate(output, maxOutputRunes); len(truncated) < len(output) {
		output = truncated + "\n... (output truncated)"
	}

	if res.ExitCode != 0 {
		if output == "" {
			return strand.Failf("command exited with status %d", res.ExitCode), nil
		}
		return strand.Failf("command exited with status %d:\n%s", res.ExitCode, output), nil
	}
	if output == "" {
		output = "(no output)"
	}
	return strand.OK(output), nil
}
