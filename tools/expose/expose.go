// Package expose publishes a sandbox port to the user. Services started
// inside the sandbox are unreachable until their port is mapped to a
// preview URL.
package expose

import (
	"context"
	"encoding/json"
	"strconv"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/sandbox"
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
		Name: "expose_port",
		Description: "Expose a port from the sandbox to the public internet and return its " +
			"preview URL. Use after starting a server so the user can open it.",
		Structured: &strand.StructuredSchema{
			Parameters: json.RawMessage(`{"type":"object","properties":{"port":{"type":"integer","description":"Port the service listens on inside the sandbox"}},"required":["port"]}`),
		},
		XML: &strand.XMLSchema{
			TagName: "expose-port",
			Mappings: []strand.ParamMapping{
				{Param: "port", Node: strand.NodeContent},
			},
			Example: `<expose-port>8000</expose-port>`,
		},
	}}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	if op != "expose_port" {
		return strand.Failf("unknown operation: %s", op), nil
	}
	port, err := strconv.Atoi(kwargs["port"])
	if err != nil || port < 1 || port > 65535 {
		return strand.Failf("invalid port %q: must be an integer between 1 and 65535", kwargs["port"]), nil
	}

	h, err := t.sandboxes.Ensure(ctx, t.projectID)
	if err != nil {
		return strand.Failf("sandbox unavailable: %v", err), nil
	}
	url, err := h.PreviewLink(ctx, port)
	if err != nil {
		return strand.Failf("expose port %d: %v", port, err), nil
	}
	return strand.OK("Port " + kwargs["port"] + " is now accessible at " + url), nil
}
