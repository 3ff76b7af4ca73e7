// Package expand lets the model re-read a stored message in full after
// the context builder truncated it. The truncation notice carries the
// message ID to pass here.
package expand

import (
	"context"
	"encoding/json"
	"errors"

	strand "github.com/strandhq/strand"
)

type Tool struct {
	store strand.Store
}

func New(store strand.Store) *Tool {
	return &Tool{store: store}
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{{
		Name: "expand_message",
		Description: "Read the full content of a message that was shown truncated. " +
			"The message_id appears in the truncation notice.",
		Structured: &strand.StructuredSchema{
			Parameters: json.RawMessage(`{"type":"object","properties":{"message_id":{"type":"string","description":"ID of the truncated message"}},"required":["message_id"]}`),
		},
		XML: &strand.XMLSchema{
			TagName: "expand-message",
			Mappings: []strand.ParamMapping{
				{Param: "message_id", Node: strand.NodeAttribute, Path: "message_id"},
			},
			Example: `<expand-message message_id="af47cb6f-90b5-4ba2-9c39-1a6c1d0a1f4e"></expand-message>`,
		},
	}}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	if op != "expand_message" {
		return strand.Failf("unknown operation: %s", op), nil
	}
	id := kwargs["message_id"]
	if id == "" {
		return strand.Failf("message_id is required"), nil
	}

	m, err := t.store.Message(ctx, id)
	if errors.Is(err, strand.ErrNotFound) {
		return strand.Failf("message %s not found", id), nil
	}
	if err != nil {
		return strand.Failf("read message %s: %v", id, err), nil
	}

	// Text payloads expand to their content; anything else is returned
	// as raw JSON so browser state and the like stay inspectable.
	if tc, err := m.Text(); err == nil && tc.Content != "" {
		return strand.OK(tc.Content), nil
	}
	return strand.OK(string(m.Content)), nil
}
