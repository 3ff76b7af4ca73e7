// Package message implements the conversational terminator operations.
// Invoking any of them ends the current agent iteration: ask and
// web_browser_takeover hand control to the user, complete declares the
// task finished.
package message

import (
	"context"

	strand "github.com/strandhq/strand"
)

// Tool carries no state; the operations are pure signals interpreted by
// the response processor.
type Tool struct{}

func New() *Tool { return &Tool{} }

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{
		{
			Name: "ask",
			Description: "Ask the user a question and pause until they reply. Use when the task " +
				"is blocked on information or a decision only the user can provide. " +
				"Attachments name workspace files the user should look at.",
			XML: &strand.XMLSchema{
				TagName: "ask",
				Mappings: []strand.ParamMapping{
					{Param: "attachments", Node: strand.NodeAttribute, Path: "attachments"},
					{Param: "text", Node: strand.NodeContent},
				},
				Example: `<ask attachments="report.pdf">Should the summary cover Q3 as well?</ask>`,
			},
		},
		{
			Name: "complete",
			Description: "Declare the task finished and stop. Use only when every requested " +
				"item is done; summarize the outcome in the body.",
			XML: &strand.XMLSchema{
				TagName: "complete",
				Mappings: []strand.ParamMapping{
					{Param: "attachments", Node: strand.NodeAttribute, Path: "attachments"},
					{Param: "text", Node: strand.NodeContent},
				},
				Example: `<complete>Deployed the site and verified the health check passes.</complete>`,
			},
		},
		{
			Name: "web_browser_takeover",
			Description: "Request that the user take over the browser, e.g. for a login or " +
				"CAPTCHA the agent must not solve itself. Explain what to do and " +
				"what to report back.",
			XML: &strand.XMLSchema{
				TagName: "web-browser-takeover",
				Mappings: []strand.ParamMapping{
					{Param: "text", Node: strand.NodeContent},
				},
				Example: `<web-browser-takeover>Please complete the CAPTCHA on the open page, then tell me when you are done.</web-browser-takeover>`,
			},
		},
	}
}

// Execute echoes the message text. The processor stops the iteration on
// these operations before any result reaches the model, so the body only
// matters to the frontend rendering the event.
func (t *Tool) Execute(_ context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	switch op {
	case "ask", "complete", "web_browser_takeover":
		return strand.OK(kwargs["text"]), nil
	}
	return strand.Failf("unknown operation: %s", op), nil
}
