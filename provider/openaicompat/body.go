package openaicompat

import (
	"encoding/json"
	"fmt"

	strand "github.com/strandhq/strand"
)

// BuildBody converts a completion request into the OpenAI wire format.
// Temperature is always sent: agent loops run at explicit zero and
// omitting it would fall back to the server default.
func BuildBody(req strand.CompletionRequest, model string) ChatRequest {
	body := ChatRequest{
		Model:       model,
		Messages:    make([]Message, 0, len(req.Messages)),
		Temperature: &req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, buildMessage(m))
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	return body
}

func buildMessage(m strand.ChatMessage) Message {
	msg := Message{Role: m.Role, Content: m.Content}

	switch {
	case len(m.ToolCalls) > 0:
		// Assistant turn that requested tool calls. Content stays only
		// when the model also produced text alongside the calls.
		calls := make([]ToolCallRequest, 0, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls = append(calls, ToolCallRequest{
				Index: i,
				ID:    tc.ID,
				Type:  "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		msg.ToolCalls = calls
		if m.Content == "" {
			msg.Content = nil
		}

	case m.ToolCallID != "":
		msg.ToolCallID = m.ToolCallID

	case len(m.Images) > 0:
		blocks := make([]ContentBlock, 0, len(m.Images)+1)
		if m.Content != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			blocks = append(blocks, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: imageRef(img)},
			})
		}
		msg.Content = blocks
	}
	return msg
}

// imageRef prefers a remote URL and falls back to inlining the image
// as a data URI.
func imageRef(img strand.ImageData) string {
	if img.URL != "" {
		return img.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64)
}

// BuildToolDefs converts tool definitions into the OpenAI function
// schema list.
func BuildToolDefs(defs []strand.ToolDefinition) []Tool {
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		tools = append(tools, Tool{
			Type: "function",
			Function: Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}
