package openaicompat

import (
	"encoding/json"
	"testing"

	strand "github.com/strandhq/strand"
)

func TestBuildBody_Basics(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{
			strand.SystemMessage("be brief"),
			strand.UserMessage("hello"),
		},
		Temperature: 0,
		MaxTokens:   1024,
	}

	body := BuildBody(req, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", body.Model)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("system message mangled: %+v", body.Messages[0])
	}
	if body.Temperature == nil || *body.Temperature != 0 {
		t.Error("temperature zero must be sent explicitly")
	}
	if body.MaxTokens != 1024 {
		t.Errorf("expected max tokens 1024, got %d", body.MaxTokens)
	}
	if body.Tools != nil {
		t.Error("expected no tools")
	}
}

func TestBuildBody_AssistantToolCalls(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{{
			Role: "assistant",
			ToolCalls: []strand.NativeToolCall{{
				ID:   "call_1",
				Name: "run_command",
				Args: json.RawMessage(`{"cmd":"ls"}`),
			}},
		}},
	}

	msg := BuildBody(req, "m").Messages[0]
	if msg.Content != nil {
		t.Errorf("expected nil content on a pure tool-call turn, got %v", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" {
		t.Errorf("tool call header wrong: %+v", tc)
	}
	if tc.Function.Name != "run_command" {
		t.Errorf("expected name run_command, got %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"cmd":"ls"}` {
		t.Errorf("expected raw JSON arguments string, got %q", tc.Function.Arguments)
	}
}

func TestBuildBody_AssistantTextWithToolCalls(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{{
			Role:      "assistant",
			Content:   "let me check",
			ToolCalls: []strand.NativeToolCall{{ID: "c", Name: "f", Args: json.RawMessage("{}")}},
		}},
	}
	msg := BuildBody(req, "m").Messages[0]
	if msg.Content != "let me check" {
		t.Errorf("expected text to survive alongside tool calls, got %v", msg.Content)
	}
}

func TestBuildBody_ToolResult(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{
			strand.ToolResultMessage("call_1", "exit 0"),
		},
	}
	msg := BuildBody(req, "m").Messages[0]
	if msg.Role != "tool" {
		t.Errorf("expected role tool, got %q", msg.Role)
	}
	if msg.ToolCallID != "call_1" {
		t.Errorf("expected tool_call_id call_1, got %q", msg.ToolCallID)
	}
	if msg.Content != "exit 0" {
		t.Errorf("expected content 'exit 0', got %v", msg.Content)
	}
}

func TestBuildBody_Images(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{{
			Role:    "user",
			Content: "what is this?",
			Images: []strand.ImageData{
				{MimeType: "image/png", Base64: "QUJD"},
				{MimeType: "image/jpeg", Base64: "ignored", URL: "https://example.com/cat.jpg"},
			},
		}},
	}

	msg := BuildBody(req, "m").Messages[0]
	blocks, ok := msg.Content.([]ContentBlock)
	if !ok {
		t.Fatalf("expected content blocks, got %T", msg.Content)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "what is this?" {
		t.Errorf("text block wrong: %+v", blocks[0])
	}
	if blocks[1].ImageURL.URL != "data:image/png;base64,QUJD" {
		t.Errorf("expected data URI, got %q", blocks[1].ImageURL.URL)
	}
	if blocks[2].ImageURL.URL != "https://example.com/cat.jpg" {
		t.Errorf("URL must win over inline data, got %q", blocks[2].ImageURL.URL)
	}
}

func TestBuildBody_ImageOnly(t *testing.T) {
	req := strand.CompletionRequest{
		Messages: []strand.ChatMessage{{
			Role:   "user",
			Images: []strand.ImageData{{MimeType: "image/png", Base64: "QUJD"}},
		}},
	}
	msg := BuildBody(req, "m").Messages[0]
	blocks, ok := msg.Content.([]ContentBlock)
	if !ok {
		t.Fatalf("expected content blocks, got %T", msg.Content)
	}
	if len(blocks) != 1 || blocks[0].Type != "image_url" {
		t.Errorf("expected a single image block, got %+v", blocks)
	}
}

func TestBuildToolDefs(t *testing.T) {
	defs := []strand.ToolDefinition{
		{Name: "search", Description: "web search", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "noop"},
	}

	tools := BuildToolDefs(defs)
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Type != "function" || tools[0].Function.Name != "search" {
		t.Errorf("tool header wrong: %+v", tools[0])
	}
	if string(tools[0].Function.Parameters) != `{"type":"object"}` {
		t.Errorf("parameters not passed through: %s", tools[0].Function.Parameters)
	}
	if string(tools[1].Function.Parameters) != "{}" {
		t.Errorf("expected empty schema to default to {}, got %s", tools[1].Function.Parameters)
	}
}
