package strand

import "encoding/json"

// --- Domain types (database records) ---

type Project struct {
	ID        string             `json:"id"`
	AccountID string             `json:"account_id"`
	Name      string             `json:"name"`
	Sandbox   *SandboxDescriptor `json:"sandbox,omitempty"`
	CreatedAt int64              `json:"created_at"`
}

// SandboxDescriptor records the sandbox provisioned for a project. It is
// stored on the project row and cleared when the sandbox is removed.
type SandboxDescriptor struct {
	Kind        SandboxKind `json:"kind"`
	ID          string      `json:"id"`
	VNCEndpoint string      `json:"vnc_endpoint,omitempty"`
	WebEndpoint string      `json:"web_endpoint,omitempty"`
	VNCPassword string      `json:"vnc_password,omitempty"`
}

type SandboxKind string

const (
	SandboxDocker  SandboxKind = "docker"
	SandboxDaytona SandboxKind = "daytona"
)

type Thread struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	AccountID string `json:"account_id"`
	CreatedAt int64  `json:"created_at"`
}

// Message is one record in a thread's history. Content is an opaque JSON
// payload whose shape depends on Kind: user, assistant, and tool messages
// carry a TextContent; browser_state carries the automation service's state
// snapshot; image_context carries an ImageContext.
type Message struct {
	ID           string          `json:"id"`
	ThreadID     string          `json:"thread_id"`
	Kind         MessageKind     `json:"kind"`
	Content      json.RawMessage `json:"content"`
	IsLLMVisible bool            `json:"is_llm_visible"`
	CreatedAt    int64           `json:"created_at"`
}

type MessageKind string

const (
	KindUser         MessageKind = "user"
	KindAssistant    MessageKind = "assistant"
	KindTool         MessageKind = "tool"
	KindStatus       MessageKind = "status"
	KindBrowserState MessageKind = "browser_state"
	KindImageContext MessageKind = "image_context"
)

// TextContent is the payload of user, assistant, and tool messages.
// ToolCalls and ToolCallID are set only on the native tool-calling path,
// where the provider needs calls and results tied together across turns.
type TextContent struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []NativeToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// ImageContext is the payload of an image_context message, written by the
// vision tool when the model asks to see an image. It is consumed once by
// the context builder and then deleted.
type ImageContext struct {
	FilePath string `json:"file_path"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string           `json:"role"` // "system", "user", "assistant", "tool"
	Content    string           `json:"content"`
	Images     []ImageData      `json:"images,omitempty"`
	ToolCalls  []NativeToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// ImageData attaches an image to a chat message, either by URL or as
// base64 data. URL wins when both are set.
type ImageData struct {
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
	URL      string `json:"url,omitempty"`
}

// NativeToolCall is a tool call produced by the provider's own tool-calling
// protocol, as opposed to one parsed out of assistant text.
type NativeToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type CompletionRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Chunk is one unit of a streamed completion. Text arrives as text_delta
// chunks; everything else (finish, mid-stream errors, native tool calls)
// arrives as status chunks described by Metadata.
type Chunk struct {
	Type     ChunkType         `json:"type"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ChunkType string

const (
	ChunkTextDelta ChunkType = "text_delta"
	ChunkStatus    ChunkType = "status"
)

// Metadata keys set on status chunks.
const (
	MetaStatus       = "status"        // StatusFinish or StatusError
	MetaMessage      = "message"       // error detail
	MetaFinishReason = "finish_reason" // "stop", "length", "tool_calls"
	MetaToolCalls    = "tool_calls"    // JSON-encoded []NativeToolCall
	MetaInputTokens  = "input_tokens"  // usage, set on finish chunks
	MetaOutputTokens = "output_tokens"
)

const (
	StatusFinish = "finish"
	StatusError  = "error"
)

// FinishToolCalls is the finish reason a provider reports when the model
// responded with native tool calls instead of (or in addition to) text.
const FinishToolCalls = "tool_calls"

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// --- Message record constructors ---

// NewMessage builds a thread message with a JSON-encoded content payload.
func NewMessage(threadID string, kind MessageKind, content any, visible bool) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:           NewID(),
		ThreadID:     threadID,
		Kind:         kind,
		Content:      raw,
		IsLLMVisible: visible,
		CreatedAt:    NowUnix(),
	}, nil
}

func NewUserMessage(threadID, text string) Message {
	m, _ := NewMessage(threadID, KindUser, TextContent{Role: "user", Content: text}, true)
	return m
}

func NewAssistantMessage(threadID, text string) Message {
	m, _ := NewMessage(threadID, KindAssistant, TextContent{Role: "assistant", Content: text}, true)
	return m
}

// NewToolMessage records a tool result. The text is already formatted for
// the model and is presented with the user role on the next turn, the way
// results of in-text tool invocations are echoed back.
func NewToolMessage(threadID, text string) Message {
	m, _ := NewMessage(threadID, KindTool, TextContent{Role: "user", Content: text}, true)
	return m
}

// NewStatusMessage records a run lifecycle marker. Status messages are
// never shown to the model.
func NewStatusMessage(threadID, status, detail string) Message {
	payload := map[string]string{"status": status}
	if detail != "" {
		payload["message"] = detail
	}
	m, _ := NewMessage(threadID, KindStatus, payload, false)
	return m
}

// Text extracts the text payload of a user, assistant, or tool message.
func (m Message) Text() (TextContent, error) {
	var tc TextContent
	if err := json.Unmarshal(m.Content, &tc); err != nil {
		return TextContent{}, err
	}
	return tc, nil
}
