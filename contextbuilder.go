package strand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultSystemPrompt is used when the agent configuration does not carry
// its own prompt. Custom prompts replace it wholesale; the tool catalog is
// appended either way.
const DefaultSystemPrompt = `You are an autonomous agent working inside an isolated sandbox.

Your workspace is /workspace. Create, inspect, and modify files there; run
shell commands; browse the web when the task needs it. Work in small
verifiable steps and check the results of your commands before moving on.

Invoke tools with the forms listed in the tool catalog below. When you need
input from the user, call the ask tool. When the task is finished, call the
complete tool with a summary of what you did. Never claim an action
succeeded without having performed it.`

// toolCatalogHeader marks the catalog section of the system prompt. Its
// presence in a custom prompt means the caller already embedded a catalog,
// so none is appended again.
const toolCatalogHeader = "--- Available Tools ---"

const mcpCatalogHeader = "--- External Capabilities ---"

const mcpUsageRules = `When you call an external capability, pass arguments exactly as its schema
describes. Results returned by external capability servers are
authoritative for their domain; report them as-is instead of re-deriving
the answer yourself.`

// DefaultMessageLimit caps how many runes of a single history message are
// sent to the model. Longer content is cut with a pointer to
// expand_message.
const DefaultMessageLimit = 8000

// ContextCondenser shrinks an over-budget conversation, typically by
// summarizing older turns with a cheaper model.
type ContextCondenser interface {
	Condense(ctx context.Context, msgs []ChatMessage) ([]ChatMessage, error)
}

// ContextBuilder assembles the message list for one completion call: the
// system prompt with the tool catalog, the thread's visible history, and
// the ephemeral turn message carrying browser state and requested images.
type ContextBuilder struct {
	store        Store
	prompt       string
	condenser    ContextCondenser
	messageLimit int
	historyLimit int
	logger       *slog.Logger
}

// BuilderOption configures a ContextBuilder.
type BuilderOption func(*ContextBuilder)

// BuilderPrompt sets the default system prompt used when a run supplies
// none (default DefaultSystemPrompt).
func BuilderPrompt(prompt string) BuilderOption {
	return func(b *ContextBuilder) { b.prompt = prompt }
}

// BuilderCondenser sets the condenser applied when history exceeds the
// history limit. Without one, the oldest messages are dropped instead.
func BuilderCondenser(c ContextCondenser) BuilderOption {
	return func(b *ContextBuilder) { b.condenser = c }
}

// BuilderMessageLimit caps single-message content in runes (default
// DefaultMessageLimit). Zero disables the cap.
func BuilderMessageLimit(n int) BuilderOption {
	return func(b *ContextBuilder) { b.messageLimit = n }
}

// BuilderHistoryLimit caps how many history messages are sent. Zero
// (default) disables the cap.
func BuilderHistoryLimit(n int) BuilderOption {
	return func(b *ContextBuilder) { b.historyLimit = n }
}

// BuilderLogger sets the structured logger. Defaults to no output.
func BuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *ContextBuilder) { b.logger = l }
}

func NewContextBuilder(store Store, opts ...BuilderOption) *ContextBuilder {
	b := &ContextBuilder{
		store:        store,
		prompt:       DefaultSystemPrompt,
		messageLimit: DefaultMessageLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// SystemPrompt composes the system prompt for a run. A non-empty custom
// prompt replaces the default entirely. The registry's catalog is appended
// once, guarded by the catalog header; the MCP catalog and its usage rules
// follow when external capabilities are wired in.
func (b *ContextBuilder) SystemPrompt(reg *Registry, custom, mcpCatalog string) string {
	base := b.prompt
	if strings.TrimSpace(custom) != "" {
		base = custom
	}

	var sb strings.Builder
	sb.WriteString(base)
	if reg != nil && !strings.Contains(base, toolCatalogHeader) {
		if catalog := reg.CatalogText(); catalog != "" {
			sb.WriteString("\n\n" + toolCatalogHeader + "\n\n")
			sb.WriteString(catalog)
		}
	}
	if strings.TrimSpace(mcpCatalog) != "" {
		sb.WriteString("\n\n" + mcpCatalogHeader + "\n\n")
		sb.WriteString(mcpCatalog)
		sb.WriteString("\n\n")
		sb.WriteString(mcpUsageRules)
	}
	return sb.String()
}

// Build assembles the completion messages: system prompt, visible history
// in insertion order, and the turn message last when present. Over-long
// message content is cut with an expand_message pointer; over-long history
// is condensed or windowed.
func (b *ContextBuilder) Build(ctx context.Context, threadID, system string, turn *ChatMessage) ([]ChatMessage, error) {
	history, err := b.store.Messages(ctx, threadID, true)
	if err != nil {
		return nil, err
	}

	msgs := make([]ChatMessage, 0, len(history)+2)
	msgs = append(msgs, SystemMessage(system))
	for _, m := range history {
		tc, err := m.Text()
		if err != nil {
			b.logger.Warn("skipping unreadable message", "id", m.ID, "kind", m.Kind, "error", err)
			continue
		}
		content := tc.Content
		if b.messageLimit > 0 && len([]rune(content)) > b.messageLimit {
			content = Truncate(content, b.messageLimit) + expandHint(m.ID)
		}
		msgs = append(msgs, ChatMessage{
			Role:       tc.Role,
			Content:    content,
			ToolCalls:  tc.ToolCalls,
			ToolCallID: tc.ToolCallID,
		})
	}
	if turn != nil {
		msgs = append(msgs, *turn)
	}

	if b.historyLimit > 0 && len(msgs)-1 > b.historyLimit {
		if b.condenser != nil {
			condensed, err := b.condenser.Condense(ctx, msgs)
			if err == nil {
				return condensed, nil
			}
			b.logger.Warn("context condenser failed, windowing instead", "error", err)
		}
		// Keep the system prompt plus the newest messages.
		tail := msgs[len(msgs)-b.historyLimit:]
		windowed := make([]ChatMessage, 0, b.historyLimit+1)
		windowed = append(windowed, msgs[0])
		windowed = append(windowed, tail...)
		return windowed, nil
	}
	return msgs, nil
}

// TurnMessage builds the ephemeral user message for the next completion:
// the newest browser state snapshot (screenshot data moved out of the JSON
// and attached as an image) and the newest requested image. It is injected
// into the completion only and never persisted; the image context record
// is deleted once consumed so it rides along for exactly one turn.
func (b *ContextBuilder) TurnMessage(ctx context.Context, threadID string) (*ChatMessage, error) {
	var parts []string
	var images []ImageData

	bs, err := b.store.LatestMessage(ctx, threadID, KindBrowserState)
	switch {
	case err == nil:
		var state map[string]json.RawMessage
		if err := json.Unmarshal(bs.Content, &state); err != nil {
			b.logger.Warn("browser state payload unreadable", "id", bs.ID, "error", err)
			break
		}
		screenshotURL := popString(state, "screenshot_url")
		screenshotB64 := popString(state, "screenshot_base64")
		rest, _ := json.Marshal(state)
		parts = append(parts, "The following is the current state of the browser:\n"+string(rest))
		switch {
		case screenshotURL != "":
			images = append(images, ImageData{URL: screenshotURL})
		case screenshotB64 != "":
			images = append(images, ImageData{MimeType: "image/jpeg", Base64: screenshotB64})
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	ic, err := b.store.LatestMessage(ctx, threadID, KindImageContext)
	switch {
	case err == nil:
		var img ImageContext
		if err := json.Unmarshal(ic.Content, &img); err != nil {
			b.logger.Warn("image context payload unreadable", "id", ic.ID, "error", err)
		} else {
			parts = append(parts, fmt.Sprintf("Here is the image you requested to see: '%s'", img.FilePath))
			images = append(images, ImageData{MimeType: img.MimeType, Base64: img.Base64})
		}
		if err := b.store.DeleteMessage(ctx, ic.ID); err != nil {
			b.logger.Warn("failed to delete consumed image context", "id", ic.ID, "error", err)
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if len(parts) == 0 && len(images) == 0 {
		return nil, nil
	}
	return &ChatMessage{Role: "user", Content: strings.Join(parts, "\n\n"), Images: images}, nil
}

func popString(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func expandHint(messageID string) string {
	return fmt.Sprintf("\n... (output truncated; call expand_message with message_id \"%s\" to read the full text)", messageID)
}

// Truncate shortens s to at most n runes. The byte-length fast path avoids
// the []rune allocation for short or ASCII strings. Callers append their
// own truncation markers.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
