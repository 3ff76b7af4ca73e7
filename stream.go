package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// EventType identifies the kind of run event.
type EventType string

const (
	// EventThought carries an incremental text chunk of assistant output.
	EventThought EventType = "thought"
	// EventToolCall signals a tool invocation was parsed and accepted.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the outcome of a completed tool call.
	EventToolResult EventType = "tool_result"
	// EventFinalResponse carries the full assistant text of the turn the
	// agent chose to stop on (ask, complete, or takeover).
	EventFinalResponse EventType = "final_response"
	// EventError reports a failure that ended the run.
	EventError EventType = "error"
	// EventStatus reports run lifecycle transitions and warnings.
	EventStatus EventType = "status"
)

// Run lifecycle statuses carried by status events.
const (
	RunStatusCompleted = "completed"
	RunStatusStopped   = "stopped"
	RunStatusFailed    = "failed"
	RunStatusWarning   = "warning"
)

// Event is one typed record of an agent run, as delivered to API clients.
// Fields are populated per Type; unset fields are omitted on the wire.
type Event struct {
	Type       EventType         `json:"type"`
	Content    string            `json:"content,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolArgs   map[string]string `json:"tool_args,omitempty"`
	ToolOutput string            `json:"tool_output,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Status     string            `json:"status,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// --- Event constructors ---

func ThoughtEvent(content string) Event {
	return Event{Type: EventThought, Content: content}
}

func ToolCallEvent(name string, args map[string]string) Event {
	return Event{Type: EventToolCall, ToolName: name, ToolArgs: args}
}

func ToolResultEvent(res ToolResult) Event {
	return Event{
		Type:       EventToolResult,
		ToolName:   res.ToolName,
		ToolOutput: res.Output,
		IsError:    !res.Success,
	}
}

func FinalResponseEvent(content string) Event {
	return Event{Type: EventFinalResponse, Content: content}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

func StatusEvent(status, message string) Event {
	return Event{Type: EventStatus, Status: status, Message: message}
}

// --- SSE ---

// ServeSSE streams run events as Server-Sent Events over HTTP.
//
// It validates that w implements [http.Flusher], sets SSE headers, and
// writes each event as:
//
//	event: <event-type>
//	data: <json-encoded Event>
//
// When the channel closes it sends a final "done" record. Client
// disconnection propagates via ctx cancellation; callers typically pass
// r.Context() as ctx and derive the run's context from it so the run stops
// when the client goes away.
func ServeSSE(ctx context.Context, w http.ResponseWriter, events <-chan Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// WriteSSEEvent writes a single Server-Sent Event to w and flushes. Use it
// for one-off records outside a run stream (e.g. request validation
// failures on an SSE endpoint).
func WriteSSEEvent(w http.ResponseWriter, eventType string, data any) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
