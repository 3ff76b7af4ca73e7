package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	strand "github.com/strandhq/strand"
)

// partialToolCall accumulates one tool call across streamed deltas.
// The server fragments arguments over many chunks, keyed by index.
type partialToolCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// StreamChunks reads a server-sent event stream from body and forwards
// it on out as chunks: one text delta per content fragment, then a
// single status chunk carrying the finish reason, any assembled tool
// calls, and token usage. A read error mid-stream is reported as an
// error status chunk. Returns when the stream ends or ctx is done.
func StreamChunks(ctx context.Context, body io.Reader, out chan<- strand.Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var (
		toolCalls    []*partialToolCall
		finishReason string
		usage        *Usage
	)

	send := func(c strand.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped rather than aborting the
			// stream; some proxies interleave keep-alive junk.
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only chunk
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			ok := send(strand.Chunk{
				Type:    strand.ChunkTextDelta,
				Content: choice.Delta.Content,
			})
			if !ok {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			for len(toolCalls) <= tc.Index {
				toolCalls = append(toolCalls, &partialToolCall{})
			}
			cur := toolCalls[tc.Index]
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(strand.Chunk{
			Type: strand.ChunkStatus,
			Metadata: map[string]string{
				strand.MetaStatus:  strand.StatusError,
				strand.MetaMessage: fmt.Sprintf("read stream: %v", err),
			},
		})
		return
	}

	meta := map[string]string{strand.MetaStatus: strand.StatusFinish}
	if len(toolCalls) > 0 {
		if encoded := assembleToolCalls(toolCalls); encoded != "" {
			meta[strand.MetaToolCalls] = encoded
		}
		if finishReason == "" {
			finishReason = strand.FinishToolCalls
		}
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	meta[strand.MetaFinishReason] = finishReason
	if usage != nil {
		meta[strand.MetaInputTokens] = strconv.Itoa(usage.PromptTokens)
		meta[strand.MetaOutputTokens] = strconv.Itoa(usage.CompletionTokens)
	}
	send(strand.Chunk{Type: strand.ChunkStatus, Metadata: meta})
}

// assembleToolCalls finalizes accumulated fragments into the JSON the
// status chunk carries. Calls whose arguments never became valid JSON
// get empty-object arguments so downstream decoding cannot fail.
func assembleToolCalls(partials []*partialToolCall) string {
	calls := make([]strand.NativeToolCall, 0, len(partials))
	for _, p := range partials {
		args := json.RawMessage(p.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		calls = append(calls, strand.NativeToolCall{ID: p.ID, Name: p.Name, Args: args})
	}
	encoded, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(encoded)
}
