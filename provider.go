package strand

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Complete sends a request and returns a channel of stream chunks.
	// The channel is closed when the response ends. Mid-stream failures
	// surface as a status chunk with Metadata[MetaStatus] == StatusError;
	// the returned error covers request construction and connection
	// failures only.
	Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}
