// Package openaicompat implements the completion provider for any
// OpenAI-compatible chat API: OpenAI itself, OpenRouter, llama.cpp,
// vLLM, LM Studio, and most hosted gateways.
//
// Requests always stream. Text deltas are forwarded as they arrive;
// native tool calls are reassembled from their fragments and attached
// to the final status chunk together with the finish reason and token
// usage.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	strand "github.com/strandhq/strand"
)

// Provider is a streaming client for one OpenAI-compatible endpoint.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	name    string
	client  *http.Client
	opts    []Option
	logger  *slog.Logger
}

var _ strand.Provider = (*Provider)(nil)

// New returns a provider for the API rooted at baseURL (for example
// "https://api.openai.com/v1"). model is the default model; a request
// may override it. apiKey may be empty for unauthenticated local
// servers.
func New(apiKey, baseURL, model string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		name:    "openaicompat",
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name reports the provider name used in logs and traces.
func (p *Provider) Name() string { return p.name }

// Complete sends req with streaming enabled and returns a channel of
// chunks. The returned error covers request construction and the HTTP
// exchange up to the response headers; failures after that surface as
// an error status chunk on the channel. Non-2xx responses are returned
// as *strand.ErrHTTP so callers can retry on 429 and 5xx.
func (p *Provider) Complete(ctx context.Context, req strand.CompletionRequest) (<-chan strand.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := BuildBody(req, model)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}
	for _, opt := range p.opts {
		opt(&body)
	}

	resp, err := p.send(ctx, body)
	if err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger.Debug("completion stream open", "provider", p.name, "model", model, "messages", len(req.Messages))
	}

	out := make(chan strand.Chunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		StreamChunks(ctx, resp.Body, out)
	}()
	return out, nil
}

func (p *Provider) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &strand.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp, nil
}
