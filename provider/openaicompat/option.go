package openaicompat

import (
	"log/slog"
	"net/http"
)

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithName overrides the name reported by Name (default "openaicompat").
// Useful when several endpoints share the wire format and logs need to
// tell them apart.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default HTTP client, e.g. to set a proxy
// or a different timeout.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger enables debug logging of request lifecycle events.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithOptions appends request options applied to every completion this
// provider sends, after the per-request fields are mapped. They act as
// endpoint-level overrides.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// Option adjusts a single chat request body.
type Option func(*ChatRequest)

// WithTemperature pins the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p.
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop adds stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed requests deterministic sampling where the server supports it.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithToolChoice controls tool selection: "none", "auto", "required",
// or a specific function object.
func WithToolChoice(choice any) Option {
	return func(r *ChatRequest) { r.ToolChoice = choice }
}
