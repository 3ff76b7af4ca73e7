// Package strand is the core of an autonomous AI agent runtime in Go.
//
// It drives an LLM through iterative reasoning turns, parses tool
// invocations out of the streamed response, executes them against a
// registry of tools (most acting inside an isolated per-project sandbox),
// and streams typed events back to the caller.
//
// # Quick Start
//
// Wire a driver from a store, a billing gate, and a provider:
//
//	store, _ := sqlite.New("strand.db")
//	provider := openaicompat.New(apiKey, "https://api.example.com/v1", model)
//	threads := strand.NewThreadManager(store, provider)
//	driver := strand.NewDriver(store, strand.AllowAll{}, threads)
//
//	reg := strand.NewRegistry()
//	reg.Register(
//		shell.New(projectID, sandboxes),
//		files.New(projectID, sandboxes),
//		message.New(),
//	)
//
//	events, err := driver.Run(ctx, strand.RunRequest{
//		ThreadID:  threadID,
//		ProjectID: projectID,
//		Registry:  reg,
//		Stream:    true,
//	})
//	for ev := range events {
//		// forward over SSE, log, etc.
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend streaming [Chunk] values
//   - [Store] — thread, message, and project persistence
//   - [Billing] — per-account run admission
//   - [Tool] — pluggable capability with structured and XML schemas
//   - [Tracer] — optional span instrumentation
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/postgres (shared).
// Sandboxes: sandbox (Docker daemon, Daytona managed).
// Tools: tools/shell, tools/files, tools/browser, tools/vision,
// tools/document, tools/web, tools/expose, tools/message, tools/expand,
// plus mcp for pass-through MCP servers.
//
// See cmd/strand for the HTTP server that ties everything together.
package strand
