package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/observer"
	"github.com/strandhq/strand/sandbox"
	"github.com/strandhq/strand/tools/browser"
	"github.com/strandhq/strand/tools/document"
	"github.com/strandhq/strand/tools/expand"
	"github.com/strandhq/strand/tools/expose"
	"github.com/strandhq/strand/tools/files"
	"github.com/strandhq/strand/tools/message"
	"github.com/strandhq/strand/tools/shell"
	"github.com/strandhq/strand/tools/vision"
	"github.com/strandhq/strand/tools/web"
)

// Handler builds the API routes.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("POST /api/projects", a.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}", a.handleGetProject)
	mux.HandleFunc("POST /api/projects/{id}/sandbox", a.handleCreateSandbox)
	mux.HandleFunc("DELETE /api/projects/{id}/sandbox", a.handleRemoveSandbox)
	mux.HandleFunc("GET /api/projects/{id}/files", a.handleListFiles)

	mux.HandleFunc("POST /api/threads", a.handleCreateThread)
	mux.HandleFunc("GET /api/threads/{id}/messages", a.handleListMessages)
	mux.HandleFunc("POST /api/threads/{id}/messages", a.handleAddMessage)
	mux.HandleFunc("POST /api/threads/{id}/agent/run", a.handleAgentRun)

	if a.shots != nil {
		mux.HandleFunc("GET /api/screenshots/{thread}/{name}", a.shots.serve)
	}
	return mux
}

// registryFor assembles the toolset for one run. Sandbox-backed tools
// bind to the thread's project; message and expand work everywhere.
func (a *App) registryFor(projectID, threadID string) *strand.Registry {
	ts := []strand.Tool{
		message.New(),
		expand.New(a.store),
		web.New(a.cfg.Search.APIKey),
	}
	if a.sandboxes != nil {
		var shots browser.ScreenshotStore
		if a.shots != nil {
			shots = a.shots
		}
		ts = append(ts,
			shell.New(projectID, a.sandboxes),
			files.New(projectID, a.sandboxes),
			browser.New(projectID, threadID, a.sandboxes, a.store, shots),
			vision.New(projectID, threadID, a.sandboxes, a.store),
			document.New(projectID, a.sandboxes),
			expose.New(projectID, a.sandboxes),
		)
	}
	for i, t := range ts {
		ts[i] = a.observed(t)
	}
	reg := strand.NewRegistry(strand.RegistryLogger(a.logger))
	reg.Register(ts...)
	reg.Register(a.mcpTools...)
	return reg
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		AccountID string `json:"account_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p := strand.Project{
		ID:        strand.NewID(),
		AccountID: body.AccountID,
		Name:      body.Name,
		CreatedAt: strand.NowUnix(),
	}
	if err := a.store.CreateProject(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.Project(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	if a.sandboxes == nil {
		writeError(w, http.StatusServiceUnavailable, "no sandbox provider configured")
		return
	}
	var body struct {
		Password string `json:"password"`
		Image    string `json:"image"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	projectID := r.PathValue("id")
	if _, err := a.sandboxes.Create(r.Context(), projectID, body.Password, body.Image); err != nil {
		if errors.Is(err, strand.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		a.logger.Error("sandbox create failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	// The provider records the descriptor; read it back for the response.
	p, err := a.store.Project(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Sandbox)
}

func (a *App) handleRemoveSandbox(w http.ResponseWriter, r *http.Request) {
	if a.sandboxes == nil {
		writeError(w, http.StatusServiceUnavailable, "no sandbox provider configured")
		return
	}
	projectID := r.PathValue("id")
	if err := a.sandboxes.Remove(r.Context(), projectID); err != nil {
		if errors.Is(err, strand.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		a.logger.Error("sandbox remove failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListFiles lists one directory of the project's sandbox workspace.
// The path query is resolved under /workspace; empty lists the root.
func (a *App) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if a.sandboxes == nil {
		writeError(w, http.StatusServiceUnavailable, "no sandbox provider configured")
		return
	}
	projectID := r.PathValue("id")
	h, err := a.sandboxes.Ensure(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, strand.ErrNotFound) || errors.Is(err, sandbox.ErrNotFound) {
			writeError(w, http.StatusNotFound, "sandbox not found")
			return
		}
		a.logger.Error("sandbox ensure failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	entries, err := h.List(r.Context(), sandbox.CleanPath(r.URL.Query().Get("path")))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if entries == nil {
		entries = []sandbox.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	p, err := a.store.Project(r.Context(), body.ProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	t := strand.Thread{
		ID:        strand.NewID(),
		ProjectID: p.ID,
		AccountID: p.AccountID,
		CreatedAt: strand.NowUnix(),
	}
	if err := a.store.CreateThread(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	if _, err := a.store.Thread(r.Context(), threadID); err != nil {
		writeStoreError(w, err)
		return
	}
	msgs, err := a.store.Messages(r.Context(), threadID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []strand.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *App) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	threadID := r.PathValue("id")
	if _, err := a.store.Thread(r.Context(), threadID); err != nil {
		writeStoreError(w, err)
		return
	}
	m := strand.NewUserMessage(threadID, body.Content)
	if err := a.store.AddMessage(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// runBody is the optional JSON body of POST /api/threads/{id}/agent/run.
// Zero values fall back to the server configuration.
type runBody struct {
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	AgentName    string  `json:"agent_name"`
	SystemPrompt string  `json:"system_prompt"`
	// NativeTools switches the run to the provider's own tool-call
	// protocol instead of in-text markup.
	NativeTools bool `json:"native_tools"`
	// Stream controls intermediate event delivery; defaults to on.
	Stream *bool `json:"stream"`
}

func (a *App) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	threadID := r.PathValue("id")
	thread, err := a.store.Thread(r.Context(), threadID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	stream := true
	if body.Stream != nil {
		stream = *body.Stream
	}
	var agent *strand.AgentConfig
	if body.AgentName != "" || body.SystemPrompt != "" {
		agent = &strand.AgentConfig{Name: body.AgentName, SystemPrompt: body.SystemPrompt}
	}

	proc := strand.DefaultProcessorConfig()
	proc.MaxToolCalls = a.cfg.Agent.MaxXMLToolCalls
	if body.NativeTools {
		proc.NativeToolCalling = true
		proc.XMLToolParsing = false
	}

	req := strand.RunRequest{
		ThreadID:         threadID,
		ProjectID:        thread.ProjectID,
		Model:            body.Model,
		Agent:            agent,
		Registry:         a.registryFor(thread.ProjectID, threadID),
		MCPCatalog:       a.mcpCatalog,
		Stream:           stream,
		Temperature:      body.Temperature,
		MaxTokens:        body.MaxTokens,
		Processor:        proc,
		MaxIterations:    a.cfg.Agent.MaxIterations,
		MaxAutoContinues: a.cfg.Agent.NativeMaxAutoContinues,
	}

	events, err := a.driver.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	serve := func(ctx context.Context) error {
		return strand.ServeSSE(ctx, w, events)
	}
	if a.obs != nil {
		err = observer.ObserveRun(r.Context(), a.obs, threadID, serve)
	} else {
		err = serve(r.Context())
	}
	// A cancelled context is the client hanging up, not a failure.
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("run stream ended", "thread_id", threadID, "error", err)
	}
}

// decodeBody parses an optional JSON request body. An empty body leaves
// the target zeroed.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON: %w", err)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, strand.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
