package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/sandbox"
)

// --- Test doubles ---

// memStore is a thread-safe in-memory Store.
type memStore struct {
	mu       sync.Mutex
	threads  map[string]strand.Thread
	messages []strand.Message
	projects map[string]strand.Project
}

func newMemStore() *memStore {
	return &memStore{
		threads:  make(map[string]strand.Thread),
		projects: make(map[string]strand.Project),
	}
}

func (s *memStore) CreateThread(_ context.Context, t strand.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t
	return nil
}

func (s *memStore) Thread(_ context.Context, id string) (strand.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return strand.Thread{}, strand.ErrNotFound
	}
	return t, nil
}

func (s *memStore) AddMessage(_ context.Context, m strand.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) Message(_ context.Context, id string) (strand.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return strand.Message{}, strand.ErrNotFound
}

func (s *memStore) Messages(_ context.Context, threadID string, visibleOnly bool) ([]strand.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []strand.Message
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if visibleOnly && !m.IsLLMVisible {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) LatestMessage(_ context.Context, threadID string, kinds ...strand.MessageKind) (strand.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.ThreadID != threadID {
			continue
		}
		if len(kinds) == 0 {
			return m, nil
		}
		for _, k := range kinds {
			if m.Kind == k {
				return m, nil
			}
		}
	}
	return strand.Message{}, strand.ErrNotFound
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return nil
		}
	}
	return strand.ErrNotFound
}

func (s *memStore) CreateProject(_ context.Context, p strand.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) Project(_ context.Context, id string) (strand.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return strand.Project{}, strand.ErrNotFound
	}
	return p, nil
}

func (s *memStore) SetProjectSandbox(_ context.Context, projectID string, desc *strand.SandboxDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return strand.ErrNotFound
	}
	p.Sandbox = desc
	s.projects[projectID] = p
	return nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// scriptProvider streams canned chunk sequences, one script per Complete
// call.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]strand.Chunk
	calls   int
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Complete(_ context.Context, _ strand.CompletionRequest) (<-chan strand.Chunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	script := []strand.Chunk{textChunk("exhausted"), finishChunk()}
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	ch := make(chan strand.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textChunk(s string) strand.Chunk {
	return strand.Chunk{Type: strand.ChunkTextDelta, Content: s}
}

func finishChunk() strand.Chunk {
	return strand.Chunk{Type: strand.ChunkStatus, Metadata: map[string]string{
		strand.MetaStatus:       strand.StatusFinish,
		strand.MetaFinishReason: "stop",
	}}
}

// stubSandboxes satisfies sandbox.Provider without a backend.
type stubSandboxes struct{}

func (stubSandboxes) Ensure(context.Context, string) (sandbox.Handle, error) {
	return nil, sandbox.ErrUnavailable
}

func (stubSandboxes) Create(context.Context, string, string, string) (sandbox.Handle, error) {
	return nil, sandbox.ErrUnavailable
}

func (stubSandboxes) Remove(context.Context, string) error { return nil }

// listHandle serves a canned directory listing and records the path asked
// for. The rest of the handle surface is inert.
type listHandle struct {
	entries  []sandbox.Entry
	lastPath string
}

func (h *listHandle) ID() string { return "sb-1" }

func (h *listHandle) Exec(context.Context, string, string, time.Duration) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{}, nil
}
func (h *listHandle) Upload(context.Context, string, []byte) error { return nil }
func (h *listHandle) Read(context.Context, string) ([]byte, error) { return nil, nil }

func (h *listHandle) List(_ context.Context, path string) ([]sandbox.Entry, error) {
	h.lastPath = path
	return h.entries, nil
}

func (h *listHandle) Mkdir(context.Context, string) error         { return nil }
func (h *listHandle) Chmod(context.Context, string, string) error { return nil }
func (h *listHandle) Exists(context.Context, string) (bool, error) {
	return false, nil
}
func (h *listHandle) PreviewLink(context.Context, int) (string, error) { return "", nil }

type listSandboxes struct {
	handle    *listHandle
	ensureErr error
}

func (p *listSandboxes) Ensure(context.Context, string) (sandbox.Handle, error) {
	if p.ensureErr != nil {
		return nil, p.ensureErr
	}
	return p.handle, nil
}

func (p *listSandboxes) Create(context.Context, string, string, string) (sandbox.Handle, error) {
	return p.handle, nil
}

func (p *listSandboxes) Remove(context.Context, string) error { return nil }

// --- Harness ---

func newTestApp(t *testing.T, deps Deps) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ScreenshotDir = filepath.Join(t.TempDir(), "shots")
	if deps.Store == nil {
		deps.Store = newMemStore()
	}
	if deps.Provider == nil {
		deps.Provider = &scriptProvider{}
	}
	a := New(cfg, deps)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// seedThread creates a project and thread through the API and returns the
// thread ID.
func seedThread(t *testing.T, base string) string {
	t.Helper()
	resp := postJSON(t, base+"/api/projects", map[string]string{"name": "demo", "account_id": "acct-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating project, got %d", resp.StatusCode)
	}
	var p strand.Project
	decodeJSON(t, resp, &p)

	resp = postJSON(t, base+"/api/threads", map[string]string{"project_id": p.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating thread, got %d", resp.StatusCode)
	}
	var th strand.Thread
	decodeJSON(t, resp, &th)
	if th.AccountID != "acct-1" {
		t.Errorf("expected thread to inherit account acct-1, got %q", th.AccountID)
	}
	return th.ID
}

// --- Tests ---

func TestHealth(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestCreateAndGetProject(t *testing.T) {
	_, srv := newTestApp(t, Deps{})

	resp := postJSON(t, srv.URL+"/api/projects", map[string]string{"name": "demo", "account_id": "acct-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var p strand.Project
	decodeJSON(t, resp, &p)
	if p.ID == "" {
		t.Fatal("expected a generated project ID")
	}
	if p.Name != "demo" || p.AccountID != "acct-1" {
		t.Errorf("unexpected project %+v", p)
	}

	resp, err := http.Get(srv.URL + "/api/projects/" + p.ID)
	if err != nil {
		t.Fatalf("GET project: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got strand.Project
	decodeJSON(t, resp, &got)
	if got.ID != p.ID {
		t.Errorf("expected project %s, got %s", p.ID, got.ID)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	resp, err := http.Get(srv.URL + "/api/projects/nope")
	if err != nil {
		t.Fatalf("GET project: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateThreadUnknownProject(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	resp := postJSON(t, srv.URL+"/api/threads", map[string]string{"project_id": "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAddAndListMessages(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	threadID := seedThread(t, srv.URL)

	resp := postJSON(t, srv.URL+"/api/threads/"+threadID+"/messages", map[string]string{"content": "hi there"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var m strand.Message
	decodeJSON(t, resp, &m)
	if m.Kind != strand.KindUser {
		t.Errorf("expected kind user, got %q", m.Kind)
	}

	resp, err := http.Get(srv.URL + "/api/threads/" + threadID + "/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	var msgs []strand.Message
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	tc, err := msgs[0].Text()
	if err != nil {
		t.Fatalf("text payload: %v", err)
	}
	if tc.Content != "hi there" {
		t.Errorf("expected content %q, got %q", "hi there", tc.Content)
	}
}

func TestAddMessageRequiresContent(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	threadID := seedThread(t, srv.URL)
	resp := postJSON(t, srv.URL+"/api/threads/"+threadID+"/messages", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAgentRunStreamsSSE(t *testing.T) {
	provider := &scriptProvider{scripts: [][]strand.Chunk{
		{textChunk("All "), textChunk("done."), finishChunk()},
	}}
	_, srv := newTestApp(t, Deps{Provider: provider})
	threadID := seedThread(t, srv.URL)

	resp := postJSON(t, srv.URL+"/api/threads/"+threadID+"/messages", map[string]string{"content": "say done"})
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/threads/"+threadID+"/agent/run", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		"event: thought",
		"All ",
		"event: status",
		strand.RunStatusCompleted,
		"event: done",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected stream to contain %q, got:\n%s", want, body)
		}
	}
}

func TestAgentRunUnknownThread(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	resp := postJSON(t, srv.URL+"/api/threads/nope/agent/run", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAgentRunPersistsAssistantMessage(t *testing.T) {
	store := newMemStore()
	provider := &scriptProvider{scripts: [][]strand.Chunk{
		{textChunk("answer"), finishChunk()},
	}}
	_, srv := newTestApp(t, Deps{Store: store, Provider: provider})
	threadID := seedThread(t, srv.URL)

	resp := postJSON(t, srv.URL+"/api/threads/"+threadID+"/messages", map[string]string{"content": "q"})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/api/threads/"+threadID+"/agent/run", map[string]any{})
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	latest, err := store.LatestMessage(context.Background(), threadID, strand.KindAssistant)
	if err != nil {
		t.Fatalf("expected a persisted assistant message: %v", err)
	}
	tc, err := latest.Text()
	if err != nil {
		t.Fatalf("text payload: %v", err)
	}
	if tc.Content != "answer" {
		t.Errorf("expected assistant content %q, got %q", "answer", tc.Content)
	}
}

func TestRegistryForToolsets(t *testing.T) {
	a, _ := newTestApp(t, Deps{})

	// Without a sandbox provider only message, expand, and web tools
	// register.
	reg := a.registryFor("p1", "t1")
	if _, ok := reg.Resolve("ask"); !ok {
		t.Error("expected ask to be registered")
	}
	if _, ok := reg.Resolve("web_search"); !ok {
		t.Error("expected web_search to be registered")
	}
	if _, ok := reg.Resolve("execute_command"); ok {
		t.Error("expected execute_command to be absent without a sandbox provider")
	}

	b, _ := newTestApp(t, Deps{Sandboxes: stubSandboxes{}})
	reg = b.registryFor("p1", "t1")
	for _, name := range []string{"execute_command", "create_file", "browser_navigate_to", "see_image", "generate_document", "expose_port"} {
		if _, ok := reg.Resolve(name); !ok {
			t.Errorf("expected %s to be registered with a sandbox provider", name)
		}
	}
}

func TestCreateSandboxWithoutProvider(t *testing.T) {
	_, srv := newTestApp(t, Deps{})
	resp := postJSON(t, srv.URL+"/api/projects/any/sandbox", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestListWorkspaceFiles(t *testing.T) {
	h := &listHandle{entries: []sandbox.Entry{
		{Name: "main.py", Path: "/workspace/src/main.py", Size: 42},
	}}
	_, srv := newTestApp(t, Deps{Sandboxes: &listSandboxes{handle: h}})

	resp, err := http.Get(srv.URL + "/api/projects/p1/files?path=src")
	if err != nil {
		t.Fatalf("GET files: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entries []sandbox.Entry
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].Name != "main.py" {
		t.Fatalf("unexpected listing %+v", entries)
	}
	if h.lastPath != "/workspace/src" {
		t.Errorf("expected listing of /workspace/src, got %q", h.lastPath)
	}
}

func TestListWorkspaceFilesNoSandbox(t *testing.T) {
	_, srv := newTestApp(t, Deps{Sandboxes: &listSandboxes{ensureErr: sandbox.ErrNotFound}})
	resp, err := http.Get(srv.URL + "/api/projects/p1/files")
	if err != nil {
		t.Fatalf("GET files: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestScreenshotSaveAndServe(t *testing.T) {
	a, srv := newTestApp(t, Deps{})

	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	url, err := a.shots.SaveScreenshot(context.Background(), "thread-1", png)
	if err != nil {
		t.Fatalf("save screenshot: %v", err)
	}
	if !strings.HasPrefix(url, "/api/screenshots/thread-1/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected screenshot URL %q", url)
	}

	resp, err := http.Get(srv.URL + url)
	if err != nil {
		t.Fatalf("GET screenshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, png) {
		t.Error("served screenshot does not match saved bytes")
	}
}

func TestScreenshotRejectsTraversal(t *testing.T) {
	a, _ := newTestApp(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/api/screenshots/x/x", nil)
	req.SetPathValue("thread", "..")
	req.SetPathValue("name", "secret.txt")
	rec := httptest.NewRecorder()
	a.shots.serve(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDecodeBodyEmptyIsFine(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var v struct{ X string }
	if err := decodeBody(req, &v); err != nil {
		t.Errorf("expected empty body to decode, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{bad"))
	if err := decodeBody(req, &v); err == nil {
		t.Error("expected malformed body to error")
	}
}
