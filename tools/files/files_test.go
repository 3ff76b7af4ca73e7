package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/strandhq/strand/sandbox"
)

type fakeHandle struct {
	files map[string][]byte

	lastChmodPath string
	lastChmodMode string
	lastExecCmd   string
	readErr       error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{files: make(map[string][]byte)}
}

func (f *fakeHandle) ID() string { return "fake-1" }

func (f *fakeHandle) Exec(_ context.Context, cmd, _ string, _ time.Duration) (sandbox.ExecResult, error) {
	f.lastExecCmd = cmd
	return sandbox.ExecResult{}, nil
}

func (f *fakeHandle) Upload(_ context.Context, path string, data []byte) error {
	f.files[path] = data
	return nil
}

func (f *fakeHandle) Read(_ context.Context, path string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrNotFound)
	}
	return data, nil
}

func (f *fakeHandle) List(context.Context, string) ([]sandbox.Entry, error) {
	return nil, nil
}
func (f *fakeHandle) Mkdir(context.Context, string) error { return nil }

func (f *fakeHandle) Chmod(_ context.Context, path, mode string) error {
	f.lastChmodPath, f.lastChmodMode = path, mode
	return nil
}

func (f *fakeHandle) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeHandle) PreviewLink(context.Context, int) (string, error) {
	return "", nil
}

type fakeProvider struct {
	handle    *fakeHandle
	ensureErr error
}

func (f *fakeProvider) Ensure(context.Context, string) (sandbox.Handle, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.handle, nil
}

func (f *fakeProvider) Create(context.Context, string, string, string) (sandbox.Handle, error) {
	return f.handle, nil
}

func (f *fakeProvider) Remove(context.Context, string) error { return nil }

func newTool(h *fakeHandle) *Tool {
	return New("proj-1", &fakeProvider{handle: h})
}

func TestCreateFile(t *testing.T) {
	h := newFakeHandle()
	res, err := newTool(h).Execute(context.Background(), "create_file", map[string]string{
		"file_path":     "src/main.py",
		"file_contents": "print('hi')\n",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Output)
	}
	if got := string(h.files["/workspace/src/main.py"]); got != "print('hi')\n" {
		t.Errorf("expected uploaded content, got %q", got)
	}
	if h.lastChmodPath != "/workspace/src/main.py" || h.lastChmodMode != "644" {
		t.Errorf("expected chmod 644 on the file, got %s %s", h.lastChmodMode, h.lastChmodPath)
	}
	if !strings.Contains(res.Output, "src/main.py created") {
		t.Errorf("unexpected output %q", res.Output)
	}
}

func TestCreateFile_AlreadyExists(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/src/main.py"] = []byte("old")
	res, _ := newTool(h).Execute(context.Background(), "create_file", map[string]string{
		"file_path":     "src/main.py",
		"file_contents": "new",
	})
	if res.Success || !strings.Contains(res.Output, "already exists") {
		t.Errorf("expected already exists failure, got %q", res.Output)
	}
	if got := string(h.files["/workspace/src/main.py"]); got != "old" {
		t.Errorf("file was overwritten: %q", got)
	}
}

func TestCreateFile_CustomPermissions(t *testing.T) {
	h := newFakeHandle()
	_, _ = newTool(h).Execute(context.Background(), "create_file", map[string]string{
		"file_path":     "run.sh",
		"file_contents": "#!/bin/sh\n",
		"permissions":   "755",
	})
	if h.lastChmodMode != "755" {
		t.Errorf("expected chmod 755, got %s", h.lastChmodMode)
	}
}

func TestFullFileRewrite(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/notes.md"] = []byte("v1")
	res, _ := newTool(h).Execute(context.Background(), "full_file_rewrite", map[string]string{
		"file_path":     "notes.md",
		"file_contents": "v2",
	})
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Output)
	}
	if got := string(h.files["/workspace/notes.md"]); got != "v2" {
		t.Errorf("expected rewritten content, got %q", got)
	}
}

func TestFullFileRewrite_MissingFile(t *testing.T) {
	res, _ := newTool(newFakeHandle()).Execute(context.Background(), "full_file_rewrite", map[string]string{
		"file_path":     "notes.md",
		"file_contents": "v2",
	})
	if res.Success || !strings.Contains(res.Output, "does not exist") {
		t.Errorf("expected missing file failure, got %q", res.Output)
	}
}

func TestStrReplace(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/main.go"] = []byte("a := 1\nb := 2\n")
	res, _ := newTool(h).Execute(context.Background(), "str_replace", map[string]string{
		"file_path": "main.go",
		"old_str":   "b := 2",
		"new_str":   "b := 3",
	})
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Output)
	}
	if got := string(h.files["/workspace/main.go"]); got != "a := 1\nb := 3\n" {
		t.Errorf("expected replaced content, got %q", got)
	}
}

func TestStrReplace_NotFound(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/main.go"] = []byte("a := 1\n")
	res, _ := newTool(h).Execute(context.Background(), "str_replace", map[string]string{
		"file_path": "main.go",
		"old_str":   "z := 9",
		"new_str":   "z := 8",
	})
	if res.Success || !strings.Contains(res.Output, "string not found") {
		t.Errorf("expected not found failure, got %q", res.Output)
	}
}

func TestStrReplace_Ambiguous(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/main.go"] = []byte("x\nx\n")
	res, _ := newTool(h).Execute(context.Background(), "str_replace", map[string]string{
		"file_path": "main.go",
		"old_str":   "x",
		"new_str":   "y",
	})
	if res.Success || !strings.Contains(res.Output, "appears 2 times") {
		t.Errorf("expected ambiguity failure with count, got %q", res.Output)
	}
	if got := string(h.files["/workspace/main.go"]); got != "x\nx\n" {
		t.Errorf("file was modified: %q", got)
	}
}

func TestStrReplace_MissingFile(t *testing.T) {
	res, _ := newTool(newFakeHandle()).Execute(context.Background(), "str_replace", map[string]string{
		"file_path": "gone.txt",
		"old_str":   "a",
		"new_str":   "b",
	})
	if res.Success || !strings.Contains(res.Output, "does not exist") {
		t.Errorf("expected missing file failure, got %q", res.Output)
	}
}

func TestDeleteFile(t *testing.T) {
	h := newFakeHandle()
	h.files["/workspace/old.txt"] = []byte("bye")
	res, _ := newTool(h).Execute(context.Background(), "delete_file", map[string]string{
		"file_path": "old.txt",
	})
	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Output)
	}
	if h.lastExecCmd != "rm -f '/workspace/old.txt'" {
		t.Errorf("expected quoted rm command, got %q", h.lastExecCmd)
	}
}

func TestDeleteFile_Missing(t *testing.T) {
	res, _ := newTool(newFakeHandle()).Execute(context.Background(), "delete_file", map[string]string{
		"file_path": "gone.txt",
	})
	if res.Success || !strings.Contains(res.Output, "does not exist") {
		t.Errorf("expected missing file failure, got %q", res.Output)
	}
}

func TestExcludedPaths(t *testing.T) {
	cases := []string{
		"package-lock.json",
		"app/yarn.lock",
		"node_modules/left-pad/index.js",
		".git/config",
		"backup.zip",
		"bin/tool.exe",
	}
	for _, p := range cases {
		res, _ := newTool(newFakeHandle()).Execute(context.Background(), "create_file", map[string]string{
			"file_path":     p,
			"file_contents": "x",
		})
		if res.Success || !strings.Contains(res.Output, "cannot be edited") {
			t.Errorf("path %q: expected exclusion failure, got %q", p, res.Output)
		}
	}
}

func TestAllowedPathsNotExcluded(t *testing.T) {
	for _, p := range []string{"src/lock.go", "docs/README.md", "gitignore.txt"} {
		if shouldExclude(p) {
			t.Errorf("path %q should not be excluded", p)
		}
	}
}

func TestMissingFilePath(t *testing.T) {
	res, _ := newTool(newFakeHandle()).Execute(context.Background(), "create_file", map[string]string{
		"file_contents": "x",
	})
	if res.Success || res.Output != "file_path is required" {
		t.Errorf("expected file_path is required, got %q", res.Output)
	}
}

func TestSandboxUnavailable(t *testing.T) {
	tool := New("proj-1", &fakeProvider{ensureErr: errors.New("api down")})
	res, _ := tool.Execute(context.Background(), "create_file", map[string]string{
		"file_path":     "a.txt",
		"file_contents": "x",
	})
	if res.Success || !strings.Contains(res.Output, "sandbox unavailable") {
		t.Errorf("expected sandbox unavailable, got %q", res.Output)
	}
}

func TestOperations_Coverage(t *testing.T) {
	ops := New("p", nil).Operations()
	want := map[string]bool{
		"create_file": false, "full_file_rewrite": false,
		"str_replace": false, "delete_file": false,
	}
	for _, op := range ops {
		if _, ok := want[op.Name]; !ok {
			t.Errorf("unexpected operation %s", op.Name)
			continue
		}
		want[op.Name] = true
		if op.XML == nil || op.Structured == nil {
			t.Errorf("operation %s missing a schema", op.Name)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("operation %s not registered", name)
		}
	}
}
