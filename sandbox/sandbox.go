// Package sandbox provisions and drives per-project execution sandboxes.
//
// Two backends implement Provider: Docker runs the agent image on a local
// Docker Engine; Daytona provisions it through the managed Daytona API.
// Both expose the same surface to tools: a /workspace directory, a shell,
// and preview URLs for the noVNC (6080) and web (8080) ports.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	strand "github.com/strandhq/strand"
)

// WorkspaceDir is the working directory inside every sandbox. Tool paths
// are resolved against it with CleanPath.
const WorkspaceDir = "/workspace"

// DefaultImage is the browser-automation sandbox image both backends run.
const DefaultImage = "strandhq/sandbox:latest"

// Container ports every sandbox image exposes.
const (
	PortVNC = 6080 // noVNC web client
	PortWeb = 8080 // user-facing web server / workspace browser
)

// The sandbox image expects supervisord to be launched once per container
// start; it brings up Chrome, the VNC stack, and the automation API.
const (
	supervisordSession = "supervisord-session"
	supervisordCommand = "exec /usr/bin/supervisord -n -c /etc/supervisor/conf.d/supervisord.conf"
)

var (
	// ErrUnavailable means the backend itself cannot be reached (daemon
	// down, API unreachable, client init failed).
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrNotFound means the project has no sandbox, or its recorded
	// sandbox no longer exists on the backend.
	ErrNotFound = errors.New("sandbox not found")

	// ErrUpload means file content could not be placed into the sandbox.
	ErrUpload = errors.New("sandbox upload failed")
)

// ExecResult is the outcome of a command the sandbox ran to completion.
// A non-zero ExitCode is a normal result, not an error: tools usually
// relay it to the model rather than abort.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Err converts a non-zero exit into an *ExecError. Zero exit returns nil.
func (r ExecResult) Err() error {
	if r.ExitCode == 0 {
		return nil
	}
	return &ExecError{ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// ExecError reports a command that ran but exited non-zero.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, msg)
}

// Entry is one row of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Handle is an attached, running sandbox. Implementations are safe for
// concurrent use by multiple tools within a run.
type Handle interface {
	// ID is the backend identifier (container ID or Daytona sandbox ID).
	ID() string

	// Exec runs cmd through `sh -c` in workdir (WorkspaceDir when empty)
	// and returns stdout, stderr, and the exit code. A non-zero exit is
	// reported in the result, not as an error. timeout <= 0 means no
	// per-command limit beyond ctx.
	Exec(ctx context.Context, cmd, workdir string, timeout time.Duration) (ExecResult, error)

	// Upload writes data to an absolute path, creating parent directories.
	Upload(ctx context.Context, path string, data []byte) error

	// Read returns the content of the file at an absolute path.
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the entries of the directory at an absolute path.
	List(ctx context.Context, path string) ([]Entry, error)

	// Mkdir creates the directory and any missing parents (mode 0755).
	Mkdir(ctx context.Context, path string) error

	// Chmod sets an octal permission string such as "644" on path.
	Chmod(ctx context.Context, path, mode string) error

	// Exists reports whether path names an existing file or directory.
	Exists(ctx context.Context, path string) (bool, error)

	// PreviewLink returns a browser-reachable URL for a container port.
	PreviewLink(ctx context.Context, port int) (string, error)
}

// Provider provisions sandboxes and binds them to projects through the
// store's project descriptor. A project has at most one sandbox.
type Provider interface {
	// Ensure returns the project's sandbox, starting it first if the
	// backend reports it stopped. ErrNotFound when the project has no
	// descriptor or the recorded sandbox is gone.
	Ensure(ctx context.Context, projectID string) (Handle, error)

	// Create provisions a fresh sandbox for the project and records its
	// descriptor. password protects the VNC session; empty means generate
	// one. image overrides DefaultImage when non-empty.
	Create(ctx context.Context, projectID, password, image string) (Handle, error)

	// Remove tears the project's sandbox down and clears the descriptor.
	// Removing a project without a sandbox is a no-op.
	Remove(ctx context.Context, projectID string) error
}

// CleanPath resolves a model-supplied path to an absolute path under the
// workspace. Leading slashes and a "workspace/" prefix are tolerated, and
// ".." segments cannot escape the workspace root.
func CleanPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimLeft(p, "/")
	if p == "workspace" {
		p = ""
	} else if strings.HasPrefix(p, "workspace/") {
		p = p[len("workspace/"):]
	}
	return path.Join(WorkspaceDir, path.Clean("/"+p))
}

// ShellQuote wraps s in single quotes for safe interpolation into an
// sh -c command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// NewVNCPassword generates a password for a fresh sandbox's VNC session.
func NewVNCPassword() string {
	return uuid.NewString()
}

// runtimeEnv is the environment every sandbox container starts with. The
// image's supervisord config reads these to size the virtual display and
// lock the VNC session.
func runtimeEnv(vncPassword string) map[string]string {
	return map[string]string{
		"VNC_PASSWORD":              vncPassword,
		"RESOLUTION":                "1024x768x24",
		"RESOLUTION_WIDTH":          "1024",
		"RESOLUTION_HEIGHT":         "768",
		"CHROME_PERSISTENT_SESSION": "true",
		"CHROME_DEBUGGING_PORT":     "9222",
		"ANONYMIZED_TELEMETRY":      "false",
	}
}

// loadDescriptor fetches the project's sandbox descriptor, enforcing that
// it belongs to the given backend kind.
func loadDescriptor(ctx context.Context, st strand.Store, projectID string, kind strand.SandboxKind) (*strand.SandboxDescriptor, error) {
	proj, err := st.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	if proj.Sandbox == nil || proj.Sandbox.ID == "" {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if proj.Sandbox.Kind != kind {
		return nil, fmt.Errorf("project %s sandbox is %s, provider is %s: %w",
			projectID, proj.Sandbox.Kind, kind, ErrNotFound)
	}
	return proj.Sandbox, nil
}
