package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	strand "github.com/strandhq/strand"
)

// Container labels that mark sandboxes we own.
const (
	labelManaged      = "managed_by"
	labelManagedValue = "agent_runtime"
	labelProject      = "project_id"
)

// Docker provisions sandboxes as containers on a local Docker Engine.
// The client connects lazily on first use; a failed connection is not
// cached, so a daemon that comes up later is picked up by the next call.
type Docker struct {
	store strand.Store
	image string

	mu  sync.Mutex
	cli *client.Client
}

// NewDocker returns a Docker provider recording descriptors in store.
// image is the default sandbox image; empty means DefaultImage.
func NewDocker(store strand.Store, image string) *Docker {
	if image == "" {
		image = DefaultImage
	}
	return &Docker{store: store, image: image}
}

func (d *Docker) client(ctx context.Context) (*client.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cli != nil {
		return d.cli, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.cli = cli
	return cli, nil
}

// Create starts a fresh sandbox container named agent-sandbox-<project>
// with the VNC and web ports published on random host ports, boots
// supervisord, and records the descriptor on the project.
func (d *Docker) Create(ctx context.Context, projectID, password, imageName string) (Handle, error) {
	cli, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	if password == "" {
		password = NewVNCPassword()
	}
	if imageName == "" {
		imageName = d.image
	}

	env := runtimeEnv(password)
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	vncPort := nat.Port(fmt.Sprintf("%d/tcp", PortVNC))
	webPort := nat.Port(fmt.Sprintf("%d/tcp", PortWeb))
	cfg := &container.Config{
		Image: imageName,
		Env:   envList,
		Labels: map[string]string{
			labelManaged: labelManagedValue,
			labelProject: projectID,
		},
		ExposedPorts: nat.PortSet{vncPort: struct{}{}, webPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			vncPort: []nat.PortBinding{{}},
			webPort: []nat.PortBinding{{}},
		},
	}

	name := "agent-sandbox-" + projectID
	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if err = pullImage(ctx, cli, imageName); err != nil {
			return nil, err
		}
		created, err = cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	if err := bootstrap(ctx, cli, created.ID); err != nil {
		return nil, err
	}

	vncURL, webURL, err := d.endpoints(ctx, cli, created.ID)
	if err != nil {
		return nil, err
	}
	desc := &strand.SandboxDescriptor{
		Kind:        strand.SandboxDocker,
		ID:          created.ID,
		VNCEndpoint: vncURL,
		WebEndpoint: webURL,
		VNCPassword: password,
	}
	if err := d.store.SetProjectSandbox(ctx, projectID, desc); err != nil {
		return nil, fmt.Errorf("record sandbox: %w", err)
	}
	return &dockerHandle{cli: cli, id: created.ID, vncURL: vncURL, webURL: webURL}, nil
}

// Ensure attaches to the project's container, starting it if stopped.
// Published host ports change across restarts, so the recorded endpoints
// are refreshed when they drift.
func (d *Docker) Ensure(ctx context.Context, projectID string) (Handle, error) {
	desc, err := loadDescriptor(ctx, d.store, projectID, strand.SandboxDocker)
	if err != nil {
		return nil, err
	}
	cli, err := d.client(ctx)
	if err != nil {
		return nil, err
	}

	info, err := cli.ContainerInspect(ctx, desc.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", desc.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		if err := cli.ContainerStart(ctx, desc.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("start container: %w", err)
		}
		if err := bootstrap(ctx, cli, desc.ID); err != nil {
			return nil, err
		}
	}

	vncURL, webURL, err := d.endpoints(ctx, cli, desc.ID)
	if err != nil {
		return nil, err
	}
	if vncURL != desc.VNCEndpoint || webURL != desc.WebEndpoint {
		updated := *desc
		updated.VNCEndpoint = vncURL
		updated.WebEndpoint = webURL
		if err := d.store.SetProjectSandbox(ctx, projectID, &updated); err != nil {
			return nil, fmt.Errorf("record sandbox: %w", err)
		}
	}
	return &dockerHandle{cli: cli, id: desc.ID, vncURL: vncURL, webURL: webURL}, nil
}

// Remove stops and deletes the project's container and clears the
// descriptor. A project without a sandbox, or whose container is already
// gone, succeeds.
func (d *Docker) Remove(ctx context.Context, projectID string) error {
	desc, err := loadDescriptor(ctx, d.store, projectID, strand.SandboxDocker)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	cli, err := d.client(ctx)
	if err != nil {
		return err
	}
	stopSecs := 5
	if err := cli.ContainerStop(ctx, desc.ID, container.StopOptions{Timeout: &stopSecs}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	if err := cli.ContainerRemove(ctx, desc.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return d.store.SetProjectSandbox(ctx, projectID, nil)
}

// bootstrap launches supervisord in a detached exec. The image keeps the
// supervisor down until the runtime starts it, once per container start.
func bootstrap(ctx context.Context, cli *client.Client, containerID string) error {
	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    []string{"sh", "-c", supervisordCommand},
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("create supervisord exec: %w", err)
	}
	if err := cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start supervisord: %w", err)
	}
	return nil
}

// endpoints reads the published host ports for the VNC and web ports.
func (d *Docker) endpoints(ctx context.Context, cli *client.Client, containerID string) (vncURL, webURL string, err error) {
	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", "", fmt.Errorf("inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", "", nil
	}
	if p := publishedPort(info.NetworkSettings.Ports, PortVNC); p != "" {
		vncURL = "http://localhost:" + p
	}
	if p := publishedPort(info.NetworkSettings.Ports, PortWeb); p != "" {
		webURL = "http://localhost:" + p
	}
	return vncURL, webURL, nil
}

func publishedPort(ports nat.PortMap, port int) string {
	bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 {
		return ""
	}
	return bindings[0].HostPort
}

func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// The daemon streams progress records; the pull is complete once the
	// stream drains.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// dockerHandle drives one container through the engine API.
type dockerHandle struct {
	cli    *client.Client
	id     string
	vncURL string
	webURL string
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) Exec(ctx context.Context, cmd, workdir string, timeout time.Duration) (ExecResult, error) {
	if workdir == "" {
		workdir = WorkspaceDir
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, h.wrap("exec create", err)
	}
	att, err := h.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, h.wrap("exec attach", err)
	}
	defer att.Close()

	// The engine multiplexes stdout and stderr over one stream.
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ExecResult{}, fmt.Errorf("exec: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("read exec output: %w", err)
		}
	}

	insp, err := h.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, h.wrap("exec inspect", err)
	}
	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: insp.ExitCode}, nil
}

func (h *dockerHandle) Upload(ctx context.Context, p string, data []byte) error {
	dir := path.Dir(p)
	if err := h.Mkdir(ctx, dir); err != nil {
		return err
	}
	archive, err := tarFile(path.Base(p), data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := h.cli.CopyToContainer(ctx, h.id, dir, archive, container.CopyToContainerOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return h.wrap("copy to container", err)
		}
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return nil
}

func (h *dockerHandle) Read(ctx context.Context, p string) ([]byte, error) {
	rc, _, err := h.cli.CopyFromContainer(ctx, h.id, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	defer rc.Close()

	// The engine returns a tar archive holding the requested file.
	base := path.Base(p)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if hdr.FileInfo().IsDir() || path.Base(hdr.Name) != base {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
}

func (h *dockerHandle) List(ctx context.Context, p string) ([]Entry, error) {
	res, err := h.Exec(ctx, "ls -lA --time-style=long-iso "+ShellQuote(p), "/", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s: %w", p, res.Err())
	}
	return parseLongListing(res.Stdout, p), nil
}

func (h *dockerHandle) Mkdir(ctx context.Context, p string) error {
	res, err := h.Exec(ctx, "mkdir -p "+ShellQuote(p), "/", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %w", p, res.Err())
	}
	return nil
}

func (h *dockerHandle) Chmod(ctx context.Context, p, mode string) error {
	res, err := h.Exec(ctx, "chmod "+mode+" "+ShellQuote(p), "/", 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chmod %s: %w", p, res.Err())
	}
	return nil
}

func (h *dockerHandle) Exists(ctx context.Context, p string) (bool, error) {
	res, err := h.Exec(ctx, "test -e "+ShellQuote(p), "/", 0)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (h *dockerHandle) PreviewLink(ctx context.Context, port int) (string, error) {
	switch port {
	case PortVNC:
		if h.vncURL != "" {
			return h.vncURL, nil
		}
	case PortWeb:
		if h.webURL != "" {
			return h.webURL, nil
		}
	}
	info, err := h.cli.ContainerInspect(ctx, h.id)
	if err != nil {
		return "", h.wrap("inspect", err)
	}
	if info.NetworkSettings != nil {
		if p := publishedPort(info.NetworkSettings.Ports, port); p != "" {
			return "http://localhost:" + p, nil
		}
	}
	return "", fmt.Errorf("port %d is not published", port)
}

func (h *dockerHandle) wrap(op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: container %s: %w", op, h.id, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// tarFile packs a single file into an in-memory tar archive for
// CopyToContainer.
func tarFile(name string, data []byte) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// parseLongListing turns `ls -lA --time-style=long-iso` output into
// entries. Columns: perms, links, owner, group, size, date, time, name.
func parseLongListing(out, dir string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		perms := fields[0]
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		mod, _ := time.Parse("2006-01-02 15:04", fields[5]+" "+fields[6])
		name := strings.Join(fields[7:], " ")
		if perms[0] == 'l' {
			if i := strings.Index(name, " -> "); i >= 0 {
				name = name[:i]
			}
		}
		entries = append(entries, Entry{
			Name:    name,
			Path:    path.Join(dir, name),
			IsDir:   perms[0] == 'd',
			Size:    size,
			ModTime: mod,
		})
	}
	return entries
}

