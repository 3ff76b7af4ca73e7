package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"

	strand "github.com/strandhq/strand"
)

const daytonaSourceHeader = "strand"

// DaytonaConfig configures access to a Daytona API server.
type DaytonaConfig struct {
	APIKey    string
	ServerURL string
	Target    string
	// Snapshot names a prebuilt sandbox snapshot. When set it is used
	// instead of building the image from a Dockerfile on create.
	Snapshot string
}

// Daytona provisions sandboxes through the managed Daytona API. File and
// process operations go through the per-sandbox toolbox API, reached via
// the server's toolbox proxy.
type Daytona struct {
	store strand.Store
	cfg   DaytonaConfig
	image string

	mu       sync.Mutex
	api      *apiclient.APIClient
	hc       *http.Client
	proxyURL string
}

// NewDaytona returns a Daytona provider recording descriptors in store.
// image is the default sandbox image; empty means DefaultImage.
func NewDaytona(store strand.Store, cfg DaytonaConfig, image string) *Daytona {
	if image == "" {
		image = DefaultImage
	}
	return &Daytona{store: store, cfg: cfg, image: image}
}

func (d *Daytona) client() (*apiclient.APIClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api != nil {
		return d.api, nil
	}
	if d.cfg.APIKey == "" || d.cfg.ServerURL == "" {
		return nil, fmt.Errorf("%w: daytona api key and server url required", ErrUnavailable)
	}
	scheme, host, basePath, err := parseBaseURL(d.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = &http.Client{}
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	d.hc = apiCfg.HTTPClient
	d.api = apiclient.NewAPIClient(apiCfg)
	return d.api, nil
}

func (d *Daytona) auth(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, d.cfg.APIKey)
}

// toolbox builds a client for one sandbox's toolbox API. The proxy base
// URL is fetched once and cached.
func (d *Daytona) toolbox(ctx context.Context, sandboxID string) (*toolbox.APIClient, error) {
	api, err := d.client()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	proxyURL := d.proxyURL
	d.mu.Unlock()
	if proxyURL == "" {
		result, httpResp, err := api.SandboxAPI.GetToolboxProxyUrl(d.auth(ctx), sandboxID).Execute()
		if err != nil {
			return nil, fmt.Errorf("toolbox proxy url: %w", apiError(err, httpResp))
		}
		proxyURL = strings.TrimRight(result.GetUrl(), "/")
		d.mu.Lock()
		d.proxyURL = proxyURL
		d.mu.Unlock()
	}

	scheme, host, basePath, err := parseBaseURL(proxyURL + "/" + sandboxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cfg := toolbox.NewConfiguration()
	cfg.Host = host
	cfg.Scheme = scheme
	cfg.HTTPClient = d.hc
	cfg.AddDefaultHeader("Authorization", "Bearer "+d.cfg.APIKey)
	cfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	cfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}
	return toolbox.NewAPIClient(cfg), nil
}

// Create provisions a sandbox sized for browser automation (2 vCPU, 4 GB
// memory, 5 GB disk), waits for it to start, boots supervisord, and
// records the descriptor with public preview URLs.
func (d *Daytona) Create(ctx context.Context, projectID, password, image string) (Handle, error) {
	api, err := d.client()
	if err != nil {
		return nil, err
	}
	if password == "" {
		password = NewVNCPassword()
	}
	if image == "" {
		image = d.image
	}

	req := apiclient.NewCreateSandbox()
	req.SetName("agent-sandbox-" + projectID)
	if d.cfg.Target != "" {
		req.SetTarget(d.cfg.Target)
	}
	if d.cfg.Snapshot != "" {
		req.SetSnapshot(d.cfg.Snapshot)
	} else {
		req.SetBuildInfo(apiclient.CreateBuildInfo{
			DockerfileContent: "FROM " + image,
		})
	}
	req.SetEnv(runtimeEnv(password))
	req.SetLabels(map[string]string{"id": projectID})
	req.SetPublic(true)
	req.SetCpu(2)
	req.SetMemory(4)
	req.SetDisk(5)
	req.SetAutoStopInterval(15)

	sb, httpResp, err := api.SandboxAPI.CreateSandbox(d.auth(ctx)).CreateSandbox(*req).Execute()
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", apiError(err, httpResp))
	}
	state := sb.GetState()
	if state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
		return nil, fmt.Errorf("sandbox failed to start: %s", state)
	}
	if state != apiclient.SANDBOXSTATE_STARTED {
		if err := d.waitStarted(ctx, sb.GetId()); err != nil {
			return nil, err
		}
	}

	tb, err := d.toolbox(ctx, sb.GetId())
	if err != nil {
		return nil, err
	}
	h := &daytonaHandle{provider: d, tb: tb, id: sb.GetId()}
	if err := h.bootstrap(ctx); err != nil {
		return nil, err
	}

	vncURL, err := h.PreviewLink(ctx, PortVNC)
	if err != nil {
		return nil, err
	}
	webURL, err := h.PreviewLink(ctx, PortWeb)
	if err != nil {
		return nil, err
	}
	desc := &strand.SandboxDescriptor{
		Kind:        strand.SandboxDaytona,
		ID:          sb.GetId(),
		VNCEndpoint: vncURL,
		WebEndpoint: webURL,
		VNCPassword: password,
	}
	if err := d.store.SetProjectSandbox(ctx, projectID, desc); err != nil {
		return nil, fmt.Errorf("record sandbox: %w", err)
	}
	return h, nil
}

// Ensure attaches to the project's sandbox, starting it first when the
// API reports it stopped or archived. Supervisord is rebooted after a
// cold start.
func (d *Daytona) Ensure(ctx context.Context, projectID string) (Handle, error) {
	desc, err := loadDescriptor(ctx, d.store, projectID, strand.SandboxDaytona)
	if err != nil {
		return nil, err
	}
	api, err := d.client()
	if err != nil {
		return nil, err
	}

	sb, httpResp, err := api.SandboxAPI.GetSandbox(d.auth(ctx), desc.ID).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("sandbox %s: %w", desc.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("sandbox status: %w", apiError(err, httpResp))
	}

	coldStart := false
	switch sb.GetState() {
	case apiclient.SANDBOXSTATE_STARTED:
	case apiclient.SANDBOXSTATE_STOPPED, apiclient.SANDBOXSTATE_ARCHIVED:
		if _, resp, err := api.SandboxAPI.StartSandbox(d.auth(ctx), desc.ID).Execute(); err != nil {
			return nil, fmt.Errorf("start sandbox: %w", apiError(err, resp))
		}
		if err := d.waitStarted(ctx, desc.ID); err != nil {
			return nil, err
		}
		coldStart = true
	case apiclient.SANDBOXSTATE_DESTROYED:
		return nil, fmt.Errorf("sandbox %s: %w", desc.ID, ErrNotFound)
	default:
		return nil, fmt.Errorf("%w: sandbox state %s", ErrUnavailable, sb.GetState())
	}

	tb, err := d.toolbox(ctx, desc.ID)
	if err != nil {
		return nil, err
	}
	h := &daytonaHandle{provider: d, tb: tb, id: desc.ID}
	if coldStart {
		if err := h.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Remove deletes the project's sandbox and clears the descriptor. An
// already-deleted sandbox, or a project without one, succeeds.
func (d *Daytona) Remove(ctx context.Context, projectID string) error {
	desc, err := loadDescriptor(ctx, d.store, projectID, strand.SandboxDaytona)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	api, err := d.client()
	if err != nil {
		return err
	}
	if _, httpResp, err := api.SandboxAPI.DeleteSandbox(d.auth(ctx), desc.ID).Execute(); err != nil {
		if httpResp == nil || httpResp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("delete sandbox: %w", apiError(err, httpResp))
		}
	}
	return d.store.SetProjectSandbox(ctx, projectID, nil)
}

func (d *Daytona) waitStarted(ctx context.Context, sandboxID string) error {
	api, err := d.client()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		sb, httpResp, err := api.SandboxAPI.GetSandbox(d.auth(ctx), sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("sandbox status: %w", apiError(err, httpResp))
		}
		switch sb.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("sandbox failed: %s", sb.GetState())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// daytonaHandle drives one sandbox through its toolbox API.
type daytonaHandle struct {
	provider *Daytona
	tb       *toolbox.APIClient
	id       string
}

func (h *daytonaHandle) ID() string { return h.id }

// bootstrap launches supervisord in a named one-shot session. A conflict
// means a previous start already created the session, so the stack is
// already up.
func (h *daytonaHandle) bootstrap(ctx context.Context) error {
	req := toolbox.NewCreateSessionRequest(supervisordSession)
	httpResp, err := h.tb.ProcessAPI.CreateSession(ctx).Request(*req).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("create supervisord session: %w", apiError(err, httpResp))
	}

	exec := toolbox.NewSessionExecuteRequest(supervisordCommand)
	exec.SetRunAsync(true)
	if _, resp, err := h.tb.ProcessAPI.SessionExecuteCommand(ctx, supervisordSession).Request(*exec).Execute(); err != nil {
		return fmt.Errorf("start supervisord: %w", apiError(err, resp))
	}
	return nil
}

// Exec runs cmd through the toolbox process API. The toolbox merges both
// output streams, so Stderr is always empty and failures must be read
// from Stdout.
func (h *daytonaHandle) Exec(ctx context.Context, cmd, workdir string, timeout time.Duration) (ExecResult, error) {
	if workdir == "" {
		workdir = WorkspaceDir
	}
	req := toolbox.NewExecuteRequest(cmd)
	req.SetCwd(workdir)
	if timeout > 0 {
		req.SetTimeout(int32(timeout / time.Second))
	}

	resp, httpResp, err := h.tb.ProcessAPI.ExecuteCommand(ctx).Request(*req).Execute()
	if err != nil {
		return ExecResult{}, fmt.Errorf("execute command: %w", apiError(err, httpResp))
	}
	exit := 0
	if resp.ExitCode != nil {
		exit = int(*resp.ExitCode)
	}
	return ExecResult{Stdout: resp.Result, ExitCode: exit}, nil
}

// Upload stages data in a temp file because the toolbox client posts
// multipart bodies from *os.File.
func (h *daytonaHandle) Upload(ctx context.Context, p string, data []byte) error {
	if err := h.Mkdir(ctx, path.Dir(p)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "strand-upload-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}

	if _, httpResp, err := h.tb.FileSystemAPI.UploadFile(ctx).Path(p).File(tmp).Execute(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpload, p, apiError(err, httpResp))
	}
	return nil
}

func (h *daytonaHandle) Read(ctx context.Context, p string) ([]byte, error) {
	f, httpResp, err := h.tb.FileSystemAPI.DownloadFile(ctx).Path(p).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("download %s: %w", p, apiError(err, httpResp))
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("download %s: %w", p, err)
	}
	return io.ReadAll(f)
}

func (h *daytonaHandle) List(ctx context.Context, p string) ([]Entry, error) {
	infos, httpResp, err := h.tb.FileSystemAPI.ListFiles(ctx).Path(p).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, fmt.Errorf("list %s: %w", p, apiError(err, httpResp))
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		mod, _ := time.Parse(time.RFC3339, fi.GetModTime())
		entries = append(entries, Entry{
			Name:    fi.GetName(),
			Path:    path.Join(p, fi.GetName()),
			IsDir:   fi.GetIsDir(),
			Size:    int64(fi.GetSize()),
			ModTime: mod,
		})
	}
	return entries, nil
}

// Mkdir tolerates an existing directory; the toolbox reports it as a
// conflict.
func (h *daytonaHandle) Mkdir(ctx context.Context, p string) error {
	httpResp, err := h.tb.FileSystemAPI.CreateFolder(ctx).Path(p).Mode("0755").Execute()
	if err == nil {
		return nil
	}
	if httpResp != nil && httpResp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("create folder %s: %w", p, apiError(err, httpResp))
}

func (h *daytonaHandle) Chmod(ctx context.Context, p, mode string) error {
	if _, err := h.tb.FileSystemAPI.SetFilePermissions(ctx).Path(p).Mode(mode).Execute(); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	return nil
}

func (h *daytonaHandle) Exists(ctx context.Context, p string) (bool, error) {
	_, httpResp, err := h.tb.FileSystemAPI.GetFileInfo(ctx).Path(p).Execute()
	if err == nil {
		return true, nil
	}
	if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, apiError(err, httpResp))
}

func (h *daytonaHandle) PreviewLink(ctx context.Context, port int) (string, error) {
	api, err := h.provider.client()
	if err != nil {
		return "", err
	}
	preview, httpResp, err := api.SandboxAPI.GetPortPreviewUrl(h.provider.auth(ctx), h.id, float32(port)).Execute()
	if err != nil {
		return "", fmt.Errorf("preview url for port %d: %w", port, apiError(err, httpResp))
	}
	return preview.GetUrl(), nil
}

func parseBaseURL(raw string) (scheme, host, basePath string, err error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("empty url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("invalid url: %s", raw)
	}
	return parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"), nil
}

func apiError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}
