// Package app assembles the agent server: store, completion provider,
// sandbox provider, MCP capability servers, and observability wired into
// one run driver, exposed over HTTP with SSE run streaming.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/mcp"
	"github.com/strandhq/strand/observer"
	"github.com/strandhq/strand/sandbox"
)

// shutdownGrace bounds how long in-flight requests may drain after a
// shutdown signal.
const shutdownGrace = 30 * time.Second

// Deps holds the injected backends. Billing and Logger are optional;
// nil means allow-all and slog.Default respectively. A nil Sandboxes
// disables every sandbox-backed tool, a nil Observer disables metrics
// and tracing.
type Deps struct {
	Store     strand.Store
	Provider  strand.Provider
	Sandboxes sandbox.Provider
	Billing   strand.Billing
	// MCP clients are dialed and closed by the caller; the app only
	// registers their tools.
	MCP      []*mcp.Client
	Observer *observer.Instruments
	Logger   *slog.Logger
}

// App is the HTTP server over one driver. Registries are assembled per
// run so sandbox-backed tools bind to the right project and thread; MCP
// tools and their catalog are shared across runs.
type App struct {
	cfg       config.Config
	store     strand.Store
	sandboxes sandbox.Provider
	obs       *observer.Instruments
	logger    *slog.Logger

	driver     *strand.Driver
	mcpTools   []strand.Tool
	mcpCatalog string
	shots      *ScreenshotDir
}

// New wires the dependencies into a driver. The provider is wrapped with
// transient-error retry, and with observation when an observer is set.
func New(cfg config.Config, deps Deps) *App {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	billing := deps.Billing
	if billing == nil {
		billing = strand.AllowAll{}
	}

	provider := strand.WithRetry(deps.Provider, strand.RetryLogger(logger))
	if deps.Observer != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, deps.Observer)
	}

	tmOpts := []strand.ThreadManagerOption{strand.ManagerLogger(logger)}
	drOpts := []strand.DriverOption{strand.DriverLogger(logger)}
	if deps.Observer != nil {
		tracer := observer.NewTracer()
		tmOpts = append(tmOpts, strand.ManagerTracer(tracer))
		drOpts = append(drOpts, strand.DriverTracer(tracer))
	}
	threads := strand.NewThreadManager(deps.Store, provider, tmOpts...)

	a := &App{
		cfg:       cfg,
		store:     deps.Store,
		sandboxes: deps.Sandboxes,
		obs:       deps.Observer,
		logger:    logger,
		driver:    strand.NewDriver(deps.Store, billing, threads, drOpts...),
	}
	if cfg.Server.ScreenshotDir != "" {
		a.shots = NewScreenshotDir(cfg.Server.ScreenshotDir)
	}

	var catalogs []string
	for _, c := range deps.MCP {
		t := mcp.NewTool(c)
		catalogs = append(catalogs, t.Catalog())
		a.mcpTools = append(a.mcpTools, a.observed(t))
	}
	a.mcpCatalog = strings.Join(catalogs, "\n\n")

	return a
}

// observed wraps a tool with metrics when the observer is enabled.
func (a *App) observed(t strand.Tool) strand.Tool {
	if a.obs == nil {
		return t
	}
	return observer.WrapTool(t, a.obs)
}

// Run serves the API until ctx is cancelled, then drains in-flight
// requests for shutdownGrace.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	// No write timeout: agent runs stream over SSE for as long as the
	// run lasts.
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// RunWithSignal wraps Run with SIGINT/SIGTERM handling for graceful
// shutdown.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
