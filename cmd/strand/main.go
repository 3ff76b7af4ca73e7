// Command strand runs the agent server: an HTTP API that drives
// sandboxed agent runs over any OpenAI-compatible completion endpoint.
//
// Configuration is read from strand.toml (or the file named by
// STRAND_CONFIG), with STRAND_* environment variables taking precedence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	strand "github.com/strandhq/strand"
	"github.com/strandhq/strand/internal/app"
	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/mcp"
	"github.com/strandhq/strand/observer"
	"github.com/strandhq/strand/provider/openaicompat"
	"github.com/strandhq/strand/sandbox"
	"github.com/strandhq/strand/store/postgres"
	"github.com/strandhq/strand/store/sqlite"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(os.Getenv("STRAND_CONFIG"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	provider := openaicompat.New(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model,
		openaicompat.WithLogger(logger))

	var sandboxes sandbox.Provider
	switch cfg.Sandbox.Type {
	case "managed":
		sandboxes = sandbox.NewDaytona(store, sandbox.DaytonaConfig{
			APIKey:    cfg.Sandbox.Daytona.APIKey,
			ServerURL: cfg.Sandbox.Daytona.ServerURL,
			Target:    cfg.Sandbox.Daytona.Target,
			Snapshot:  cfg.Sandbox.Daytona.Snapshot,
		}, cfg.Sandbox.Image)
	default:
		sandboxes = sandbox.NewDocker(store, cfg.Sandbox.Image)
	}

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:  p.Input,
				OutputPerMillion: p.Output,
			}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
	}

	// A capability server that fails to start is skipped, not fatal: the
	// agent still runs with its builtin tools.
	var clients []*mcp.Client
	for _, s := range cfg.MCP.Servers {
		c, err := mcp.Dial(ctx, s.Name, s.Command, s.Args, s.Env, mcp.WithLogger(logger))
		if err != nil {
			logger.Warn("mcp server skipped", "name", s.Name, "error", err)
			continue
		}
		defer c.Close()
		clients = append(clients, c)
	}

	application := app.New(cfg, app.Deps{
		Store:     store,
		Provider:  provider,
		Sandboxes: sandboxes,
		MCP:       clients,
		Observer:  inst,
		Logger:    logger,
	})
	return application.RunWithSignal()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (strand.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
	}
}
