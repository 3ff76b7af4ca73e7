// Command sandboxd is the web control server every sandbox image runs
// on port 8080. It exposes a health probe and read-only workspace
// browsing; the preview links handed out by expose_port point here.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type config struct {
	addr      string
	workspace string
}

func loadConfig() config {
	cfg := config{addr: ":8080", workspace: "/workspace"}
	if v := os.Getenv("SANDBOXD_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOXD_WORKSPACE"); v != "" {
		cfg.workspace = v
	}
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := loadConfig()
	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      newHandler(cfg.workspace),
		ReadTimeout:  time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("sandboxd listening", "addr", cfg.addr, "workspace", cfg.workspace)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
