package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/furina/internal/api"
	"github.com/nugget/furina/internal/buildinfo"
	"github.com/nugget/furina/internal/config"
	"github.com/nugget/furina/internal/metrics"
)

// shutdownTimeout bounds how long in-flight requests and jobs get to
// finish after a shutdown signal.
const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), g.configPath)
		},
	}
}

// runServe is the primary operating mode: it loads config, builds every
// companion, starts the scheduler and API server and blocks until ctx
// is cancelled or a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The scheduler cancels and waits for running jobs
//  4. Companions cancel pending reflections and the database closes
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting furina", "build", buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"companions", cfg.CompanionKeys(),
		"memory_backend", cfg.Memory.Backend,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	a, err := newApp(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	sched := a.newScheduler()
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.companions, logger)
	server.SetMetrics(m)
	server.SetJobStats(sched)

	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	// Start blocks until the server is shut down or fails.
	serveErr := server.Start(ctx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("scheduler stop failed", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("furina stopped")
	return nil
}
