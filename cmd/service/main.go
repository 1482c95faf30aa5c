// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/api"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/codecov"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/config"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/etl"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/github"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/store"
	"github.com/kbaseincubator/kbase-security-dashboard/internal/trivy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	once := flag.Bool("once", false, "run a single collection pass and exit instead of serving")
	fullSync := flag.Bool("full-sync", false, "ignore coverage watermarks and re-pull full history")
	flag.Parse()

	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.Service.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "repos", len(cfg.RepoConfigs))

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection
	dbpool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	if err := dbpool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Database connection established")

	// 5. Initialize application components
	ghClient := github.NewClient(cfg.GitHub.Token, logger)
	covClient := codecov.NewClient(logger)
	scanner := trivy.NewScanner(cfg.GitHub.Token, logger)
	st := store.New(dbpool, logger)
	pipeline := etl.NewPipeline(
		ghClient, covClient, scanner, st, cfg.RepoConfigs, *fullSync, logger,
	)

	if *once {
		logger.Info("Running single collection pass")
		return pipeline.ProcessRepos(ctx)
	}

	// 6. Start the scheduler
	sched, err := etl.NewScheduler(cfg.Service.ScheduleCron, pipeline, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	// 7. Serve the API until shutdown
	server := &http.Server{
		Addr:    cfg.Service.Listen,
		Handler: api.NewRouter(sched, logger),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Service.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
