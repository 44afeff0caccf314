package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/askhuman/api"
	migrations "github.com/garnizeh/askhuman/db"
	"github.com/garnizeh/askhuman/internal/config"
	"github.com/garnizeh/askhuman/internal/db"
	"github.com/garnizeh/askhuman/internal/lifecycle"
	"github.com/garnizeh/askhuman/internal/notify"
	"github.com/garnizeh/askhuman/internal/store"
	"github.com/garnizeh/askhuman/pkg/push"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	api.SetLogger(logger)
	push.SetLogger(logger)

	logger.Info("starting askhuman server", slog.String("version", version), slog.String("built_at", buildTime))

	ctx := context.Background()

	// Open database connection and apply migrations
	conn, err := db.New(ctx, cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	if err := db.Migrate(ctx, conn, migrations.Migrations); err != nil {
		log.Fatalf("Failed to migrate DB: %v", err)
	}

	repo := store.New(conn, logger)
	clock := func() time.Time { return time.Now().UTC() }

	gateway, err := push.NewClient(push.Config{
		BaseURL:                 cfg.Gateway.BaseURL,
		Timeout:                 cfg.Gateway.Timeout,
		Retries:                 cfg.Gateway.Retries,
		Backoff:                 cfg.Gateway.Backoff,
		CircuitFailureThreshold: cfg.Gateway.CircuitFailureThreshold,
		CircuitReset:            cfg.Gateway.CircuitReset,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to create push gateway client: %v", err)
	}

	queue := notify.NewQueue(repo, clock, cfg.Dispatch.CatchupDelay, cfg.Dispatch.MaxAttempts)
	svc := lifecycle.NewService(repo, repo, queue, logger, clock, cfg.Limits.MinResponseLatency)

	dispatcher := notify.NewDispatcher(repo, repo, gateway, logger, clock, cfg.Dispatch.OverNotifyFactor)
	workers := notify.NewWorkerPool(repo, dispatcher, logger, clock, cfg.Dispatch.WorkerCount)
	workers.Start(ctx)
	sweeper := notify.NewSweeper(repo, repo, logger, clock, cfg.Dispatch.SweepInterval, cfg.Dispatch.MaxAttempts)
	sweeper.Start(ctx)

	handler := api.SetupRoutes(cfg, version, buildTime, svc, repo, clock)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	sweeper.Stop()
	workers.Stop()

	if err := gateway.Close(); err != nil {
		logger.Error("error closing push gateway client", slog.Any("err", err))
	}
	if err := conn.Close(); err != nil {
		logger.Error("error closing DB", slog.Any("err", err))
	}

	logger.Info("server exited")
}
