package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fulcrumlabs/stagegate/internal/config"
	"github.com/fulcrumlabs/stagegate/internal/engine"
	"github.com/fulcrumlabs/stagegate/internal/events/direct"
	"github.com/fulcrumlabs/stagegate/internal/processors"
	"github.com/fulcrumlabs/stagegate/internal/server"
	"github.com/fulcrumlabs/stagegate/internal/stage"
	"github.com/fulcrumlabs/stagegate/internal/storage"
	"github.com/fulcrumlabs/stagegate/internal/storage/memory"
	"github.com/fulcrumlabs/stagegate/internal/storage/sqlite"
	"github.com/fulcrumlabs/stagegate/internal/telemetry"
	"github.com/fulcrumlabs/stagegate/internal/transform"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdown, err := telemetry.Init("stagegate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	registry, err := stage.NewRegistry(cfg.Pipeline.Resolve())
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}

	// Register built-in transform processors
	processors.RegisterBuiltins()

	backoff, err := cfg.Transform.BackoffDuration()
	if err != nil {
		log.Fatalf("Invalid transform configuration: %v", err)
	}
	dispatcher := transform.NewRetrying(transform.NewRegistry(), cfg.Transform.MaxAttempts, backoff, logger)

	publisher, err := direct.NewPublisher(store)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	eng, err := engine.New(engine.Config{
		Store:      store,
		Stages:     registry,
		Dispatcher: dispatcher,
		Events:     publisher,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	srv := server.New(cfg.Server.Port, logger)
	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv.Router.Route("/v1", server.NewHandler(eng, store, logger).Mount)

	go func() {
		logger.Info("stagegate listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("storage", cfg.Storage.Type),
			slog.Int("stages", registry.Len()),
		)
		if err := srv.Start(); err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
