package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/mediajobs/internal/bootstrap"
	"github.com/cuongbtq/mediajobs/internal/config"
	"github.com/cuongbtq/mediajobs/internal/processing"
	"github.com/cuongbtq/mediajobs/internal/worker"
	"github.com/cuongbtq/mediajobs/shared/logger"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, &cfg.App)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		}
	}

	appLogger.Info("Starting worker service",
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open job store, work queue and object store
	backends, err := bootstrap.Open(ctx, cfg, workerID, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Jobs:              backends.Jobs,
		Queue:             backends.Queue,
		Processor:         processing.NewPlaceholder(backends.Objects, cfg.Worker.Modes, appLogger.Logger),
		WorkerID:          workerID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ReceiveWait:       cfg.WorkQueue.ReceiveWait,
	})

	reconciler := worker.NewReconciler(&worker.ReconcilerConfig{
		Logger:    appLogger.Logger,
		Jobs:      backends.Jobs,
		Queue:     backends.Queue,
		Interval:  cfg.Worker.ReconcileInterval,
		After:     cfg.Worker.ReconcileAfter,
		BatchSize: cfg.Worker.ReconcileBatch,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workerInstance.Start(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-done:
		// A worker only returns early on a fatal status write failure.
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
		return errors.New("worker stopped unexpectedly")
	}

	// Cancel context to stop worker loops
	cancel()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, app *config.AppConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      app.Name,
		Version:      app.Version,
	}

	return logger.New(loggerCfg)
}
