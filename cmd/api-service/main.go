package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/mediajobs/internal/api/handler"
	"github.com/cuongbtq/mediajobs/internal/api/router"
	"github.com/cuongbtq/mediajobs/internal/auth"
	"github.com/cuongbtq/mediajobs/internal/bootstrap"
	"github.com/cuongbtq/mediajobs/internal/config"
	"github.com/cuongbtq/mediajobs/internal/submission"
	"github.com/cuongbtq/mediajobs/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, &cfg.App)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("environment", cfg.App.Environment),
		slog.String("job_store", cfg.JobStore.Backend),
		slog.String("work_queue", cfg.WorkQueue.Backend),
		slog.String("storage", cfg.Storage.Backend),
	)

	// Open job store, work queue and object store
	backends, err := bootstrap.Open(context.Background(), cfg, cfg.App.Name, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		SkipVerify: cfg.Auth.SkipVerify,
		Issuer:     cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}
	if cfg.Auth.SkipVerify {
		appLogger.Warn("JWT signature verification is disabled")
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, backends, verifier)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, backends *bootstrap.Backends, verifier *auth.Verifier) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	healthChecks := make(map[string]handler.HealthCheck, len(backends.HealthChecks))
	for name, check := range backends.HealthChecks {
		healthChecks[name] = check
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		ServiceName: cfg.App.Name,
		Submission: submission.NewService(&submission.Dependencies{
			Logger:  logger,
			Jobs:    backends.Jobs,
			Queue:   backends.Queue,
			Objects: backends.Objects,
		}),
		Verifier:       verifier,
		LocalObjects:   backends.LocalObjects,
		MaxUploadBytes: cfg.Storage.Local.MaxUploadBytes,
		HealthChecks:   healthChecks,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}
