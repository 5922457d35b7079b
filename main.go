package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equity-screener/config"
	"equity-screener/internal/api"
	"equity-screener/internal/app"
	"equity-screener/internal/logging"
)

// evaluationRetention bounds how long persisted AI verdicts are kept
const evaluationRetention = 30 * 24 * time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize screener: %v", err)
	}
	defer a.Close()

	runner := api.NewRunner(a.Pipeline, logger)

	server := api.NewServer(cfg.Server, cfg.Metrics, api.Deps{
		Runner:  runner,
		Runs:    a.Repo,
		Cache:   a.Cache,
		Bus:     a.Bus,
		Metrics: a.MetricsHandler(),
		Breaker: a.Pipeline.Evaluator().Breaker(),
		Health:  a.HealthChecks(),
		Logger:  logger,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server stopped", "error", err)
		}
	}()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go cleanupEvaluations(cleanupCtx, a, logger)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Shutdown signal received", "signal", sig.String())

	stopCleanup()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}

	// An active run is cancelled and recorded as failed
	runner.Close()

	log.Println("Shutdown complete")
}

// cleanupEvaluations prunes old AI verdicts once a day
func cleanupEvaluations(ctx context.Context, a *app.App, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		n, err := a.Repo.CleanupOldEvaluations(ctx, evaluationRetention)
		if err != nil {
			logger.Warn("AI evaluation cleanup failed", "error", err)
		} else if n > 0 {
			logger.Info("Pruned old AI evaluations", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
