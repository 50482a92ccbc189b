// Package main is the entry point for the rebalancer, an event-driven
// portfolio execution engine. Rebalance commands arrive over HTTP, cron
// schedules and a realtime trigger feed; a durable SQLite queue serializes
// them per account and a worker pool executes them against the broker
// gateway.
//
// Startup order matters: the queue database is opened and recovered before
// any worker starts, and the HTTP server comes up last so the API never
// exposes a half-wired system.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/di"
	"github.com/aristath/rebalancer/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().Str("trading_mode", cfg.Broker.TradingMode).Msg("Starting rebalancer")

	// Wire all dependencies. This opens the queue database, runs migrations
	// and requeues events interrupted by the previous shutdown.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Recurring jobs: delayed-set sweep, gateway health probe, per-account
	// rebalance schedules and the nightly backup when R2 is configured.
	container.Scheduler.Start()

	// Worker pool. From here on queued events get executed.
	container.Processor.Start()

	// Realtime trigger feed. A failed first dial is not fatal: the listener
	// keeps reconnecting in the background and the queue still fills from
	// schedules and the API.
	if container.Listener != nil {
		if err := container.Listener.Start(); err != nil {
			log.Warn().Err(err).Msg("Trigger feed not connected yet, reconnecting in background")
		}
	}

	// Start server in goroutine
	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop intake paths first so nothing new lands while workers drain.
	if container.Listener != nil {
		if err := container.Listener.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping trigger feed")
		}
	}
	container.Scheduler.Stop()

	// Workers finish the event they are on; anything still queued survives
	// in SQLite and is picked up on the next start.
	container.Processor.Stop()

	// Graceful shutdown of the HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Rebalancer stopped")
}
