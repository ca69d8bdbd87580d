// Package main is the entry point for the rebalancer service.
// The service receives rebalance triggers for brokerage accounts, fans them out
// across the accounts of a strategy, and drives each account through snapshot,
// allocation, order placement and settlement with PDT protection.
//
// Triggers arrive from:
// - The management HTTP API
// - JSON files dropped into the manual trigger directory
// - The realtime strategy event feed (optional)
// - The market-open scheduler (scheduled.json)
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/di"
	"github.com/aristath/rebalancer/internal/server"
	"github.com/aristath/rebalancer/internal/version"
	"github.com/aristath/rebalancer/pkg/logger"
)

// drainTimeout bounds how long shutdown waits for running work after cancelling it
const drainTimeout = 30 * time.Second

// getEnv retrieves an environment variable value, returning a fallback if the variable
// is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// main is the application entry point. It orchestrates the startup sequence:
// 1. Loads configuration from environment variables (.env supported)
// 2. Initializes logging
// 3. Wires all dependencies via the DI container (databases, brokers, executor, orchestrator)
// 4. Starts the HTTP server
// 5. Starts trigger sources (manual trigger watcher, realtime feed, queue consumer)
// 6. Starts the scheduler (market-open rebalance, daily backups) and the notifier
// 7. Waits for a shutdown signal, cancels running work, closes every broker session, then drains
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

	// Initialize logger with config level
	// Pretty console output in dev mode, JSON otherwise; LOG_FILE adds a rotating file
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
		File:   cfg.LogFile,
	})
	logger.SetGlobalLogger(log)

	if version.Version == "dev" {
		version.Version = getEnv("VERSION", "dev")
	}
	log.Info().
		Str("version", version.Version).
		Str("trading_mode", string(cfg.TradingMode)).
		Str("data_dir", cfg.DataDir).
		Msg("Starting rebalancer")

	// Root context for background workers; cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire all dependencies using DI container
	// Databases are opened first, then the broker manager, PDT guard, executor,
	// orchestrator and result sinks, then the trigger sources and jobs.
	container, jobs, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Initialize HTTP server
	// Optional collaborators are passed as nil interfaces when their component is off
	srvCfg := server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Info: server.Info{
			Version:     version.Version,
			TradingMode: cfg.TradingMode,
			BrokerKinds: container.BrokerManager.Kinds(),
			QueueMode:   container.QueueStore != nil,
			StartedAt:   time.Now(),
		},
		Accounts:   container.Accounts,
		Parser:     container.TriggerParser,
		Submitter:  container.Submitter,
		PDT:        container.PDTGuard,
		Sessions:   container.BrokerManager,
		Active:     container.Orchestrator,
		Metrics:    container.Metrics,
		Bus:        container.EventBus,
		Executions: container.ExecutionStore,
		Schedule:   jobs.MarketOpen,
		NextRun:    jobs.NextRun,
	}
	if cfg.Schedule.Enabled {
		srvCfg.Info.Schedule = cfg.Schedule.Schedule
	}
	if container.QueueStore != nil {
		srvCfg.Queue = container.QueueStore
	}
	srv := server.New(srvCfg)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Start notifier before any producer so early results are delivered
	if container.Notifier.Enabled() {
		container.Notifier.Start()
		log.Info().Msg("Notifier started")
	}

	// Start manual trigger watcher
	// Files dropped into MANUAL_TRIGGER_DIR are parsed, submitted and removed
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := container.Watcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Manual trigger watcher stopped")
		}
	}()
	log.Info().Str("dir", cfg.ManualTriggerDir).Msg("Manual trigger watcher started")

	// Start realtime subscriber (reconnects with backoff until ctx is cancelled)
	if container.Subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := container.Subscriber.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Realtime subscriber stopped")
			}
		}()
		log.Info().Str("url", cfg.RealtimeURL).Msg("Realtime subscriber started")
	}

	// Start queue consumer
	// Stuck records from a previous crash are recovered before consuming;
	// in-flight records finish before Run returns
	if container.QueueConsumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := container.QueueConsumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Queue consumer stopped")
			}
		}()
		log.Info().Msg("Queue consumer started")
	}

	// Start scheduler (market-open rebalance, daily maintenance)
	if jobs.Scheduled() {
		jobs.Scheduler.Start(ctx)
		log.Info().Time("next_rebalance", jobs.NextRun()).Msg("Scheduler started")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Cancel scheduled runs, trigger sources and in-process dispatches, then
	// disconnect every broker session at once so no execution keeps trading
	cancel()
	container.Submitter.Cancel()
	closeSessions(container, log)

	// Wait for work to unwind, up to drainTimeout
	drained := make(chan struct{})
	go func() {
		if jobs.Scheduled() {
			jobs.Scheduler.Stop()
		}
		wg.Wait()
		container.Submitter.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Msg("Trigger sources stopped")
	case <-time.After(drainTimeout):
		log.Warn().Dur("timeout", drainTimeout).Msg("Work still running at shutdown deadline")
	}
	// Sessions opened while unwinding
	closeSessions(container, log)

	// Graceful shutdown
	// The HTTP server is given up to 10 seconds to finish in-flight requests
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if container.Notifier.Enabled() {
		container.Notifier.Stop()
	}
	container.Close()

	log.Info().Msg("Server stopped")
}

func closeSessions(container *di.Container, log zerolog.Logger) {
	if closed := container.BrokerManager.CloseAll(); closed > 0 {
		log.Warn().Int("sessions", closed).Msg("Closed open broker sessions")
	}
}
