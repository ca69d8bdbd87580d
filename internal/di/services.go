// Package di provides dependency injection for service implementations.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/allocation"
	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/clients/paper"
	"github.com/aristath/rebalancer/internal/clients/tradernet"
	"github.com/aristath/rebalancer/internal/clients/tradernet/sdk"
	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/executor"
	"github.com/aristath/rebalancer/internal/ingest"
	"github.com/aristath/rebalancer/internal/metrics"
	"github.com/aristath/rebalancer/internal/modules/rebalancing/replacement"
	"github.com/aristath/rebalancer/internal/notify"
	"github.com/aristath/rebalancer/internal/orchestrator"
	"github.com/aristath/rebalancer/internal/pdt"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/results"
)

// InitializeServices creates all services and wires them together
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	// ==========================================
	// STEP 1: Accounts and market calendar
	// ==========================================

	accounts, err := config.LoadAccounts(cfg.AccountsFile, cfg.TradingMode)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	container.Accounts = accounts
	log.Info().
		Int("accounts", len(accounts.All())).
		Int("skipped", accounts.Skipped()).
		Str("trading_mode", string(cfg.TradingMode)).
		Msg("Accounts loaded")

	cal, err := calendar.New(cfg.PDT.MarketTimezone)
	if err != nil {
		return fmt.Errorf("failed to load market calendar: %w", err)
	}
	container.Calendar = cal

	// ==========================================
	// STEP 2: Event system and metrics
	// ==========================================

	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	container.Metrics = metrics.New()
	container.Metrics.Subscribe(container.EventBus)

	// ==========================================
	// STEP 3: Broker session manager
	// ==========================================

	container.BrokerManager = broker.NewManager(broker.Config{
		DefaultKind:       cfg.BrokerDefaultKind,
		ConnectTimeout:    cfg.Broker.ConnectTimeout,
		DisconnectTimeout: cfg.Broker.DisconnectTimeout,
		RequestTimeout:    cfg.Broker.RequestTimeout,
		CacheTTL:          cfg.Broker.PriceCacheTTL,
		SessionIDBase:     cfg.Broker.SessionIDBase,
		SessionIDStride:   cfg.Broker.SessionIDStride,
	}, log)
	container.BrokerManager.OnOpenSessionsChanged(func(open int) {
		container.Metrics.OpenSessions.Set(float64(open))
	})

	// Paper exchange is always available so accounts can opt into simulation
	container.PaperExchange = paper.NewExchange(paper.Options{DefaultCash: cfg.PaperStartingCash}, log)
	container.BrokerManager.Register(paper.Kind, container.PaperExchange.Factory())

	// Tradernet sessions share one SDK client and its rate limiter
	tradernetClient := sdk.NewClient(cfg.TradernetAPIKey, cfg.TradernetAPISecret, log)
	tnOpts := tradernet.DefaultOptions()
	tnOpts.SyntheticAskDelta = cfg.Broker.SyntheticAskDelta
	container.BrokerManager.Register(tradernet.Kind, tradernet.NewFactory(tradernetClient, tnOpts, log))
	if cfg.TradernetAPIKey == "" || cfg.TradernetAPISecret == "" {
		log.Warn().Msg("Tradernet credentials not configured - tradernet sessions will fail to connect")
	}

	// ==========================================
	// STEP 4: PDT guard, allocations and replacements
	// ==========================================

	guard, err := pdt.NewGuard(pdt.NewSQLiteStore(container.PDTDB.Conn()), cal, cfg.PDT.NextExecutionTime, log)
	if err != nil {
		return fmt.Errorf("failed to create PDT guard: %w", err)
	}
	container.PDTGuard = guard

	container.Allocations = allocation.NewClient(allocation.Config{
		BaseURL: cfg.AllocationsAPIURL,
		APIKey:  cfg.AllocationsAPIKey,
		Timeout: cfg.AllocationsTimeout,
	}, log)
	if cfg.AllocationsAPIURL == "" {
		log.Warn().Msg("ALLOCATIONS_API_URL not set - executions will fail at the allocation phase")
	}

	sets, err := replacement.LoadFile(cfg.ReplacementSetsFile)
	if err != nil {
		return fmt.Errorf("failed to load replacement sets: %w", err)
	}
	container.Replacements = replacement.NewService(sets, log)
	for _, a := range accounts.All() {
		if a.ReplacementSet != "" && !container.Replacements.Has(a.ReplacementSet) {
			log.Warn().
				Str("account_id", a.AccountID).
				Str("replacement_set", a.ReplacementSet).
				Msg("Account references an unknown replacement set")
		}
	}

	// ==========================================
	// STEP 5: Executor
	// ==========================================

	execCfg := executor.DefaultConfig()
	execCfg.Params = cfg.CalculatorParams(execCfg.Params.CashReservePercent)
	execCfg.OrderTimeout = cfg.Trading.OrderTimeout
	execCfg.PollInterval = cfg.Trading.OrderPollInterval
	execCfg.PostCompletionDelay = cfg.Trading.PostCompletionDelay

	container.Executor = executor.New(
		container.BrokerManager,
		container.Allocations,
		container.Replacements,
		container.PDTGuard,
		container.EventManager,
		execCfg,
		log,
	)

	// ==========================================
	// STEP 6: Queue and deduplication
	// ==========================================

	container.Dedup = orchestrator.NewMemoryDedup()
	if cfg.RedisAddr != "" {
		container.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := container.Redis.Ping(ctx).Err(); err != nil {
			container.Redis.Close()
			container.Redis = nil
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		// Direct dispatches (scheduled runs, in-process API calls) take their
		// keys in the same set the queue uses, so every replica sees them
		container.Dedup = orchestrator.NewRedisDedup(container.Redis, orchestrator.DefaultActiveSet)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis deduplication enabled")
		if cfg.QueueEnabled {
			container.QueueStore = queue.NewStore(container.Redis, queue.Options{}, log)
			log.Info().Str("addr", cfg.RedisAddr).Msg("Redis trigger queue enabled")
		}
	}

	// ==========================================
	// STEP 7: Orchestrator and result sinks
	// ==========================================

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.MaxWorkers = cfg.MaxWorkers
	container.Orchestrator = orchestrator.New(
		accounts,
		container.Executor,
		container.BrokerManager,
		container.Dedup,
		container.EventManager,
		orchCfg,
		log,
	)

	container.FileSink = results.NewFileSink(filepath.Join(cfg.DataDir, "executions"), log)
	container.Orchestrator.AddSink(container.FileSink)

	container.ExecutionStore = results.NewSQLiteStore(container.ExecutionsDB.Conn())
	container.Orchestrator.AddSink(container.ExecutionStore)

	if cfg.ArchiveS3Bucket != "" {
		s3Cfg := results.S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Prefix:   cfg.ArchiveS3Prefix,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
		}
		uploader, err := results.NewS3Uploader(ctx, s3Cfg)
		if err != nil {
			return fmt.Errorf("failed to create S3 archive: %w", err)
		}
		container.S3Uploader = uploader
		container.S3Sink = results.NewS3SinkWithUploader(uploader, s3Cfg, log)
		container.Orchestrator.AddSink(container.S3Sink)
	}

	if container.QueueStore != nil {
		container.QueueConsumer = queue.NewConsumer(container.QueueStore, container.Orchestrator, queue.DefaultConsumerConfig(), log)
	}

	// ==========================================
	// STEP 8: Trigger intake
	// ==========================================

	container.TriggerParser = ingest.NewParser()
	container.Submitter = NewSubmitter(accounts, container.Orchestrator, container.QueueStore, log)

	container.Watcher = ingest.NewWatcher(cfg.ManualTriggerDir, container.TriggerParser, container.Submitter.Handle, log)
	if cfg.RealtimeURL != "" {
		container.Subscriber = ingest.NewSubscriber(ingest.RealtimeConfig{
			URL:    cfg.RealtimeURL,
			APIKey: cfg.RealtimeKey,
		}, accounts.Strategies(), container.TriggerParser, container.Submitter.Handle, log)
	}

	// ==========================================
	// STEP 9: Notifications
	// ==========================================

	container.Notifier = notify.New(notify.Config{
		URL:      cfg.NtfyURL,
		Topic:    cfg.NtfyTopic,
		Location: cal.Location(),
	}, log)
	if container.Notifier.Enabled() {
		container.Notifier.Subscribe(container.EventBus)
	}

	log.Info().Strs("broker_kinds", container.BrokerManager.Kinds()).Msg("Services initialized")
	return nil
}
