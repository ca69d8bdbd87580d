// Package di provides dependency injection types and container definitions.
package di

import (
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/aristath/rebalancer/internal/allocation"
	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/clients/paper"
	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/executor"
	"github.com/aristath/rebalancer/internal/ingest"
	"github.com/aristath/rebalancer/internal/metrics"
	"github.com/aristath/rebalancer/internal/modules/rebalancing/replacement"
	"github.com/aristath/rebalancer/internal/notify"
	"github.com/aristath/rebalancer/internal/orchestrator"
	"github.com/aristath/rebalancer/internal/pdt"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/reliability"
	"github.com/aristath/rebalancer/internal/results"
	"github.com/aristath/rebalancer/internal/scheduler"
)

// Container holds all dependencies for the application
// This is the single source of truth for all service instances
type Container struct {
	// Databases (2-database architecture)
	PDTDB        *database.DB // Append-only PDT execution records
	ExecutionsDB *database.DB // Archived strategy execution results

	// Configuration
	Accounts *config.AccountStore
	Calendar *calendar.Calendar

	// Events and metrics
	EventBus     *events.Bus
	EventManager *events.Manager
	Metrics      *metrics.Metrics

	// Broker access
	BrokerManager *broker.Manager
	PaperExchange *paper.Exchange // Always registered, serves broker_kind "paper"

	// Execution pipeline
	PDTGuard      *pdt.Guard
	Allocations   *allocation.Client
	Replacements  *replacement.Service
	Executor      *executor.Executor
	Dedup         orchestrator.DedupSet
	Orchestrator  *orchestrator.Orchestrator
	Submitter     *Submitter
	TriggerParser *ingest.Parser

	// Result sinks
	FileSink       *results.FileSink
	ExecutionStore *results.SQLiteStore
	S3Uploader     *manager.Uploader // Shared by the S3 sink and backups; nil unless ARCHIVE_S3_BUCKET is set
	S3Sink         *results.S3Sink

	// Optional Redis queue (nil unless REDIS_ADDR is set)
	Redis         redis.UniversalClient
	QueueStore    *queue.Store
	QueueConsumer *queue.Consumer

	// Trigger sources
	Watcher    *ingest.Watcher
	Subscriber *ingest.Subscriber // nil unless REALTIME_URL is set

	// Notifications
	Notifier *notify.Notifier
}

// JobInstances holds the scheduler and the registered job instances
type JobInstances struct {
	Scheduler  *scheduler.Scheduler
	MarketOpen *scheduler.MarketOpenJob
	EntryID    cron.EntryID // Zero when scheduling is disabled

	Maintenance *reliability.MaintenanceJob // nil when backups are disabled
}
