// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/rebalancing/calculator"
)

// Config holds application configuration
type Config struct {
	TradingMode         domain.TradingType // Only accounts of this type are eligible
	DataDir             string             // Base directory for databases and archives (always absolute)
	AccountsFile        string
	ReplacementSetsFile string
	ScheduledFile       string // market-open account list, cleared after dispatch
	ManualTriggerDir    string // Drop directory for manual trigger files
	LogLevel            string
	LogFile             string
	Port                int
	DevMode             bool

	AllocationsAPIURL  string
	AllocationsAPIKey  string
	AllocationsTimeout time.Duration

	RedisAddr     string // Optional: enables the queue and distributed dedup
	RedisPassword string
	RealtimeURL   string // Optional: websocket endpoint of the strategy event feed
	RealtimeKey   string
	QueueEnabled  bool // With Redis: queue triggers instead of dispatching in-process

	NtfyURL   string
	NtfyTopic string

	ArchiveS3Bucket   string
	ArchiveS3Prefix   string
	ArchiveS3Region   string
	ArchiveS3Endpoint string // Optional: S3-compatible endpoint such as R2 or MinIO

	TradernetAPIKey    string
	TradernetAPISecret string
	BrokerDefaultKind  string
	PaperStartingCash  float64 // Cash given to accounts first seen by the paper exchange

	Broker     BrokerConfig
	Trading    TradingConfig
	PDT        PDTConfig
	Schedule   ScheduleConfig
	Backup     BackupConfig
	MaxWorkers int // Concurrent account executions per dispatch
}

// BrokerConfig holds session manager settings
type BrokerConfig struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	RequestTimeout    time.Duration // Snapshot, price and order placement calls
	PriceCacheTTL     time.Duration
	SessionIDBase     int
	SessionIDStride   int
	SyntheticAskDelta float64 // ask = bid + delta when the broker reports no ask
}

// TradingConfig holds calculator and order execution settings
type TradingConfig struct {
	BuySlippagePercent         float64
	TickSize                   float64
	MinCashReserveUSD          float64
	CommissionRate             float64
	MaxAccountUtilization      float64
	AllocationThresholdPercent float64
	OrderTIF                   string
	OrderTimeout               time.Duration
	OrderPollInterval          time.Duration
	PostCompletionDelay        time.Duration
}

// PDTConfig holds pattern day trading protection settings
type PDTConfig struct {
	NextExecutionTime string // HH:MM exchange local time
	MarketTimezone    string
}

// ScheduleConfig holds the market-open scheduler settings
type ScheduleConfig struct {
	Enabled  bool
	Schedule string // Cron expression in the market timezone, seconds field optional
	// Strategies rebalanced in full at every scheduled run, besides scheduled.json
	Strategies []string
}

// BackupConfig holds the daily maintenance and backup settings
type BackupConfig struct {
	Enabled       bool
	Schedule      string // Cron expression in the market timezone
	RetentionDays int    // Local daily snapshots kept; 0 keeps all
	Prefix        string // Object prefix inside ARCHIVE_S3_BUCKET
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		TradingMode:         domain.TradingType(getEnv("TRADING_MODE", string(domain.TradingTypePaper))),
		DataDir:             absDataDir,
		AccountsFile:        getEnv("ACCOUNTS_FILE", "accounts.yaml"),
		ReplacementSetsFile: getEnv("REPLACEMENT_SETS_FILE", "replacement-sets.yaml"),
		ScheduledFile:       getEnv("SCHEDULED_FILE", filepath.Join(absDataDir, "market-open", "scheduled.json")),
		ManualTriggerDir:    getEnv("MANUAL_TRIGGER_DIR", filepath.Join(absDataDir, "manual-rebalance")),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             getEnv("LOG_FILE", ""),
		Port:                getEnvAsInt("PORT", 8000),
		DevMode:             getEnvAsBool("DEV_MODE", false),

		AllocationsAPIURL:  getEnv("ALLOCATIONS_API_URL", ""),
		AllocationsAPIKey:  getEnv("ALLOCATIONS_API_KEY", ""),
		AllocationsTimeout: getEnvAsDuration("ALLOCATIONS_TIMEOUT", 30*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RealtimeURL:   getEnv("REALTIME_URL", ""),
		RealtimeKey:   getEnv("REALTIME_API_KEY", ""),
		QueueEnabled:  getEnvAsBool("QUEUE_ENABLED", true),

		NtfyURL:   getEnv("NTFY_URL", ""),
		NtfyTopic: getEnv("NTFY_TOPIC", ""),

		ArchiveS3Bucket:   getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Prefix:   getEnv("ARCHIVE_S3_PREFIX", "executions"),
		ArchiveS3Region:   getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint: getEnv("ARCHIVE_S3_ENDPOINT", ""),

		TradernetAPIKey:    getEnv("TRADERNET_API_KEY", ""),
		TradernetAPISecret: getEnv("TRADERNET_API_SECRET", ""),
		BrokerDefaultKind:  getEnv("BROKER_DEFAULT_KIND", "tradernet"),
		PaperStartingCash:  getEnvAsFloat("PAPER_STARTING_CASH", 100000),

		Broker: BrokerConfig{
			ConnectTimeout:    getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second),
			DisconnectTimeout: getEnvAsDuration("DISCONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout:    getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			PriceCacheTTL:     getEnvAsDuration("PRICE_CACHE_TTL", 30*time.Second),
			SessionIDBase:     getEnvAsInt("SESSION_ID_BASE", 1000),
			SessionIDStride:   getEnvAsInt("SESSION_ID_STRIDE", 10),
			SyntheticAskDelta: getEnvAsFloat("SYNTHETIC_ASK_OFFSET_USD", 1.0),
		},
		Trading: TradingConfig{
			BuySlippagePercent:         getEnvAsFloat("BUY_SLIPPAGE_PERCENT", 0.5),
			TickSize:                   getEnvAsFloat("TICK_SIZE", 0.01),
			MinCashReserveUSD:          getEnvAsFloat("MIN_CASH_RESERVE_USD", 100),
			CommissionRate:             getEnvAsFloat("COMMISSION_RATE", 0.01),
			MaxAccountUtilization:      getEnvAsFloat("MAX_ACCOUNT_UTILIZATION", 0.995),
			AllocationThresholdPercent: getEnvAsFloat("ALLOCATION_THRESHOLD_PERCENT", 0.5),
			OrderTIF:                   getEnv("ORDER_TIF", "DAY"),
			OrderTimeout:               getEnvAsDuration("ORDER_TIMEOUT", 300*time.Second),
			OrderPollInterval:          getEnvAsDuration("ORDER_POLL_INTERVAL", 2*time.Second),
			PostCompletionDelay:        getEnvAsDuration("POST_COMPLETION_DELAY", 1*time.Second),
		},
		PDT: PDTConfig{
			NextExecutionTime: getEnv("PDT_NEXT_EXECUTION_TIME", "09:30"),
			MarketTimezone:    getEnv("MARKET_TIMEZONE", calendar.DefaultTimezone),
		},
		Schedule: ScheduleConfig{
			Enabled:    getEnvAsBool("SCHEDULER_ENABLED", true),
			Schedule:   getEnv("REBALANCE_SCHEDULE", "30 9 * * MON-FRI"),
			Strategies: getEnvAsList("REBALANCE_STRATEGIES"),
		},
		Backup: BackupConfig{
			Enabled:       getEnvAsBool("BACKUP_ENABLED", true),
			Schedule:      getEnv("BACKUP_SCHEDULE", "0 2 * * *"),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 7),
			Prefix:        getEnv("BACKUP_S3_PREFIX", "backups"),
		},
		MaxWorkers: getEnvAsInt("MAX_WORKERS", 32),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and in range
func (c *Config) Validate() error {
	if !c.TradingMode.Valid() {
		return fmt.Errorf("TRADING_MODE must be paper or live, got %q", c.TradingMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > 100 {
		return fmt.Errorf("MAX_WORKERS must be between 1 and 100, got %d", c.MaxWorkers)
	}
	if c.Broker.SessionIDStride < 1 {
		return fmt.Errorf("SESSION_ID_STRIDE must be positive")
	}
	if c.Broker.ConnectTimeout <= 0 || c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	if c.Trading.OrderPollInterval <= 0 || c.Trading.OrderTimeout < c.Trading.OrderPollInterval {
		return fmt.Errorf("ORDER_TIMEOUT must be at least ORDER_POLL_INTERVAL")
	}
	if _, _, err := calendar.ParseClock(c.PDT.NextExecutionTime); err != nil {
		return fmt.Errorf("PDT_NEXT_EXECUTION_TIME: %w", err)
	}
	if c.TradingMode == domain.TradingTypeLive && c.BrokerDefaultKind == "tradernet" &&
		(c.TradernetAPIKey == "" || c.TradernetAPISecret == "") {
		return fmt.Errorf("tradernet API credentials required in live mode")
	}
	if err := c.CalculatorParams(0).Validate(); err != nil {
		return fmt.Errorf("invalid trading configuration: %w", err)
	}
	return nil
}

// CalculatorParams builds calculator parameters for an account's cash reserve
func (c *Config) CalculatorParams(cashReservePercent float64) calculator.Params {
	tif, _ := domain.ParseTimeInForce(c.Trading.OrderTIF)
	return calculator.Params{
		CashReservePercent:         cashReservePercent,
		SlippagePercent:            c.Trading.BuySlippagePercent,
		TickSize:                   c.Trading.TickSize,
		TimeInForce:                tif,
		MinimumCashReserve:         c.Trading.MinCashReserveUSD,
		CommissionRate:             c.Trading.CommissionRate,
		MaxAccountUtilization:      c.Trading.MaxAccountUtilization,
		AllocationThresholdPercent: c.Trading.AllocationThresholdPercent,
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated value, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
