package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
)

const accountsYAML = `
accounts:
  - account_id: DU123456
    type: paper
    strategy_name: all-weather
    cash_reserve_percent: 2
  - account_id: DU999999
    type: paper
    enabled: false
    strategy_name: all-weather
  - account_id: U7654321
    type: live
    strategy_name: all-weather
    replacement_set: ira
    pdt_protection_enabled: true
    broker: Tradernet
  - account_id: DU555555
    type: paper
    strategy_name: momentum
    broker: paper
`

func TestParseAccounts_FiltersByMode(t *testing.T) {
	store, err := ParseAccounts([]byte(accountsYAML), domain.TradingTypePaper)
	require.NoError(t, err)

	assert.Len(t, store.All(), 3)
	assert.Equal(t, 1, store.Skipped())
	_, ok := store.Get("U7654321")
	assert.False(t, ok)

	acct, ok := store.Get("DU123456")
	require.True(t, ok)
	assert.True(t, acct.Enabled)
	assert.Equal(t, 2.0, acct.CashReservePercent)

	byStrategy := store.ByStrategy("all-weather")
	require.Len(t, byStrategy, 1)
	assert.Equal(t, "DU123456", byStrategy[0].AccountID)

	assert.Equal(t, []string{"all-weather", "momentum"}, store.Strategies())
}

func TestParseAccounts_LiveDefaults(t *testing.T) {
	store, err := ParseAccounts([]byte(accountsYAML), domain.TradingTypeLive)
	require.NoError(t, err)

	acct, ok := store.Get("U7654321")
	require.True(t, ok)
	assert.Equal(t, 1.0, acct.CashReservePercent)
	assert.Equal(t, "ira", acct.ReplacementSet)
	assert.Equal(t, "tradernet", acct.BrokerKind)
	assert.True(t, acct.PDTProtectionEnabled)
}

func TestParseAccounts_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"lowercase id", "accounts:\n  - account_id: du1\n    type: paper\n    strategy_name: s\n"},
		{"unknown type", "accounts:\n  - account_id: DU1\n    type: demo\n    strategy_name: s\n"},
		{"missing strategy", "accounts:\n  - account_id: DU1\n    type: paper\n"},
		{"reserve out of range", "accounts:\n  - account_id: DU1\n    type: paper\n    strategy_name: s\n    cash_reserve_percent: 150\n"},
		{"duplicate", "accounts:\n  - account_id: DU1\n    type: paper\n    strategy_name: s\n  - account_id: DU1\n    type: paper\n    strategy_name: s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccounts([]byte(tt.yaml), domain.TradingTypePaper)
			assert.Error(t, err)
		})
	}
}

func TestLoadAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(accountsYAML), 0o644))

	store, err := LoadAccounts(path, domain.TradingTypePaper)
	require.NoError(t, err)
	assert.Equal(t, domain.TradingTypePaper, store.Mode())

	_, err = LoadAccounts(filepath.Join(t.TempDir(), "missing.yaml"), domain.TradingTypePaper)
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TRADING_MODE", "paper")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TradingTypePaper, cfg.TradingMode)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 32, cfg.MaxWorkers)
	assert.Equal(t, 10*time.Second, cfg.Broker.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Broker.PriceCacheTTL)
	assert.Equal(t, 1000, cfg.Broker.SessionIDBase)
	assert.Equal(t, 10, cfg.Broker.SessionIDStride)
	assert.Equal(t, 300*time.Second, cfg.Trading.OrderTimeout)
	assert.Equal(t, 2*time.Second, cfg.Trading.OrderPollInterval)
	assert.Equal(t, "09:30", cfg.PDT.NextExecutionTime)
	assert.Equal(t, "America/New_York", cfg.PDT.MarketTimezone)

	params := cfg.CalculatorParams(1)
	assert.Equal(t, 0.5, params.SlippagePercent)
	assert.Equal(t, domain.TimeInForceDay, params.TimeInForce)
	assert.Equal(t, 1.0, params.CashReservePercent)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TRADING_MODE", "paper")
	t.Setenv("ORDER_TIMEOUT", "120")
	t.Setenv("PRICE_CACHE_TTL", "45s")
	t.Setenv("ORDER_TIF", "gtc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Trading.OrderTimeout)
	assert.Equal(t, 45*time.Second, cfg.Broker.PriceCacheTTL)
	assert.Equal(t, domain.TimeInForceGTC, cfg.CalculatorParams(0).TimeInForce)
}

func TestLoad_InvalidMode(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TRADING_MODE", "demo")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_LiveRequiresCredentials(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TRADING_MODE", "live")
	t.Setenv("TRADERNET_API_KEY", "")
	t.Setenv("TRADERNET_API_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}
