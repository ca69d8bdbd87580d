package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/aristath/rebalancer/internal/domain"
)

// accountsFile is the on-disk layout of accounts.yaml
type accountsFile struct {
	Accounts []accountEntry `yaml:"accounts"`
}

// accountEntry carries pointer fields so absent keys take their defaults
type accountEntry struct {
	AccountID            string   `yaml:"account_id"`
	Type                 string   `yaml:"type"`
	Enabled              *bool    `yaml:"enabled"`
	StrategyName         string   `yaml:"strategy_name"`
	CashReservePercent   *float64 `yaml:"cash_reserve_percent"`
	ReplacementSet       string   `yaml:"replacement_set"`
	PDTProtectionEnabled bool     `yaml:"pdt_protection_enabled"`
	Broker               string   `yaml:"broker"`
}

const defaultCashReservePercent = 1.0

// NewValidator returns a validator that reports fields by their json names
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// AccountStore is the read-only account registry, filtered to one trading mode
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]domain.AccountConfig
	order    []string
	mode     domain.TradingType
	skipped  int // Accounts of the other trading mode
}

// LoadAccounts reads and validates accounts.yaml, keeping only accounts whose
// type matches mode
func LoadAccounts(path string, mode domain.TradingType) (*AccountStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data, mode)
}

// ParseAccounts decodes accounts YAML
func ParseAccounts(data []byte, mode domain.TradingType) (*AccountStore, error) {
	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	v := NewValidator()
	store := &AccountStore{
		accounts: make(map[string]domain.AccountConfig, len(file.Accounts)),
		mode:     mode,
	}

	seen := make(map[string]bool, len(file.Accounts))
	for i, entry := range file.Accounts {
		account := entry.toConfig()
		if err := v.Struct(account); err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i, entry.AccountID, err)
		}
		if seen[account.AccountID] {
			return nil, fmt.Errorf("duplicate account_id %s", account.AccountID)
		}
		seen[account.AccountID] = true

		if account.TradingType != mode {
			store.skipped++
			continue
		}
		store.accounts[account.AccountID] = account
		store.order = append(store.order, account.AccountID)
	}

	return store, nil
}

func (e accountEntry) toConfig() domain.AccountConfig {
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	reserve := defaultCashReservePercent
	if e.CashReservePercent != nil {
		reserve = *e.CashReservePercent
	}
	return domain.AccountConfig{
		AccountID:            strings.TrimSpace(e.AccountID),
		TradingType:          domain.TradingType(strings.ToLower(strings.TrimSpace(e.Type))),
		Enabled:              enabled,
		StrategyName:         strings.TrimSpace(e.StrategyName),
		CashReservePercent:   reserve,
		ReplacementSet:       strings.TrimSpace(e.ReplacementSet),
		PDTProtectionEnabled: e.PDTProtectionEnabled,
		BrokerKind:           strings.ToLower(strings.TrimSpace(e.Broker)),
	}
}

// Get returns an eligible account by id
func (s *AccountStore) Get(accountID string) (domain.AccountConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	return a, ok
}

// ByStrategy returns the enabled accounts of a strategy in file order
func (s *AccountStore) ByStrategy(strategyName string) []domain.AccountConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AccountConfig
	for _, id := range s.order {
		a := s.accounts[id]
		if a.Enabled && a.StrategyName == strategyName {
			out = append(out, a)
		}
	}
	return out
}

// All returns every eligible account in file order
func (s *AccountStore) All() []domain.AccountConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AccountConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.accounts[id])
	}
	return out
}

// Strategies returns the distinct strategies with at least one enabled account
func (s *AccountStore) Strategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]bool)
	for _, a := range s.accounts {
		if a.Enabled {
			set[a.StrategyName] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Mode returns the trading mode the store was filtered to
func (s *AccountStore) Mode() domain.TradingType {
	return s.mode
}

// Skipped returns how many accounts were excluded by trading mode
func (s *AccountStore) Skipped() int {
	return s.skipped
}
