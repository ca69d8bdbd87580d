package domain

import (
	"strings"
	"time"
)

// TradingType distinguishes paper accounts from live-money accounts
type TradingType string

const (
	TradingTypePaper TradingType = "paper"
	TradingTypeLive  TradingType = "live"
)

// Valid reports whether t is a known trading type
func (t TradingType) Valid() bool {
	return t == TradingTypePaper || t == TradingTypeLive
}

// ExecKind is the command requested by a trigger
type ExecKind string

const (
	// ExecRebalance computes and executes trades
	ExecRebalance ExecKind = "rebalance"
	// ExecPrintRebalance computes trades without placing orders (preview)
	ExecPrintRebalance ExecKind = "print-rebalance"
)

// Valid reports whether k is a known exec kind
func (k ExecKind) Valid() bool {
	return k == ExecRebalance || k == ExecPrintRebalance
}

// IsPreview reports whether the command never touches orders
func (k ExecKind) IsPreview() bool {
	return k == ExecPrintRebalance
}

// AccountConfig describes one brokerage account subscribed to a strategy.
// Loaded once from configuration and never mutated afterwards.
type AccountConfig struct {
	AccountID            string      `yaml:"account_id" json:"account_id" validate:"required,uppercase,alphanum"`
	TradingType          TradingType `yaml:"type" json:"trading_type" validate:"required,oneof=paper live"`
	Enabled              bool        `yaml:"enabled" json:"enabled"`
	StrategyName         string      `yaml:"strategy_name" json:"strategy_name" validate:"required"`
	CashReservePercent   float64     `yaml:"cash_reserve_percent" json:"cash_reserve_percent" validate:"gte=0,lte=100"`
	ReplacementSet       string      `yaml:"replacement_set,omitempty" json:"replacement_set,omitempty"`
	PDTProtectionEnabled bool        `yaml:"pdt_protection_enabled" json:"pdt_protection_enabled"`
	BrokerKind           string      `yaml:"broker,omitempty" json:"broker_kind,omitempty"`
}

// AllocationItem is one target weight of a strategy
type AllocationItem struct {
	Symbol     string  `json:"symbol"`
	Allocation float64 `json:"allocation"` // Target fraction in [0,1]
}

// ContractPrice is a quote for one instrument
type ContractPrice struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Close     float64   `json:"close"`
	Timestamp time.Time `json:"timestamp"` // When the quote was fetched (cache age)
}

// Mid returns the midpoint of bid and ask, falling back to last
func (p ContractPrice) Mid() float64 {
	if p.Bid > 0 && p.Ask > 0 {
		return (p.Bid + p.Ask) / 2
	}
	if p.Last > 0 {
		return p.Last
	}
	return p.Close
}

// AccountPosition is a holding reported by the broker
type AccountPosition struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"` // Broker-reported; only whole shares are tradable
	MarketPrice float64 `json:"market_price"`
	MarketValue float64 `json:"market_value"`
}

// WholeShares returns the tradable share count
func (p AccountPosition) WholeShares() int {
	if p.Quantity <= 0 {
		return 0
	}
	return int(p.Quantity)
}

// AccountSnapshot is the state of an account at one point in time
type AccountSnapshot struct {
	AccountID   string            `json:"account_id"`
	TotalValue  float64           `json:"total_value"`
	CashBalance float64           `json:"cash_balance"`
	SettledCash float64           `json:"settled_cash"`
	Positions   []AccountPosition `json:"positions"`
	TakenAt     time.Time         `json:"taken_at"`
}

// Clone returns a deep copy so executions never share position slices
func (s *AccountSnapshot) Clone() *AccountSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Positions = append([]AccountPosition(nil), s.Positions...)
	return &c
}

// Position returns the position for symbol, if held
func (s *AccountSnapshot) Position(symbol string) (AccountPosition, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return AccountPosition{}, false
}

// OrderType is the order execution style
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long an order stays working
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// ParseTimeInForce normalizes a configured time-in-force value
func ParseTimeInForce(s string) (TimeInForce, bool) {
	switch TimeInForce(strings.ToUpper(strings.TrimSpace(s))) {
	case TimeInForceDay:
		return TimeInForceDay, true
	case TimeInForceGTC:
		return TimeInForceGTC, true
	}
	return "", false
}

// Trade is one proposed or executed order. Negative quantity sells.
type Trade struct {
	Symbol        string      `json:"symbol"`
	Quantity      int         `json:"quantity"`
	CurrentShares int         `json:"current_shares"`
	TargetValue   float64     `json:"target_value"`
	CurrentValue  float64     `json:"current_value"`
	Price         float64     `json:"price"`
	OrderType     OrderType   `json:"order_type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	OrderID       string      `json:"order_id,omitempty"`
}

// IsSell reports whether the trade reduces a position
func (t Trade) IsSell() bool { return t.Quantity < 0 }

// IsBuy reports whether the trade adds to a position
func (t Trade) IsBuy() bool { return t.Quantity > 0 }

// Notional is the absolute value of the trade at its price
func (t Trade) Notional() float64 {
	q := t.Quantity
	if q < 0 {
		q = -q
	}
	return float64(q) * t.Price
}

// RebalanceResult is the outcome of an executed rebalance
type RebalanceResult struct {
	Orders      []Trade  `json:"orders"`
	TotalValue  float64  `json:"total_value"`
	CashBalance float64  `json:"cash_balance"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// CalculateRebalanceResult is the outcome of a preview
type CalculateRebalanceResult struct {
	ProposedTrades []Trade  `json:"proposed_trades"`
	CurrentValue   float64  `json:"current_value"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// PDTExecutionRecord tracks the last live execution of an account
type PDTExecutionRecord struct {
	AccountID     string    `json:"account_id"`
	LastExecuted  time.Time `json:"last_executed"`
	NextExecution time.Time `json:"next_execution"`
}
