// Package events provides the in-process event bus for execution lifecycle events.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	ExecutionStateChanged      EventType = "EXECUTION_STATE_CHANGED"
	OrderPlaced                EventType = "ORDER_PLACED"
	OrderCompleted             EventType = "ORDER_COMPLETED"
	AccountExecutionCompleted  EventType = "ACCOUNT_EXECUTION_COMPLETED"
	StrategyExecutionCompleted EventType = "STRATEGY_EXECUTION_COMPLETED"
	DedupRejected              EventType = "DEDUP_REJECTED"
)

// Event is one emitted event with its typed payload
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ExecutionStateChangedData reports an account executor transition
type ExecutionStateChangedData struct {
	ExecutionID string `json:"execution_id"`
	AccountID   string `json:"account_id"`
	ExecKind    string `json:"exec"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// EventType returns the event type for ExecutionStateChangedData
func (d *ExecutionStateChangedData) EventType() EventType {
	return ExecutionStateChanged
}

// OrderPlacedData reports an order accepted by the broker
type OrderPlacedData struct {
	AccountID string  `json:"account_id"`
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Quantity  int     `json:"quantity"` // Negative for sells
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price"`
}

// EventType returns the event type for OrderPlacedData
func (d *OrderPlacedData) EventType() EventType {
	return OrderPlaced
}

// OrderCompletedData reports an order reaching a terminal status
type OrderCompletedData struct {
	AccountID string `json:"account_id"`
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
}

// EventType returns the event type for OrderCompletedData
func (d *OrderCompletedData) EventType() EventType {
	return OrderCompleted
}

// AccountExecutionCompletedData summarizes one account execution
type AccountExecutionCompletedData struct {
	ExecutionID  string        `json:"execution_id"`
	AccountID    string        `json:"account_id"`
	StrategyName string        `json:"strategy_name"`
	ExecKind     string        `json:"exec"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	TradeCount   int           `json:"trade_count"`
	TradedValue  float64       `json:"traded_value"`
	TotalValue   float64       `json:"total_value"`
	CashBalance  float64       `json:"cash_balance"`
	Warnings     []string      `json:"warnings,omitempty"`
	NextAllowed  *time.Time    `json:"next_allowed,omitempty"` // Set when blocked by PDT protection
	Duration     time.Duration `json:"duration"`
}

// EventType returns the event type for AccountExecutionCompletedData
func (d *AccountExecutionCompletedData) EventType() EventType {
	return AccountExecutionCompleted
}

// StrategyExecutionCompletedData summarizes a dispatch across accounts
type StrategyExecutionCompletedData struct {
	ExecutionID   string        `json:"execution_id"`
	StrategyName  string        `json:"strategy_name"`
	ExecKind      string        `json:"exec"`
	TotalAccounts int           `json:"total_accounts"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

// EventType returns the event type for StrategyExecutionCompletedData
func (d *StrategyExecutionCompletedData) EventType() EventType {
	return StrategyExecutionCompleted
}

// DedupRejectedData reports a trigger ignored because its key was active
type DedupRejectedData struct {
	Key    string `json:"key"`
	Source string `json:"source,omitempty"`
}

// EventType returns the event type for DedupRejectedData
func (d *DedupRejectedData) EventType() EventType {
	return DedupRejected
}
