package domain

import (
	"fmt"
	"time"
)

// Command is the canonical trigger consumed by the orchestrator.
// Exactly one of AccountID or StrategyName is set. Accounts optionally
// narrows a strategy command to a subset of its accounts.
type Command struct {
	AccountID    string
	StrategyName string
	Accounts     []string
	ExecKind     ExecKind
	Source       string
	EventID      string
	ReceivedAt   time.Time
}

// Validate checks that the command targets something and has a known kind
func (c Command) Validate() error {
	if c.AccountID == "" && c.StrategyName == "" {
		return NewValidationError("command", "either account_id or strategy_name is required")
	}
	if c.AccountID != "" && c.StrategyName != "" {
		return NewValidationError("command", "account_id and strategy_name are mutually exclusive")
	}
	if c.AccountID != "" && len(c.Accounts) > 0 {
		return NewValidationError("accounts", "accounts only narrows a strategy command")
	}
	if !c.ExecKind.Valid() {
		return NewValidationError("exec", fmt.Sprintf("unknown exec kind %q", c.ExecKind))
	}
	return nil
}

// DedupKey is the active-event key for one account and command kind
func DedupKey(accountID string, kind ExecKind) string {
	return accountID + ":" + string(kind)
}
