// Package queue is the Redis-backed trigger queue: a list of pending
// records, the active-key set that deduplicates them and a sorted set of
// delayed records.
package queue

import (
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

// Default Redis keys
const (
	QueueKey      = "rebalance_queue"
	ActiveSetKey  = "active_events_set"
	DelayedSetKey = "delayed_execution_set"
)

// EventData snapshots the account settings at enqueue time
type EventData struct {
	StrategyName       string  `json:"strategy_name"`
	CashReservePercent float64 `json:"cash_reserve_percent"`
	ReplacementSet     string  `json:"replacement_set,omitempty"`
}

// Record is one queued trigger
type Record struct {
	EventID      string          `json:"event_id"`
	AccountID    string          `json:"account_id"`
	Exec         domain.ExecKind `json:"exec"`
	Source       string          `json:"source,omitempty"`
	TimesQueued  int             `json:"times_queued"`
	CreatedAt    time.Time       `json:"created_at"`
	ReceivedAt   time.Time       `json:"received_at"`
	DelayedUntil *time.Time      `json:"delayed_until,omitempty"`
	Data         EventData       `json:"data"`
}

// Key is the dedup key of the record
func (r *Record) Key() string {
	return domain.DedupKey(r.AccountID, r.Exec)
}

// Command converts the record back into an orchestrator command
func (r *Record) Command() domain.Command {
	return domain.Command{
		AccountID:  r.AccountID,
		ExecKind:   r.Exec,
		Source:     r.Source,
		EventID:    r.EventID,
		ReceivedAt: r.ReceivedAt,
	}
}

// Stats summarizes the queue
type Stats struct {
	Queued  int64 `json:"main_queue"`
	Active  int64 `json:"active_events"`
	Delayed int64 `json:"delayed_queue"`
}
