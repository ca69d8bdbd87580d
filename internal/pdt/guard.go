// Package pdt enforces pattern day trading protection: at most one executed
// rebalance per account per trading day.
package pdt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/domain"
)

// ErrNotFound is returned by a Store when an account has no record
var ErrNotFound = errors.New("pdt record not found")

// Store persists the last execution per account
type Store interface {
	Get(ctx context.Context, accountID string) (*domain.PDTExecutionRecord, error)
	Put(ctx context.Context, record domain.PDTExecutionRecord) error
}

// Decision is the outcome of a PDT check
type Decision struct {
	Allowed         bool
	NextAllowedTime time.Time  // Zero when allowed
	LastExecuted    *time.Time // Nil when no execution is recorded
}

// Guard checks and records executions against the trading calendar
type Guard struct {
	store      Store
	cal        *calendar.Calendar
	openHour   int
	openMinute int
	log        zerolog.Logger
}

// NewGuard creates a guard whose next allowed time is nextExecutionTime
// ("HH:MM", exchange local) on the following trading day
func NewGuard(store Store, cal *calendar.Calendar, nextExecutionTime string, log zerolog.Logger) (*Guard, error) {
	hour, minute, err := calendar.ParseClock(nextExecutionTime)
	if err != nil {
		return nil, err
	}
	return &Guard{
		store:      store,
		cal:        cal,
		openHour:   hour,
		openMinute: minute,
		log:        log.With().Str("component", "pdt_guard").Logger(),
	}, nil
}

// Check decides whether account may execute at now. Accounts without
// protection are always allowed. Unreadable records fail open.
func (g *Guard) Check(ctx context.Context, account domain.AccountConfig, now time.Time) Decision {
	if !account.PDTProtectionEnabled {
		return Decision{Allowed: true}
	}

	record, err := g.store.Get(ctx, account.AccountID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.log.Warn().Err(err).Str("account_id", account.AccountID).
				Msg("Unreadable PDT record, allowing execution")
		}
		return Decision{Allowed: true}
	}

	last := record.LastExecuted
	if !now.Before(record.NextExecution) {
		g.log.Debug().
			Str("account_id", account.AccountID).
			Time("last_executed", last).
			Msg("PDT check passed")
		return Decision{Allowed: true, LastExecuted: &last}
	}

	g.log.Warn().
		Str("account_id", account.AccountID).
		Time("last_executed", last).
		Time("next_allowed", record.NextExecution).
		Msg("PDT check blocked execution")

	return Decision{
		Allowed:         false,
		NextAllowedTime: record.NextExecution,
		LastExecuted:    &last,
	}
}

// Enforce returns a PDTBlockedError when Check disallows the execution
func (g *Guard) Enforce(ctx context.Context, account domain.AccountConfig, now time.Time) error {
	d := g.Check(ctx, account, now)
	if d.Allowed {
		return nil
	}
	return &domain.PDTBlockedError{AccountID: account.AccountID, NextAllowed: d.NextAllowedTime}
}

// Record stores a successful execution at now. The next allowed time is the
// configured open time on the next trading day.
func (g *Guard) Record(ctx context.Context, account domain.AccountConfig, now time.Time) (domain.PDTExecutionRecord, error) {
	record := domain.PDTExecutionRecord{
		AccountID:     account.AccountID,
		LastExecuted:  now.UTC(),
		NextExecution: g.NextAllowed(now),
	}
	if err := g.store.Put(ctx, record); err != nil {
		return record, fmt.Errorf("failed to record PDT execution for %s: %w", account.AccountID, err)
	}

	g.log.Info().
		Str("account_id", account.AccountID).
		Time("next_allowed", record.NextExecution).
		Msg("Recorded execution for PDT protection")
	return record, nil
}

// NextAllowed returns the open time on the trading day after now
func (g *Guard) NextAllowed(now time.Time) time.Time {
	return g.cal.NextOpenAfter(now, g.openHour, g.openMinute)
}

// Lookup returns the stored record for an account, if any
func (g *Guard) Lookup(ctx context.Context, accountID string) (*domain.PDTExecutionRecord, error) {
	return g.store.Get(ctx, accountID)
}
