package pdt

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/domain"
	testingpkg "github.com/aristath/rebalancer/internal/testing"
)

func newStore(t *testing.T) (*SQLiteStore, *sql.DB) {
	t.Helper()
	db := testingpkg.NewTestDB(t, "pdt")
	return NewSQLiteStore(db.Conn()), db.Conn()
}

func newGuard(t *testing.T) (*Guard, *calendar.Calendar, *sql.DB) {
	t.Helper()
	cal, err := calendar.New("America/New_York")
	require.NoError(t, err)
	store, conn := newStore(t)
	g, err := NewGuard(store, cal, "09:30", zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	return g, cal, conn
}

func protected(id string) domain.AccountConfig {
	return domain.AccountConfig{
		AccountID:            id,
		TradingType:          domain.TradingTypeLive,
		StrategyName:         "all-weather",
		PDTProtectionEnabled: true,
	}
}

func TestGuard_NoRecordAllows(t *testing.T) {
	g, _, _ := newGuard(t)

	d := g.Check(context.Background(), protected("U1"), time.Now())
	assert.True(t, d.Allowed)
	assert.Nil(t, d.LastExecuted)
}

func TestGuard_SecondExecutionSameDayBlocked(t *testing.T) {
	g, cal, _ := newGuard(t)
	ny := cal.Location()
	ctx := context.Background()
	account := protected("U1")

	// Friday morning
	first := time.Date(2025, 3, 14, 9, 45, 0, 0, ny)
	_, err := g.Record(ctx, account, first)
	require.NoError(t, err)

	d := g.Check(ctx, account, first.Add(3*time.Hour))
	assert.False(t, d.Allowed)
	require.NotNil(t, d.LastExecuted)
	// Next allowed: Monday 09:30 New York
	assert.True(t, time.Date(2025, 3, 17, 9, 30, 0, 0, ny).Equal(d.NextAllowedTime), "got %s", d.NextAllowedTime)

	err = g.Enforce(ctx, account, first.Add(3*time.Hour))
	var blocked *domain.PDTBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "U1", blocked.AccountID)
	assert.Equal(t, "pdt_blocked", domain.ErrorKind(err))

	// Allowed again once the next open is reached
	d = g.Check(ctx, account, time.Date(2025, 3, 17, 9, 30, 0, 0, ny))
	assert.True(t, d.Allowed)
}

func TestGuard_UnprotectedAccountAlwaysAllowed(t *testing.T) {
	g, cal, _ := newGuard(t)
	ctx := context.Background()
	account := protected("U2")

	now := time.Date(2025, 3, 12, 10, 0, 0, 0, cal.Location())
	_, err := g.Record(ctx, account, now)
	require.NoError(t, err)

	account.PDTProtectionEnabled = false
	assert.True(t, g.Check(ctx, account, now.Add(time.Hour)).Allowed)
}

func TestGuard_UnreadableRecordFailsOpen(t *testing.T) {
	g, _, conn := newGuard(t)

	_, err := conn.Exec(`INSERT INTO pdt_executions (account_id, last_executed, next_execution, updated_at)
		VALUES ('U3', 'garbage', 'garbage', 'x')`)
	require.NoError(t, err)

	d := g.Check(context.Background(), protected("U3"), time.Now())
	assert.True(t, d.Allowed)
}

func TestGuard_NextAllowedSkipsHolidays(t *testing.T) {
	g, cal, _ := newGuard(t)
	ny := cal.Location()

	// Wednesday before Thanksgiving 2025
	next := g.NextAllowed(time.Date(2025, 11, 26, 14, 0, 0, 0, ny))
	assert.True(t, time.Date(2025, 11, 28, 9, 30, 0, 0, ny).Equal(next), "got %s", next)
}

func TestSQLiteStore_Upsert(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "U9")
	assert.ErrorIs(t, err, ErrNotFound)

	first := domain.PDTExecutionRecord{
		AccountID:     "U9",
		LastExecuted:  time.Date(2025, 3, 12, 14, 0, 0, 0, time.UTC),
		NextExecution: time.Date(2025, 3, 13, 13, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, first))

	second := first
	second.LastExecuted = first.LastExecuted.Add(24 * time.Hour)
	second.NextExecution = first.NextExecution.Add(24 * time.Hour)
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, "U9")
	require.NoError(t, err)
	assert.True(t, second.LastExecuted.Equal(got.LastExecuted))
	assert.True(t, second.NextExecution.Equal(got.NextExecution))
}
