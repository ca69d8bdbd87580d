package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
)

type fakeSession struct {
	connectErr   error
	connectDelay time.Duration

	connected     atomic.Bool
	disconnects   atomic.Int32
	snapshotCalls atomic.Int32
	priceCalls    atomic.Int32

	mu             sync.Mutex
	requestedPrice [][]string
}

func (f *fakeSession) Connect(ctx context.Context) error {
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	f.connected.Store(false)
	return nil
}

func (f *fakeSession) IsConnected() bool { return f.connected.Load() }

func (f *fakeSession) GetAccountSnapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	f.snapshotCalls.Add(1)
	return &domain.AccountSnapshot{AccountID: accountID, TotalValue: 1000, CashBalance: 1000, SettledCash: 1000}, nil
}

func (f *fakeSession) GetMultiplePrices(ctx context.Context, symbols []string) ([]domain.ContractPrice, error) {
	f.priceCalls.Add(1)
	f.mu.Lock()
	f.requestedPrice = append(f.requestedPrice, append([]string(nil), symbols...))
	f.mu.Unlock()
	out := make([]domain.ContractPrice, 0, len(symbols))
	for _, s := range symbols {
		if s == "UNKNOWN" {
			continue
		}
		out = append(out, domain.ContractPrice{Symbol: s, Bid: 10, Ask: 10.5})
	}
	return out, nil
}

func (f *fakeSession) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	return &domain.OrderResult{OrderID: "1", Symbol: req.Symbol, Quantity: req.Quantity, Status: domain.OrderStatusPending}, nil
}

func (f *fakeSession) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeSession) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	return domain.OrderStatusFilled, nil
}

func (f *fakeSession) GetOpenOrders(ctx context.Context, accountID string) ([]domain.OpenOrder, error) {
	return nil, errors.New("boom")
}

func newTestManager(t *testing.T, sessions map[string]*fakeSession) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	m := NewManager(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	m.Register("fake", func(account domain.AccountConfig, sessionID int) (domain.BrokerSession, error) {
		if s, ok := sessions[account.AccountID]; ok {
			return s, nil
		}
		return &fakeSession{}, nil
	})
	return m
}

func account(id string) domain.AccountConfig {
	return domain.AccountConfig{AccountID: id, TradingType: domain.TradingTypePaper, Enabled: true, StrategyName: "s", BrokerKind: "fake"}
}

func TestManager_AcquireRelease(t *testing.T) {
	fake := &fakeSession{}
	m := newTestManager(t, map[string]*fakeSession{"A1": fake})

	var gauge atomic.Int32
	m.OnOpenSessionsChanged(func(open int) { gauge.Store(int32(open)) })

	h, err := m.Acquire(context.Background(), account("A1"), m.SessionID(0))
	require.NoError(t, err)
	assert.Equal(t, 1000, h.SessionID)
	assert.Equal(t, "fake", h.Kind)
	assert.True(t, fake.IsConnected())
	assert.Equal(t, 1, m.OpenCount())
	assert.Equal(t, int32(1), gauge.Load())

	infos := m.Open()
	require.Len(t, infos, 1)
	assert.Equal(t, "A1", infos[0].AccountID)

	m.Release(h)
	m.Release(h)
	assert.Equal(t, int32(1), fake.disconnects.Load(), "release is idempotent")
	assert.Equal(t, 0, m.OpenCount())
	assert.Equal(t, int32(0), gauge.Load())
}

func TestManager_SessionID(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, 1000, m.SessionID(0))
	assert.Equal(t, 1010, m.SessionID(1))
	assert.Equal(t, 1090, m.SessionID(9))
}

func TestManager_UnsupportedBroker(t *testing.T) {
	m := newTestManager(t, nil)
	acct := account("A1")
	acct.BrokerKind = "carrier-pigeon"

	_, err := m.Acquire(context.Background(), acct, 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedBroker)
	assert.Equal(t, "validation", domain.ErrorKind(err))
}

func TestManager_DefaultKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultKind = "FAKE"
	m := NewManager(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	m.Register("fake", func(account domain.AccountConfig, sessionID int) (domain.BrokerSession, error) {
		return &fakeSession{}, nil
	})

	acct := account("A1")
	acct.BrokerKind = ""
	h, err := m.Acquire(context.Background(), acct, 1000)
	require.NoError(t, err)
	assert.Equal(t, "fake", h.Kind)
	m.Release(h)
	assert.Equal(t, []string{"fake"}, m.Kinds())
}

func TestManager_ConnectFailure(t *testing.T) {
	fake := &fakeSession{connectErr: errors.New("gateway down")}
	m := newTestManager(t, map[string]*fakeSession{"A1": fake})

	_, err := m.Acquire(context.Background(), account("A1"), 1000)
	var connErr *domain.BrokerConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "A1", connErr.AccountID)
	assert.Equal(t, 1000, connErr.SessionID)
	assert.Equal(t, 0, m.OpenCount())
	assert.Equal(t, int32(1), fake.disconnects.Load())
}

func TestManager_ConnectTimeout(t *testing.T) {
	fake := &fakeSession{connectDelay: time.Second}
	m := newTestManager(t, map[string]*fakeSession{"A1": fake})

	start := time.Now()
	_, err := m.Acquire(context.Background(), account("A1"), 1000)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, "broker_connection", domain.ErrorKind(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestManager_AuthenticationKindSurvivesWrapping(t *testing.T) {
	fake := &fakeSession{connectErr: &domain.AuthenticationError{BrokerKind: "fake", Err: errors.New("expired")}}
	m := newTestManager(t, map[string]*fakeSession{"A1": fake})

	_, err := m.Acquire(context.Background(), account("A1"), 1000)
	assert.Equal(t, "authentication", domain.ErrorKind(err))
}

func TestManager_WithSessionReleasesOnErrorAndPanic(t *testing.T) {
	fake := &fakeSession{}
	m := newTestManager(t, map[string]*fakeSession{"A1": fake})

	err := m.WithSession(context.Background(), account("A1"), 1000, func(ctx context.Context, h *Handle) error {
		return errors.New("work failed")
	})
	assert.EqualError(t, err, "work failed")
	assert.Equal(t, int32(1), fake.disconnects.Load())

	err = m.WithSession(context.Background(), account("A1"), 1000, func(ctx context.Context, h *Handle) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, int32(2), fake.disconnects.Load())
	assert.Equal(t, 0, m.OpenCount())
}

func TestManager_CloseAll(t *testing.T) {
	sessions := map[string]*fakeSession{"A1": {}, "A2": {}, "A3": {}}
	m := newTestManager(t, sessions)

	var handles []*Handle
	for i, id := range []string{"A1", "A2", "A3"} {
		h, err := m.Acquire(context.Background(), account(id), m.SessionID(i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	m.Release(handles[0])

	assert.Equal(t, 2, m.CloseAll())
	assert.Equal(t, 0, m.OpenCount())
	assert.Equal(t, 0, m.CloseAll())
	for _, s := range sessions {
		assert.Equal(t, int32(1), s.disconnects.Load())
	}
}

func TestCachedSession_SnapshotTTL(t *testing.T) {
	fake := &fakeSession{}
	cs := NewCachedSession(fake, 30*time.Second, time.Second)
	now := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cs.GetAccountSnapshot(ctx, "A1")
	require.NoError(t, err)
	_, err = cs.GetAccountSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.snapshotCalls.Load())

	now = now.Add(31 * time.Second)
	_, err = cs.GetAccountSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.snapshotCalls.Load())

	_, err = cs.PlaceOrder(ctx, domain.OrderRequest{Symbol: "SPY", Quantity: 1, OrderType: domain.OrderTypeMarket})
	require.NoError(t, err)
	_, err = cs.GetAccountSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fake.snapshotCalls.Load(), "orders invalidate the snapshot")
}

func TestCachedSession_SnapshotIsCopied(t *testing.T) {
	cs := NewCachedSession(&fakeSession{}, time.Minute, time.Second)
	snap, err := cs.GetAccountSnapshot(context.Background(), "A1")
	require.NoError(t, err)
	snap.CashBalance = -1

	again, err := cs.GetAccountSnapshot(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 1000.0, again.CashBalance)
}

func TestCachedSession_PricesFetchOnlyMissing(t *testing.T) {
	fake := &fakeSession{}
	cs := NewCachedSession(fake, time.Minute, time.Second)
	ctx := context.Background()

	prices, err := cs.GetMultiplePrices(ctx, []string{"SPY", "AGG"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, "SPY", prices[0].Symbol)
	assert.False(t, prices[0].Timestamp.IsZero())

	prices, err = cs.GetMultiplePrices(ctx, []string{"AGG", "QQQ", "UNKNOWN"})
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, []string{"AGG", "QQQ"}, []string{prices[0].Symbol, prices[1].Symbol})

	assert.Equal(t, [][]string{{"SPY", "AGG"}, {"QQQ", "UNKNOWN"}}, fake.requestedPrice)

	cs.ForceRefresh()
	_, err = cs.GetMultiplePrices(ctx, []string{"SPY"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), fake.priceCalls.Load())
}

func TestCachedSession_WrapsAPIErrors(t *testing.T) {
	cs := NewCachedSession(&fakeSession{}, 0, time.Second)
	_, err := cs.GetOpenOrders(context.Background(), "A1")
	var apiErr *domain.BrokerAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "get_open_orders", apiErr.Op)
}
