package broker

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

type cachedSnapshot struct {
	snapshot  *domain.AccountSnapshot
	fetchedAt time.Time
}

// CachedSession wraps a BrokerSession with a per-session snapshot and price
// cache and a timeout on every call. Placing or cancelling an order drops the
// cached snapshot.
type CachedSession struct {
	inner          domain.BrokerSession
	ttl            time.Duration
	requestTimeout time.Duration
	now            func() time.Time

	mu        sync.Mutex
	snapshots map[string]cachedSnapshot
	prices    map[string]domain.ContractPrice
}

// NewCachedSession wraps inner. A ttl of zero disables caching.
func NewCachedSession(inner domain.BrokerSession, ttl, requestTimeout time.Duration) *CachedSession {
	return &CachedSession{
		inner:          inner,
		ttl:            ttl,
		requestTimeout: requestTimeout,
		now:            time.Now,
		snapshots:      make(map[string]cachedSnapshot),
		prices:         make(map[string]domain.ContractPrice),
	}
}

// Unwrap returns the underlying connector
func (c *CachedSession) Unwrap() domain.BrokerSession {
	return c.inner
}

func (c *CachedSession) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// Connect delegates to the connector
func (c *CachedSession) Connect(ctx context.Context) error {
	return c.inner.Connect(ctx)
}

// Disconnect delegates to the connector and clears the cache
func (c *CachedSession) Disconnect(ctx context.Context) error {
	c.ForceRefresh()
	return c.inner.Disconnect(ctx)
}

// IsConnected delegates to the connector
func (c *CachedSession) IsConnected() bool {
	return c.inner.IsConnected()
}

// ForceRefresh drops every cached snapshot and price
func (c *CachedSession) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = make(map[string]cachedSnapshot)
	c.prices = make(map[string]domain.ContractPrice)
}

func (c *CachedSession) invalidateSnapshots() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = make(map[string]cachedSnapshot)
}

func (c *CachedSession) fresh(at time.Time) bool {
	return c.ttl > 0 && c.now().Sub(at) < c.ttl
}

// GetAccountSnapshot returns a cached snapshot younger than the TTL or fetches one
func (c *CachedSession) GetAccountSnapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	c.mu.Lock()
	if cached, ok := c.snapshots[accountID]; ok && c.fresh(cached.fetchedAt) {
		c.mu.Unlock()
		return cached.snapshot.Clone(), nil
	}
	c.mu.Unlock()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	snapshot, err := c.inner.GetAccountSnapshot(ctx, accountID)
	if err != nil {
		return nil, wrapAPI("get_account_snapshot", err)
	}
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = c.now()
	}

	c.mu.Lock()
	c.snapshots[accountID] = cachedSnapshot{snapshot: snapshot.Clone(), fetchedAt: c.now()}
	c.mu.Unlock()

	return snapshot, nil
}

// GetMultiplePrices serves fresh quotes from the cache and fetches the rest in
// one call. The result follows the order of symbols and omits symbols the
// broker did not quote.
func (c *CachedSession) GetMultiplePrices(ctx context.Context, symbols []string) ([]domain.ContractPrice, error) {
	found := make(map[string]domain.ContractPrice, len(symbols))
	var missing []string

	c.mu.Lock()
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok && c.fresh(p.Timestamp) {
			found[s] = p
			continue
		}
		missing = append(missing, s)
	}
	c.mu.Unlock()

	if len(missing) > 0 {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		fetched, err := c.inner.GetMultiplePrices(ctx, missing)
		if err != nil {
			return nil, wrapAPI("get_multiple_prices", err)
		}

		now := c.now()
		c.mu.Lock()
		for _, p := range fetched {
			if p.Timestamp.IsZero() {
				p.Timestamp = now
			}
			found[p.Symbol] = p
			c.prices[p.Symbol] = p
		}
		c.mu.Unlock()
	}

	out := make([]domain.ContractPrice, 0, len(symbols))
	for _, s := range symbols {
		if p, ok := found[s]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// PlaceOrder submits the order and invalidates cached snapshots
func (c *CachedSession) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	defer c.invalidateSnapshots()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.inner.PlaceOrder(ctx, req)
	if err != nil {
		return nil, wrapAPI("place_order", err)
	}
	return res, nil
}

// CancelOrder cancels the order and invalidates cached snapshots
func (c *CachedSession) CancelOrder(ctx context.Context, orderID string) error {
	defer c.invalidateSnapshots()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.inner.CancelOrder(ctx, orderID); err != nil {
		return wrapAPI("cancel_order", err)
	}
	return nil
}

// GetOrderStatus is never cached
func (c *CachedSession) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	status, err := c.inner.GetOrderStatus(ctx, orderID)
	if err != nil {
		return domain.OrderStatusError, wrapAPI("get_order_status", err)
	}
	return status, nil
}

// GetOpenOrders is never cached
func (c *CachedSession) GetOpenOrders(ctx context.Context, accountID string) ([]domain.OpenOrder, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	orders, err := c.inner.GetOpenOrders(ctx, accountID)
	if err != nil {
		return nil, wrapAPI("get_open_orders", err)
	}
	return orders, nil
}

// wrapAPI keeps typed broker errors and wraps everything else as BrokerAPIError
func wrapAPI(op string, err error) error {
	switch err.(type) {
	case *domain.BrokerAPIError, *domain.AuthenticationError, *domain.RateLimitError,
		*domain.OrderExecutionError, *domain.ValidationError:
		return err
	}
	return &domain.BrokerAPIError{Op: op, Err: err}
}

var _ domain.BrokerSession = (*CachedSession)(nil)
