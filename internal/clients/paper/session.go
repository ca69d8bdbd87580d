package paper

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/aristath/rebalancer/internal/domain"
)

var errNotConnected = errors.New("paper: session not connected")

// Session is one connection to the exchange, bound to an account
type Session struct {
	exchange  *Exchange
	accountID string
	sessionID int
	connected atomic.Bool
}

func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.exchange.mu.Lock()
	err := s.exchange.connectErr
	s.exchange.mu.Unlock()
	if err != nil {
		return err
	}
	s.connected.Store(true)
	return nil
}

func (s *Session) Disconnect(ctx context.Context) error {
	s.connected.Store(false)
	return nil
}

func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

func (s *Session) check(ctx context.Context) error {
	if !s.connected.Load() {
		return errNotConnected
	}
	return ctx.Err()
}

func (s *Session) GetAccountSnapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.exchange.snapshot(accountID)
}

func (s *Session) GetMultiplePrices(ctx context.Context, symbols []string) ([]domain.ContractPrice, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.exchange.prices(symbols), nil
}

func (s *Session) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	accountID := req.AccountID
	if accountID == "" {
		accountID = s.accountID
	}
	return s.exchange.place(accountID, req)
}

func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.exchange.cancel(s.accountID, orderID)
}

func (s *Session) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	if err := s.check(ctx); err != nil {
		return domain.OrderStatusError, err
	}
	return s.exchange.status(s.accountID, orderID), nil
}

func (s *Session) GetOpenOrders(ctx context.Context, accountID string) ([]domain.OpenOrder, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.exchange.openOrders(accountID), nil
}

var _ domain.BrokerSession = (*Session)(nil)
