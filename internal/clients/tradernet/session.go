// Package tradernet adapts the Tradernet SDK to the broker session interface.
package tradernet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/clients/tradernet/sdk"
	"github.com/aristath/rebalancer/internal/domain"
)

// Kind is the broker_kind served by this connector
const Kind = "tradernet"

// Options tune the session adapter
type Options struct {
	Currency          string  // Cash currency reported as the balance
	SyntheticAskDelta float64 // Added to bid when a quote has no ask
}

// DefaultOptions returns USD cash and a one-unit synthetic ask
func DefaultOptions() Options {
	return Options{Currency: "USD", SyntheticAskDelta: 1.0}
}

// Session implements domain.BrokerSession over a shared SDK client
type Session struct {
	client    *sdk.Client
	accountID string
	sessionID int
	opts      Options
	connected atomic.Bool
	log       zerolog.Logger
}

// NewFactory returns a factory whose sessions share client and its rate limiter
func NewFactory(client *sdk.Client, opts Options, log zerolog.Logger) domain.BrokerFactory {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return func(account domain.AccountConfig, sessionID int) (domain.BrokerSession, error) {
		return &Session{
			client:    client,
			accountID: account.AccountID,
			sessionID: sessionID,
			opts:      opts,
			log: log.With().
				Str("client", "tradernet").
				Str("account_id", account.AccountID).
				Int("session_id", sessionID).
				Logger(),
		}, nil
	}
}

// Connect verifies the keypair with a user info call
func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.client.UserInfo(ctx); err != nil {
		return mapError(err)
	}
	s.connected.Store(true)
	s.log.Debug().Msg("Connected")
	return nil
}

// Disconnect marks the session closed. The HTTP API is stateless.
func (s *Session) Disconnect(ctx context.Context) error {
	s.connected.Store(false)
	return nil
}

func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

func (s *Session) GetAccountSnapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	result, err := s.client.AccountSummary(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	positions, err := transformPositions(result)
	if err != nil {
		return nil, &domain.BrokerAPIError{Op: "get_account_snapshot", Err: err}
	}
	cash, err := transformCash(result, s.opts.Currency)
	if err != nil {
		return nil, &domain.BrokerAPIError{Op: "get_account_snapshot", Err: err}
	}

	total := cash
	for _, p := range positions {
		total += p.MarketValue
	}

	return &domain.AccountSnapshot{
		AccountID:   accountID,
		TotalValue:  total,
		CashBalance: cash,
		SettledCash: cash,
		Positions:   positions,
	}, nil
}

func (s *Session) GetMultiplePrices(ctx context.Context, symbols []string) ([]domain.ContractPrice, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	result, err := s.client.GetQuotes(ctx, symbols)
	if err != nil {
		return nil, mapError(err)
	}
	return transformQuotes(result, s.opts.SyntheticAskDelta), nil
}

func (s *Session) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	duration := "day"
	if req.TimeInForce == domain.TimeInForceGTC {
		duration = "gtc"
	}

	var limit *float64
	if req.OrderType == domain.OrderTypeLimit {
		price := req.LimitPrice
		limit = &price
	}

	result, err := s.client.Trade(ctx, req.Symbol, req.Quantity, limit, duration)
	if err != nil {
		var apiErr *sdk.APIError
		if errors.As(err, &apiErr) {
			return nil, &domain.OrderExecutionError{Symbol: req.Symbol, Status: domain.OrderStatusRejected, Message: apiErr.Message, Err: err}
		}
		return nil, mapError(err)
	}

	orderID, ok := extractOrderID(result)
	if !ok {
		return nil, &domain.OrderExecutionError{Symbol: req.Symbol, Message: "response carried no order id"}
	}

	s.log.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Int("quantity", req.Quantity).
		Str("order_type", string(req.OrderType)).
		Msg("Order placed")

	return &domain.OrderResult{
		OrderID:  orderID,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Status:   domain.OrderStatusPending,
	}, nil
}

func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	id, err := domain.ParseOrderID(orderID)
	if err != nil {
		return domain.NewValidationError("order_id", err.Error())
	}
	if _, err := s.client.Cancel(ctx, id); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Session) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	result, err := s.client.GetPlaced(ctx, false)
	if err != nil {
		return domain.OrderStatusError, mapError(err)
	}
	for _, o := range transformOrders(result) {
		if o.OrderID == orderID {
			return o.Status, nil
		}
	}
	return domain.OrderStatusNotFound, nil
}

func (s *Session) GetOpenOrders(ctx context.Context, accountID string) ([]domain.OpenOrder, error) {
	result, err := s.client.GetPlaced(ctx, true)
	if err != nil {
		return nil, mapError(err)
	}
	var open []domain.OpenOrder
	for _, o := range transformOrders(result) {
		if !o.Status.IsTerminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

// mapError converts SDK failures into the domain error taxonomy
func mapError(err error) error {
	var statusErr *sdk.StatusError
	switch {
	case errors.Is(err, sdk.ErrInvalidKeypair), errors.Is(err, sdk.ErrUnauthorized):
		return &domain.AuthenticationError{BrokerKind: Kind, Err: err}
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{BrokerKind: Kind, RetryAfter: statusErr.RetryAfter}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("tradernet request aborted: %w", err)
	}
	return err
}

var _ domain.BrokerSession = (*Session)(nil)
