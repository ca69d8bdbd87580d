// Package paper provides an in-memory simulated broker. Accounts, quotes and
// orders live in an Exchange shared by every session it creates.
package paper

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/domain"
)

// Kind is the broker_kind served by the simulated exchange
const Kind = "paper"

// ErrUnknownAccount is returned for accounts never seeded on the exchange
var ErrUnknownAccount = errors.New("paper: unknown account")

type account struct {
	cash      float64
	positions map[string]float64
}

type order struct {
	id        int64
	accountID string
	req       domain.OrderRequest
	status    domain.OrderStatus
	fillPrice float64
	placedAt  time.Time
}

// Options tune the simulation
type Options struct {
	// ManualFill keeps every accepted order WORKING until Fill or Match is called
	ManualFill bool
	// DefaultCash seeds accounts that were not seeded explicitly. Zero means unknown
	// accounts are rejected.
	DefaultCash float64
}

// Exchange is the shared simulated market
type Exchange struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	accounts   map[string]*account
	quotes     map[string]domain.ContractPrice
	orders     map[int64]*order
	rejections map[string]string
	connectErr error
	history    []domain.OrderRequest
	nextID     int64
	now        func() time.Time
}

// NewExchange creates an empty exchange
func NewExchange(opts Options, log zerolog.Logger) *Exchange {
	return &Exchange{
		opts:       opts,
		log:        log.With().Str("component", "paper_exchange").Logger(),
		accounts:   make(map[string]*account),
		quotes:     make(map[string]domain.ContractPrice),
		orders:     make(map[int64]*order),
		rejections: make(map[string]string),
		nextID:     1,
		now:        time.Now,
	}
}

// Factory returns a BrokerFactory producing sessions on this exchange
func (e *Exchange) Factory() domain.BrokerFactory {
	return func(acct domain.AccountConfig, sessionID int) (domain.BrokerSession, error) {
		return &Session{exchange: e, accountID: acct.AccountID, sessionID: sessionID}, nil
	}
}

// SeedAccount sets the cash and whole or fractional holdings of an account
func (e *Exchange) SeedAccount(accountID string, cash float64, positions map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := make(map[string]float64, len(positions))
	for s, q := range positions {
		pos[s] = q
	}
	e.accounts[accountID] = &account{cash: cash, positions: pos}
}

// SetQuote publishes a bid/ask for symbol. Working limit orders are matched
// against the new quote unless fills are manual.
func (e *Exchange) SetQuote(symbol string, bid, ask float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotes[symbol] = domain.ContractPrice{Symbol: symbol, Bid: bid, Ask: ask, Last: (bid + ask) / 2, Close: (bid + ask) / 2}
	if !e.opts.ManualFill {
		e.matchLocked()
	}
}

// RejectSymbol makes every order for symbol end REJECTED with reason
func (e *Exchange) RejectSymbol(symbol, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejections[symbol] = reason
}

// FailConnect makes the next sessions fail to connect with err. Nil restores connects.
func (e *Exchange) FailConnect(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectErr = err
}

// Fill executes a working order at the current quote regardless of its limit
func (e *Exchange) Fill(orderID string) error {
	id, err := domain.ParseOrderID(orderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("paper: order %s not found", orderID)
	}
	if o.status.IsTerminal() {
		return fmt.Errorf("paper: order %s already %s", orderID, o.status)
	}
	q := e.quotes[o.req.Symbol]
	price := q.Ask
	if o.req.Quantity < 0 {
		price = q.Bid
	}
	e.executeLocked(o, price)
	return nil
}

// SetOrderStatus forces an order into status without touching balances
func (e *Exchange) SetOrderStatus(orderID string, status domain.OrderStatus) error {
	id, err := domain.ParseOrderID(orderID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("paper: order %s not found", orderID)
	}
	o.status = status
	return nil
}

// Match fills every working order that is marketable at the current quotes
func (e *Exchange) Match() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matchLocked()
}

// History returns every order request received, in arrival order
func (e *Exchange) History() []domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.OrderRequest(nil), e.history...)
}

// Position returns the holding of symbol in an account
func (e *Exchange) Position(accountID, symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[accountID]; ok {
		return a.positions[symbol]
	}
	return 0
}

// Cash returns the cash balance of an account
func (e *Exchange) Cash(accountID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.accounts[accountID]; ok {
		return a.cash
	}
	return 0
}

func (e *Exchange) accountLocked(accountID string) (*account, error) {
	a, ok := e.accounts[accountID]
	if ok {
		return a, nil
	}
	if e.opts.DefaultCash > 0 {
		a = &account{cash: e.opts.DefaultCash, positions: make(map[string]float64)}
		e.accounts[accountID] = a
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
}

func (e *Exchange) snapshot(accountID string) (*domain.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.accountLocked(accountID)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(a.positions))
	for s, q := range a.positions {
		if q != 0 {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	snap := &domain.AccountSnapshot{
		AccountID:   accountID,
		CashBalance: a.cash,
		SettledCash: a.cash,
		TakenAt:     e.now(),
	}
	total := a.cash
	for _, s := range symbols {
		q := a.positions[s]
		price := e.quotes[s].Mid()
		value := q * price
		total += value
		snap.Positions = append(snap.Positions, domain.AccountPosition{
			Symbol:      s,
			Quantity:    q,
			MarketPrice: price,
			MarketValue: value,
		})
	}
	snap.TotalValue = total
	return snap, nil
}

func (e *Exchange) prices(symbols []string) []domain.ContractPrice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ContractPrice, 0, len(symbols))
	now := e.now()
	for _, s := range symbols {
		if q, ok := e.quotes[s]; ok {
			q.Timestamp = now
			out = append(out, q)
		}
	}
	return out
}

func (e *Exchange) place(accountID string, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Quantity == 0 {
		return nil, domain.NewValidationError("quantity", "must not be zero")
	}
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return nil, domain.NewValidationError("limit_price", "required for limit orders")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.accountLocked(accountID); err != nil {
		return nil, err
	}
	if _, ok := e.quotes[req.Symbol]; !ok {
		return nil, &domain.OrderExecutionError{Symbol: req.Symbol, Message: "no quote for symbol"}
	}

	e.history = append(e.history, req)
	o := &order{
		id:        e.nextID,
		accountID: accountID,
		req:       req,
		status:    domain.OrderStatusWorking,
		placedAt:  e.now(),
	}
	e.nextID++
	e.orders[o.id] = o

	if reason, ok := e.rejections[req.Symbol]; ok {
		o.status = domain.OrderStatusRejected
		e.log.Debug().Str("symbol", req.Symbol).Str("reason", reason).Msg("Order rejected")
	} else if !e.opts.ManualFill {
		e.tryFillLocked(o)
	}

	return &domain.OrderResult{
		OrderID:  domain.FormatOrderID(o.id),
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Status:   o.status,
	}, nil
}

func (e *Exchange) matchLocked() int {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.status == domain.OrderStatusWorking {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	filled := 0
	for _, id := range ids {
		if e.tryFillLocked(e.orders[id]) {
			filled++
		}
	}
	return filled
}

// tryFillLocked fills o when it is marketable. Market orders always are.
func (e *Exchange) tryFillLocked(o *order) bool {
	q := e.quotes[o.req.Symbol]
	buy := o.req.Quantity > 0

	price := q.Ask
	if !buy {
		price = q.Bid
	}
	if price <= 0 {
		return false
	}
	if o.req.OrderType == domain.OrderTypeLimit {
		if buy && o.req.LimitPrice < price {
			return false
		}
		if !buy && o.req.LimitPrice > price {
			return false
		}
	}
	return e.executeLocked(o, price)
}

func (e *Exchange) executeLocked(o *order, price float64) bool {
	a := e.accounts[o.accountID]
	qty := float64(o.req.Quantity)
	cost := qty * price

	if qty > 0 && cost > a.cash+1e-9 {
		o.status = domain.OrderStatusRejected
		return false
	}
	if qty < 0 && -qty > a.positions[o.req.Symbol]+1e-9 {
		o.status = domain.OrderStatusRejected
		return false
	}

	a.cash -= cost
	a.positions[o.req.Symbol] += qty
	if a.positions[o.req.Symbol] == 0 {
		delete(a.positions, o.req.Symbol)
	}
	o.status = domain.OrderStatusFilled
	o.fillPrice = price
	return true
}

func (e *Exchange) cancel(accountID, orderID string) error {
	id, err := domain.ParseOrderID(orderID)
	if err != nil {
		return domain.NewValidationError("order_id", err.Error())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.accountID != accountID {
		return &domain.OrderExecutionError{OrderID: orderID, Status: domain.OrderStatusNotFound, Message: "order not found"}
	}
	if o.status.IsTerminal() {
		return nil
	}
	o.status = domain.OrderStatusCancelled
	return nil
}

func (e *Exchange) status(accountID, orderID string) domain.OrderStatus {
	id, err := domain.ParseOrderID(orderID)
	if err != nil {
		return domain.OrderStatusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.accountID != accountID {
		return domain.OrderStatusNotFound
	}
	return o.status
}

func (e *Exchange) openOrders(accountID string) []domain.OpenOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range e.orders {
		if o.accountID == accountID && !o.status.IsTerminal() {
			out = append(out, domain.OpenOrder{
				OrderID:  domain.FormatOrderID(o.id),
				Symbol:   o.req.Symbol,
				Quantity: o.req.Quantity,
				Status:   o.status,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].OrderID) != len(out[j].OrderID) {
			return len(out[i].OrderID) < len(out[j].OrderID)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
