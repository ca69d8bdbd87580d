// Package executor runs one rebalance for one account: PDT check, session,
// snapshot, calculation, then sells strictly before buys.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/modules/rebalancing/calculator"
)

const module = "executor"

// PDTGuard checks and records live executions
type PDTGuard interface {
	Enforce(ctx context.Context, account domain.AccountConfig, now time.Time) error
	Record(ctx context.Context, account domain.AccountConfig, now time.Time) (domain.PDTExecutionRecord, error)
}

// Replacer rewrites allocations through a named replacement set
type Replacer interface {
	Apply(allocations []domain.AllocationItem, setName string) []domain.AllocationItem
}

// SessionProvider scopes a broker session to a function
type SessionProvider interface {
	WithSession(ctx context.Context, account domain.AccountConfig, sessionID int, fn func(ctx context.Context, h *broker.Handle) error) error
}

// Config holds order-wait timing and the calculator baseline
type Config struct {
	Params              calculator.Params // CashReservePercent is replaced per account
	OrderTimeout        time.Duration
	PollInterval        time.Duration
	PostCompletionDelay time.Duration
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		Params:              calculator.DefaultParams(1.0),
		OrderTimeout:        300 * time.Second,
		PollInterval:        2 * time.Second,
		PostCompletionDelay: time.Second,
	}
}

// Request identifies one account execution
type Request struct {
	ExecutionID string
	Account     domain.AccountConfig
	ExecKind    domain.ExecKind
	SessionID   int
}

// AccountResult is the structured outcome of one account execution. It is
// produced on every path, success or failure.
type AccountResult struct {
	ExecutionID  string                           `json:"execution_id"`
	AccountID    string                           `json:"account_id"`
	StrategyName string                           `json:"strategy_name"`
	ExecKind     domain.ExecKind                  `json:"exec"`
	SessionID    int                              `json:"session_id"`
	Success      bool                             `json:"success"`
	Error        string                           `json:"error,omitempty"`
	ErrorKind    string                           `json:"error_kind,omitempty"`
	FinalState   State                            `json:"final_state"`
	Rebalance    *domain.RebalanceResult          `json:"rebalance,omitempty"`
	Preview      *domain.CalculateRebalanceResult `json:"preview,omitempty"`
	NextAllowed  *time.Time                       `json:"next_allowed,omitempty"`
	StartedAt    time.Time                        `json:"started_at"`
	Duration     time.Duration                    `json:"duration"`
}

// Trades returns the executed or proposed trades
func (r *AccountResult) Trades() []domain.Trade {
	switch {
	case r.Rebalance != nil:
		return r.Rebalance.Orders
	case r.Preview != nil:
		return r.Preview.ProposedTrades
	}
	return nil
}

// Warnings returns the warnings of whichever result is present
func (r *AccountResult) Warnings() []string {
	switch {
	case r.Rebalance != nil:
		return r.Rebalance.Warnings
	case r.Preview != nil:
		return r.Preview.Warnings
	}
	return nil
}

// Executor runs account executions. It is safe for concurrent use; every
// execution owns its own session and state machine.
type Executor struct {
	sessions     SessionProvider
	allocations  domain.AllocationProvider
	replacements Replacer
	guard        PDTGuard
	events       *events.Manager
	cfg          Config
	now          func() time.Time
	log          zerolog.Logger
}

// New creates an executor. replacements, guard and em may be nil.
func New(sessions SessionProvider, allocations domain.AllocationProvider, replacements Replacer, guard PDTGuard, em *events.Manager, cfg Config, log zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = def.OrderTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Executor{
		sessions:     sessions,
		allocations:  allocations,
		replacements: replacements,
		guard:        guard,
		events:       em,
		cfg:          cfg,
		now:          time.Now,
		log:          log.With().Str("component", "executor").Logger(),
	}
}

// run carries the per-execution state through the phases
type run struct {
	req      Request
	log      zerolog.Logger
	machine  *machine
	session  *broker.CachedSession
	params   calculator.Params
	allocs   []domain.AllocationItem
	prices   map[string]domain.ContractPrice
	warnings []string
	executed []domain.Trade
}

func (r *run) warn(msgs ...string) {
	for _, m := range msgs {
		dup := false
		for _, w := range r.warnings {
			if w == m {
				dup = true
				break
			}
		}
		if !dup {
			r.warnings = append(r.warnings, m)
		}
	}
}

// Execute runs req to completion and never returns an error: failures are
// folded into the result.
func (e *Executor) Execute(ctx context.Context, req Request) *AccountResult {
	started := e.now()
	account := req.Account

	r := &run{
		req: req,
		log: e.log.With().
			Str("account_id", account.AccountID).
			Int("session_id", req.SessionID).
			Str("exec", string(req.ExecKind)).
			Logger(),
		params: e.cfg.Params,
	}
	r.params.CashReservePercent = account.CashReservePercent
	r.machine = newMachine(func(from, to State) {
		r.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("Execution state changed")
		e.events.EmitTyped(module, &events.ExecutionStateChangedData{
			ExecutionID: req.ExecutionID,
			AccountID:   account.AccountID,
			ExecKind:    string(req.ExecKind),
			From:        string(from),
			To:          string(to),
		})
	})

	res := &AccountResult{
		ExecutionID:  req.ExecutionID,
		AccountID:    account.AccountID,
		StrategyName: account.StrategyName,
		ExecKind:     req.ExecKind,
		SessionID:    req.SessionID,
		StartedAt:    started,
	}

	err := e.execute(ctx, r, res)

	res.Duration = e.now().Sub(started)
	if err != nil {
		r.machine.fail()
		res.Success = false
		res.Error = err.Error()
		res.ErrorKind = domain.ErrorKind(err)

		var pdtErr *domain.PDTBlockedError
		if errors.As(err, &pdtErr) {
			next := pdtErr.NextAllowed
			res.NextAllowed = &next
		}

		if req.ExecKind.IsPreview() {
			if res.Preview == nil {
				res.Preview = &domain.CalculateRebalanceResult{Warnings: r.warnings}
			}
			res.Preview.Success = false
			res.Preview.Error = res.Error
		} else {
			res.Rebalance = &domain.RebalanceResult{Orders: r.executed, Success: false, Error: res.Error, Warnings: r.warnings}
		}

		r.log.Error().Err(err).Str("error_kind", res.ErrorKind).Str("state", string(r.machine.State())).Msg("Account execution failed")
	} else {
		res.Success = true
		r.log.Info().Dur("duration", res.Duration).Int("trades", len(res.Trades())).Msg("Account execution completed")
	}
	res.FinalState = r.machine.State()

	e.emitCompleted(res)
	return res
}

func (e *Executor) execute(ctx context.Context, r *run, res *AccountResult) error {
	account := r.req.Account
	preview := r.req.ExecKind.IsPreview()

	if !r.req.ExecKind.Valid() {
		return domain.NewValidationError("exec", fmt.Sprintf("unknown exec kind %q", r.req.ExecKind))
	}

	// PDT applies to live executions only
	if !preview && e.guard != nil {
		if err := e.guard.Enforce(ctx, account, e.now()); err != nil {
			return err
		}
	}

	if err := r.machine.to(StateConnecting); err != nil {
		return err
	}

	return e.sessions.WithSession(ctx, account, r.req.SessionID, func(ctx context.Context, h *broker.Handle) error {
		r.session = h.Session()
		// Every execution starts from fresh broker data
		r.session.ForceRefresh()

		if err := r.machine.to(StateSnapshotting); err != nil {
			return err
		}
		snapshot, err := e.loadInputs(ctx, r)
		if err != nil {
			return err
		}

		if err := r.machine.to(StateCalculating); err != nil {
			return err
		}
		calc, err := calculator.Calculate(calculator.Input{
			Snapshot:    snapshot,
			Allocations: r.allocs,
			Prices:      r.prices,
			Params:      r.params,
			Phase:       calculator.PhaseFull,
		})
		if err != nil {
			return err
		}
		r.warn(calc.Warnings...)
		logPlanned(r.log, calc.Trades, preview)

		if preview {
			res.Preview = calc.ToCalculateResult()
			res.Preview.Warnings = r.warnings
		}
		if !calc.Success {
			return fmt.Errorf("%w: %s", domain.ErrUnsafeTradeList, strings.Join(calc.Warnings, "; "))
		}
		if preview {
			return r.machine.to(StateDone)
		}

		e.cancelOpenOrders(ctx, r)

		if err := r.machine.to(StateSelling); err != nil {
			return err
		}
		if err := e.runPhase(ctx, r, calc.Sells()); err != nil {
			return err
		}

		if err := r.machine.to(StateBuying); err != nil {
			return err
		}
		buys, err := e.planBuys(ctx, r)
		if err != nil {
			return err
		}
		if err := e.runPhase(ctx, r, buys); err != nil {
			return err
		}

		final, err := r.session.GetAccountSnapshot(ctx, account.AccountID)
		if err != nil {
			return fmt.Errorf("failed to get final snapshot: %w", err)
		}

		if e.guard != nil {
			if _, err := e.guard.Record(ctx, account, e.now()); err != nil {
				r.log.Warn().Err(err).Msg("Failed to record PDT execution")
			}
		}

		res.Rebalance = &domain.RebalanceResult{
			Orders:      r.executed,
			TotalValue:  final.TotalValue,
			CashBalance: final.CashBalance,
			Success:     true,
			Warnings:    r.warnings,
		}
		return r.machine.to(StateDone)
	})
}

// loadInputs fetches allocations, the snapshot and prices for the union of
// targets and holdings
func (e *Executor) loadInputs(ctx context.Context, r *run) (*domain.AccountSnapshot, error) {
	account := r.req.Account

	allocs, err := e.allocations.GetAllocations(ctx, account.StrategyName)
	if err != nil {
		return nil, fmt.Errorf("failed to get allocations for %s: %w", account.StrategyName, err)
	}
	if account.ReplacementSet != "" && e.replacements != nil {
		allocs = e.replacements.Apply(allocs, account.ReplacementSet)
	}
	r.allocs = allocs

	snapshot, err := r.session.GetAccountSnapshot(ctx, account.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account snapshot: %w", err)
	}
	r.log.Info().
		Float64("total_value", snapshot.TotalValue).
		Float64("cash_balance", snapshot.CashBalance).
		Int("positions", len(snapshot.Positions)).
		Msg("Initial snapshot")

	prices, err := r.session.GetMultiplePrices(ctx, symbolUnion(allocs, snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to get prices: %w", err)
	}
	r.prices = make(map[string]domain.ContractPrice, len(prices))
	for _, p := range prices {
		r.prices[p.Symbol] = p
	}
	return snapshot, nil
}

// cancelOpenOrders clears stale working orders. Failures are warnings.
func (e *Executor) cancelOpenOrders(ctx context.Context, r *run) {
	open, err := r.session.GetOpenOrders(ctx, r.req.Account.AccountID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Error listing pending orders")
		return
	}
	for _, o := range open {
		r.log.Info().Str("order_id", o.OrderID).Str("symbol", o.Symbol).Msg("Cancelling pending order")
		if err := r.session.CancelOrder(ctx, o.OrderID); err != nil {
			r.log.Warn().Err(err).Str("order_id", o.OrderID).Msg("Error cancelling pending order")
		}
	}
}

// planBuys recomputes the buy phase from a fresh snapshot and drops buys that
// no longer fit the cash actually available
func (e *Executor) planBuys(ctx context.Context, r *run) ([]domain.Trade, error) {
	account := r.req.Account

	snapshot, err := r.session.GetAccountSnapshot(ctx, account.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot after sells: %w", err)
	}
	r.log.Info().Float64("cash_balance", snapshot.CashBalance).Msg("Cash balance after sells")

	calc, err := calculator.Calculate(calculator.Input{
		Snapshot:    snapshot,
		Allocations: r.allocs,
		Prices:      r.prices,
		Params:      r.params,
		Phase:       calculator.PhaseBuy,
	})
	if err != nil {
		return nil, err
	}
	r.warn(calc.Warnings...)

	available := 0.0
	if snapshot.CashBalance >= r.params.MinimumCashReserve {
		available = (snapshot.CashBalance - r.params.MinimumCashReserve) / (1 + r.params.CommissionRate)
	}

	fractions := make(map[string]float64, len(r.allocs))
	for _, a := range r.allocs {
		fractions[a.Symbol] += a.Allocation
	}

	var (
		planned    []domain.Trade
		incomplete []string
	)
	for _, t := range append(calc.Buys(), calc.Unfunded...) {
		cost := t.Notional()
		if cost <= available {
			planned = append(planned, t)
			available -= cost
			continue
		}

		pct := fractions[t.Symbol] * 100
		shortfall := cost - available
		held := false
		if p, ok := snapshot.Position(t.Symbol); ok && p.Quantity > 0 {
			held = true
		}
		r.log.Info().
			Str("symbol", t.Symbol).
			Float64("needed", cost).
			Float64("available", available).
			Bool("held", held).
			Msg("Skipped buy: insufficient cash")

		if held {
			incomplete = append(incomplete, fmt.Sprintf("%s (%.2f%%)", t.Symbol, pct))
		} else {
			r.warn(fmt.Sprintf("Missing symbol %s (%.2f%% target allocation) could not be purchased. Shortfall: $%.2f",
				t.Symbol, pct, shortfall))
		}
	}
	if len(incomplete) > 0 {
		r.warn("Portfolio optimization incomplete for: " + strings.Join(incomplete, ", "))
	}

	return planned, nil
}

// runPhase places every trade, then waits for all of them to reach a terminal
// status. The first placement error aborts the rest of the phase.
func (e *Executor) runPhase(ctx context.Context, r *run, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	placed := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		req := domain.OrderRequest{
			AccountID:   r.req.Account.AccountID,
			Symbol:      t.Symbol,
			Quantity:    t.Quantity,
			OrderType:   t.OrderType,
			TimeInForce: t.TimeInForce,
		}
		if t.OrderType == domain.OrderTypeLimit {
			req.LimitPrice = t.Price
		}

		result, err := r.session.PlaceOrder(ctx, req)
		if err != nil {
			var orderErr *domain.OrderExecutionError
			if errors.As(err, &orderErr) {
				return err
			}
			return &domain.OrderExecutionError{Symbol: t.Symbol, Message: "placement failed", Err: err}
		}

		t.OrderID = result.OrderID
		placed = append(placed, t)
		e.events.EmitTyped(module, &events.OrderPlacedData{
			AccountID: r.req.Account.AccountID,
			OrderID:   t.OrderID,
			Symbol:    t.Symbol,
			Quantity:  t.Quantity,
			OrderType: string(t.OrderType),
			Price:     t.Price,
		})
		r.log.Info().
			Str("order_id", t.OrderID).
			Str("symbol", t.Symbol).
			Int("quantity", t.Quantity).
			Str("order_type", string(t.OrderType)).
			Float64("price", t.Price).
			Msg("Order placed")
	}

	if err := e.waitForOrders(ctx, r, placed); err != nil {
		return err
	}
	r.executed = append(r.executed, placed...)
	return nil
}

// waitForOrders polls until every order is terminal, any failed terminal
// status or the order timeout being an error
func (e *Executor) waitForOrders(ctx context.Context, r *run, orders []domain.Trade) error {
	deadline := e.now().Add(e.cfg.OrderTimeout)
	pending := make(map[string]domain.Trade, len(orders))
	for _, o := range orders {
		pending[o.OrderID] = o
	}
	var failed []string
	var firstFailed *domain.Trade
	var firstStatus domain.OrderStatus

	r.log.Info().Int("orders", len(orders)).Msg("Waiting for orders to complete")

	for {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			t := pending[id]
			status, err := r.session.GetOrderStatus(ctx, id)
			if err != nil {
				return &domain.OrderExecutionError{Symbol: t.Symbol, OrderID: id, Message: "status poll failed", Err: err}
			}
			if !status.IsTerminal() {
				continue
			}

			delete(pending, id)
			e.events.EmitTyped(module, &events.OrderCompletedData{
				AccountID: r.req.Account.AccountID,
				OrderID:   id,
				Symbol:    t.Symbol,
				Status:    string(status),
			})
			if status.IsFailed() {
				failed = append(failed, fmt.Sprintf("%s x%d", t.Symbol, t.Quantity))
				if firstFailed == nil {
					tc := t
					firstFailed = &tc
					firstStatus = status
				}
			}
		}

		if len(pending) == 0 {
			if len(failed) > 0 {
				return &domain.OrderExecutionError{
					Symbol:  firstFailed.Symbol,
					OrderID: firstFailed.OrderID,
					Status:  firstStatus,
					Message: "orders failed: " + strings.Join(failed, ", "),
				}
			}
			r.log.Info().Msg("All orders completed successfully")
			return sleep(ctx, e.cfg.PostCompletionDelay)
		}

		if !e.now().Before(deadline) {
			var symbol string
			for _, t := range pending {
				symbol = t.Symbol
				break
			}
			return &domain.OrderExecutionError{
				Symbol:  symbol,
				Message: fmt.Sprintf("order execution timeout after %s", e.cfg.OrderTimeout),
			}
		}

		if err := sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (e *Executor) emitCompleted(res *AccountResult) {
	var traded, total, cash float64
	trades := res.Trades()
	for _, t := range trades {
		traded += t.Notional()
	}
	if res.Rebalance != nil {
		total, cash = res.Rebalance.TotalValue, res.Rebalance.CashBalance
	}
	if res.Preview != nil {
		total = res.Preview.CurrentValue
	}

	e.events.EmitTyped(module, &events.AccountExecutionCompletedData{
		ExecutionID:  res.ExecutionID,
		AccountID:    res.AccountID,
		StrategyName: res.StrategyName,
		ExecKind:     string(res.ExecKind),
		Success:      res.Success,
		Error:        res.Error,
		ErrorKind:    res.ErrorKind,
		TradeCount:   len(trades),
		TradedValue:  traded,
		TotalValue:   total,
		CashBalance:  cash,
		Warnings:     res.Warnings(),
		NextAllowed:  res.NextAllowed,
		Duration:     res.Duration,
	})
}

func logPlanned(log zerolog.Logger, trades []domain.Trade, preview bool) {
	msg := "Planned order"
	if preview {
		msg = "Proposed order"
	}
	for _, t := range trades {
		log.Info().
			Str("symbol", t.Symbol).
			Int("quantity", t.Quantity).
			Int("current_shares", t.CurrentShares).
			Float64("price", t.Price).
			Str("order_type", string(t.OrderType)).
			Msg(msg)
	}
}

func symbolUnion(allocs []domain.AllocationItem, snapshot *domain.AccountSnapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range allocs {
		if !seen[a.Symbol] {
			seen[a.Symbol] = true
			out = append(out, a.Symbol)
		}
	}
	for _, p := range snapshot.Positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
