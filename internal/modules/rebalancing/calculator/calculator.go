// Package calculator turns target allocations and an account snapshot into a
// sell-then-buy trade list that deploys as much cash as the constraints allow.
package calculator

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/rebalancer/internal/domain"
)

const epsilon = 1e-9

// Phase selects which side of the rebalance is computed
type Phase int

const (
	// PhaseFull computes sells and the buys funded by their proceeds
	PhaseFull Phase = iota
	// PhaseBuy computes buys only, against a snapshot taken after sells settled
	PhaseBuy
)

// Input is everything the calculator needs. It is never modified.
type Input struct {
	Snapshot    *domain.AccountSnapshot
	Allocations []domain.AllocationItem
	Prices      map[string]domain.ContractPrice
	Params      Params
	Phase       Phase
}

// Result is the calculated trade list plus the figures it was derived from
type Result struct {
	Trades      []domain.Trade
	Success     bool
	Warnings    []string
	TotalValue  float64
	Investable  float64        // Total value minus the cash reserve
	BuyCapacity float64        // Cash available to buys after reserve, fees and caps
	Skipped     []string       // Symbols within the drift threshold
	Unfunded    []domain.Trade // Minimum-position buys left out because cash ran out
}

// Sells returns the sell trades in execution order
func (r *Result) Sells() []domain.Trade {
	var out []domain.Trade
	for _, t := range r.Trades {
		if t.IsSell() {
			out = append(out, t)
		}
	}
	return out
}

// Buys returns the buy trades in execution order
func (r *Result) Buys() []domain.Trade {
	var out []domain.Trade
	for _, t := range r.Trades {
		if t.IsBuy() {
			out = append(out, t)
		}
	}
	return out
}

// ToCalculateResult converts to the preview envelope
func (r *Result) ToCalculateResult() *domain.CalculateRebalanceResult {
	return &domain.CalculateRebalanceResult{
		ProposedTrades: r.Trades,
		CurrentValue:   r.TotalValue,
		Success:        r.Success,
		Warnings:       r.Warnings,
	}
}

type buyLine struct {
	symbol   string
	fraction float64
	current  int
	quantity int
	ask      float64
	limit    float64
	mid      float64
	target   float64
}

func (b *buyLine) cost() float64 {
	return float64(b.quantity) * b.limit
}

// floor is the share count a buy may not be scaled below. Only symbols the
// account does not hold carry the one-share minimum; top-ups may drop to zero.
func (b *buyLine) floor() int {
	if b.current == 0 {
		return 1
	}
	return 0
}

// Calculate computes the rebalance trades. Business-rule problems are reported
// through Result.Success and Result.Warnings; only malformed input returns an error.
func Calculate(in Input) (*Result, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	p := in.Params
	snap := in.Snapshot

	res := &Result{
		Success:    true,
		TotalValue: snap.TotalValue,
	}

	targets := make(map[string]float64, len(in.Allocations))
	for _, a := range in.Allocations {
		targets[a.Symbol] = a.Allocation
	}

	held := make(map[string]int, len(snap.Positions))
	for _, pos := range snap.Positions {
		if pos.Quantity > 0 && pos.Quantity < 1 {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"Fractional position %s (%.4f shares) cannot be traded and must be closed manually", pos.Symbol, pos.Quantity))
			continue
		}
		if n := pos.WholeShares(); n > 0 {
			held[pos.Symbol] += n
		}
	}

	symbols := universe(targets, held)

	var missing []string
	for _, sym := range symbols {
		if targets[sym] <= 0 && held[sym] == 0 {
			continue
		}
		price, ok := in.Prices[sym]
		if !ok || price.Bid <= 0 || price.Ask <= 0 {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		for _, sym := range missing {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Missing price for %s", sym))
		}
		res.Success = false
		return res, nil
	}

	if snap.TotalValue <= 0 {
		res.Warnings = append(res.Warnings, "Account has no value to rebalance")
		res.Success = false
		return res, nil
	}

	res.Investable = snap.TotalValue * (1 - p.CashReservePercent/100)

	var (
		sells      []domain.Trade
		buys       []*buyLine
		proceeds   []float64
		heldValues []float64
	)

	for _, sym := range symbols {
		cur := held[sym]
		fraction, inTargets := targets[sym]
		price := in.Prices[sym]

		if !inTargets || fraction == 0 {
			if cur == 0 {
				continue
			}
			// Liquidation: not subject to the drift threshold
			if in.Phase == PhaseFull {
				sells = append(sells, sellTrade(sym, cur, cur, 0, price, p))
				proceeds = append(proceeds, float64(cur)*price.Bid)
			} else {
				heldValues = append(heldValues, float64(cur)*price.Bid)
			}
			continue
		}

		target := res.Investable * fraction

		keep := int(math.Floor(target / price.Bid))
		if keep < 1 {
			keep = 1
		}
		if keep < cur {
			if withinThreshold(target, cur, price, snap.TotalValue, p) {
				res.Skipped = append(res.Skipped, sym)
				heldValues = append(heldValues, float64(cur)*price.Bid)
				continue
			}
			if in.Phase == PhaseFull {
				qty := cur - keep
				sells = append(sells, sellTrade(sym, qty, cur, target, price, p))
				proceeds = append(proceeds, float64(qty)*price.Bid)
				heldValues = append(heldValues, float64(keep)*price.Bid)
			} else {
				heldValues = append(heldValues, float64(cur)*price.Bid)
			}
			continue
		}

		heldValues = append(heldValues, float64(cur)*price.Bid)

		want := int(math.Floor(target / price.Ask))
		if cur == 0 && want == 0 {
			// Minimum position: every targeted symbol owns at least one share
			want = 1
		}
		if want <= cur {
			continue
		}
		if cur > 0 && withinThreshold(target, cur, price, snap.TotalValue, p) {
			res.Skipped = append(res.Skipped, sym)
			continue
		}
		buys = append(buys, &buyLine{
			symbol:   sym,
			fraction: fraction,
			current:  cur,
			quantity: want - cur,
			ask:      price.Ask,
			limit:    LimitPrice(price.Ask, p.SlippagePercent, p.TickSize),
			mid:      price.Mid(),
			target:   target,
		})
	}

	heldAfter := floats.Sum(heldValues)
	res.BuyCapacity = buyCapacity(snap, p, res.Investable, heldAfter, floats.Sum(proceeds))

	if len(buys) > 0 {
		if ok := fitBuys(buys, res.BuyCapacity); !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"Insufficient cash for minimum positions: need $%.2f, available $%.2f", floorCost(buys), res.BuyCapacity))
			res.Success = false
			unfunded := keepAffordableFloors(buys, res.BuyCapacity)
			for _, b := range unfunded {
				res.Unfunded = append(res.Unfunded, buyTrade(b, 1, p))
			}
		} else {
			scaleUp(buys, res.BuyCapacity)
		}
	}

	sort.Slice(sells, func(i, j int) bool { return sells[i].Symbol < sells[j].Symbol })
	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].fraction != buys[j].fraction {
			return buys[i].fraction > buys[j].fraction
		}
		return buys[i].symbol < buys[j].symbol
	})

	res.Trades = make([]domain.Trade, 0, len(sells)+len(buys))
	res.Trades = append(res.Trades, sells...)
	for _, b := range buys {
		if b.quantity <= 0 {
			continue
		}
		res.Trades = append(res.Trades, buyTrade(b, b.quantity, p))
	}

	return res, nil
}

func buyTrade(b *buyLine, qty int, p Params) domain.Trade {
	return domain.Trade{
		Symbol:        b.symbol,
		Quantity:      qty,
		CurrentShares: b.current,
		TargetValue:   b.target,
		CurrentValue:  float64(b.current) * b.mid,
		Price:         b.limit,
		OrderType:     domain.OrderTypeLimit,
		TimeInForce:   p.TimeInForce,
	}
}

func sellTrade(symbol string, qty, current int, target float64, price domain.ContractPrice, p Params) domain.Trade {
	return domain.Trade{
		Symbol:        symbol,
		Quantity:      -qty,
		CurrentShares: current,
		TargetValue:   target,
		CurrentValue:  float64(current) * price.Mid(),
		Price:         price.Bid,
		OrderType:     domain.OrderTypeMarket,
		TimeInForce:   p.TimeInForce,
	}
}

// withinThreshold reports whether the drift between target and current value
// is too small to be worth a trade
func withinThreshold(target float64, current int, price domain.ContractPrice, total float64, p Params) bool {
	if p.AllocationThresholdPercent <= 0 {
		return false
	}
	drift := math.Abs(target-float64(current)*price.Mid()) / total * 100
	return drift < p.AllocationThresholdPercent
}

// buyCapacity is the spendable cash for buys after the reserve, commissions and
// the account utilization ceiling
func buyCapacity(snap *domain.AccountSnapshot, p Params, investable, heldAfter, proceeds float64) float64 {
	reserve := math.Max(snap.TotalValue*p.CashReservePercent/100, p.MinimumCashReserve)
	cashCap := (snap.SettledCash + proceeds - reserve) / (1 + p.CommissionRate)
	allocCap := investable - heldAfter
	utilCap := snap.TotalValue*p.MaxAccountUtilization - heldAfter

	capacity := math.Min(cashCap, math.Min(allocCap, utilCap))
	if capacity < 0 {
		return 0
	}
	return capacity
}

// fitBuys shrinks buy quantities until their cost fits capacity. It returns
// false, with every buy at its floor, when even the floors do not fit.
func fitBuys(buys []*buyLine, capacity float64) bool {
	if totalCost(buys) <= capacity+epsilon {
		return true
	}

	floors := floorCost(buys)
	above := 0.0
	for _, b := range buys {
		above += float64(b.quantity-b.floor()) * b.limit
	}
	if floors > capacity+epsilon {
		for _, b := range buys {
			b.quantity = b.floor()
		}
		return false
	}

	factor := 0.0
	if above > 0 {
		factor = (capacity - floors) / above
	}
	for _, b := range buys {
		b.quantity = b.floor() + int(math.Floor(float64(b.quantity-b.floor())*factor))
	}

	for totalCost(buys) > capacity+epsilon {
		var largest *buyLine
		for _, b := range buys {
			if b.quantity <= b.floor() {
				continue
			}
			if largest == nil || b.cost() > largest.cost() ||
				(b.cost() == largest.cost() && b.symbol < largest.symbol) {
				largest = b
			}
		}
		if largest == nil {
			break
		}
		largest.quantity--
	}
	return true
}

// floorCost is the cost of buying one share of every symbol not yet held
func floorCost(buys []*buyLine) float64 {
	costs := make([]float64, 0, len(buys))
	for _, b := range buys {
		costs = append(costs, float64(b.floor())*b.limit)
	}
	return floats.Sum(costs)
}

// keepAffordableFloors drops floor buys, highest fraction first, once capacity
// runs out so a failed result never proposes more than the account can pay for.
// The dropped lines are returned in that same order.
func keepAffordableFloors(buys []*buyLine, capacity float64) []*buyLine {
	order := make([]*buyLine, len(buys))
	copy(order, buys)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].fraction != order[j].fraction {
			return order[i].fraction > order[j].fraction
		}
		return order[i].symbol < order[j].symbol
	})

	var dropped []*buyLine
	remaining := capacity
	for _, b := range order {
		if b.quantity == 0 {
			continue
		}
		if b.cost() > remaining+epsilon {
			b.quantity = 0
			dropped = append(dropped, b)
			continue
		}
		remaining -= b.cost()
	}
	return dropped
}

// scaleUp spends leftover capacity one share at a time, always on the symbol
// furthest below its target in shares. Ties go to the higher fraction, then
// the alphabetically first symbol. No symbol is pushed above its target value.
func scaleUp(buys []*buyLine, capacity float64) {
	remaining := capacity - totalCost(buys)
	eligible := make(map[string]bool, len(buys))
	for _, b := range buys {
		eligible[b.symbol] = true
	}

	for {
		var best *buyLine
		bestDeficit := 0.0
		for _, b := range buys {
			if !eligible[b.symbol] {
				continue
			}
			if float64(b.current+b.quantity+1)*b.ask > b.target+epsilon || b.limit > remaining+epsilon {
				eligible[b.symbol] = false
				continue
			}
			deficit := b.target/b.ask - float64(b.current+b.quantity)
			if best == nil || deficit > bestDeficit ||
				(deficit == bestDeficit && (b.fraction > best.fraction ||
					(b.fraction == best.fraction && b.symbol < best.symbol))) {
				best = b
				bestDeficit = deficit
			}
		}
		if best == nil {
			return
		}
		best.quantity++
		remaining -= best.limit
	}
}

func totalCost(buys []*buyLine) float64 {
	costs := make([]float64, len(buys))
	for i, b := range buys {
		costs[i] = b.cost()
	}
	return floats.Sum(costs)
}

// LimitPrice returns the buy limit for an ask: ask plus slippage, rounded up to the tick
func LimitPrice(ask, slippagePercent, tick float64) float64 {
	factor := decimal.NewFromFloat(slippagePercent).Div(decimal.NewFromInt(100)).Add(decimal.NewFromInt(1))
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(ask).Mul(factor).Div(t).Ceil().Mul(t).InexactFloat64()
}

func universe(targets map[string]float64, held map[string]int) []string {
	seen := make(map[string]bool, len(targets)+len(held))
	out := make([]string, 0, len(targets)+len(held))
	for sym := range targets {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for sym := range held {
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func validate(in Input) error {
	if in.Snapshot == nil {
		return domain.NewValidationError("snapshot", "is required")
	}
	if err := in.Params.Validate(); err != nil {
		return err
	}
	if invalid(in.Snapshot.TotalValue) || invalid(in.Snapshot.SettledCash) {
		return domain.NewValidationError("snapshot", "balances must be finite")
	}

	seen := make(map[string]bool, len(in.Allocations))
	fractions := make([]float64, 0, len(in.Allocations))
	for _, a := range in.Allocations {
		if a.Symbol == "" {
			return domain.NewValidationError("allocations", "symbol is required")
		}
		if seen[a.Symbol] {
			return domain.NewValidationError("allocations", fmt.Sprintf("duplicate symbol %s", a.Symbol))
		}
		seen[a.Symbol] = true
		if invalid(a.Allocation) || a.Allocation < 0 || a.Allocation > 1 {
			return domain.NewValidationError("allocations", fmt.Sprintf("%s allocation %v outside [0,1]", a.Symbol, a.Allocation))
		}
		fractions = append(fractions, a.Allocation)
	}
	if sum := floats.Sum(fractions); sum > 1+1e-6 {
		return domain.NewValidationError("allocations", fmt.Sprintf("allocations sum to %.6f, above 1", sum))
	}

	for sym, price := range in.Prices {
		if price.Bid < 0 || price.Ask < 0 || price.Last < 0 || price.Close < 0 ||
			invalid(price.Bid) || invalid(price.Ask) {
			return domain.NewValidationError("prices", fmt.Sprintf("negative or invalid price for %s", sym))
		}
	}
	return nil
}
