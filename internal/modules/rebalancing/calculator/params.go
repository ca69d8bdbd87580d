package calculator

import (
	"math"

	"github.com/aristath/rebalancer/internal/domain"
)

// Params tunes the trade calculation. Zero values are not defaults; use DefaultParams.
type Params struct {
	CashReservePercent         float64            // Share of total value kept in cash (0-100)
	SlippagePercent            float64            // Buy limit premium over the ask
	TickSize                   float64            // Limit price increment
	TimeInForce                domain.TimeInForce // Applied to every order
	MinimumCashReserve         float64            // Absolute cash floor in USD
	CommissionRate             float64            // Fraction of notional held back for fees
	MaxAccountUtilization      float64            // Upper bound on invested share of total value
	AllocationThresholdPercent float64            // Drift below this produces no trade
}

// DefaultParams returns the production defaults with the given cash reserve
func DefaultParams(cashReservePercent float64) Params {
	return Params{
		CashReservePercent:         cashReservePercent,
		SlippagePercent:            0.5,
		TickSize:                   0.01,
		TimeInForce:                domain.TimeInForceDay,
		MinimumCashReserve:         100,
		CommissionRate:             0.01,
		MaxAccountUtilization:      0.995,
		AllocationThresholdPercent: 0.5,
	}
}

// Validate checks every parameter is finite and in range
func (p Params) Validate() error {
	switch {
	case invalid(p.CashReservePercent) || p.CashReservePercent < 0 || p.CashReservePercent > 100:
		return domain.NewValidationError("cash_reserve_percent", "must be between 0 and 100")
	case invalid(p.SlippagePercent) || p.SlippagePercent < 0:
		return domain.NewValidationError("slippage_percent", "must not be negative")
	case invalid(p.TickSize) || p.TickSize <= 0:
		return domain.NewValidationError("tick_size", "must be positive")
	case invalid(p.MinimumCashReserve) || p.MinimumCashReserve < 0:
		return domain.NewValidationError("minimum_cash_reserve_usd", "must not be negative")
	case invalid(p.CommissionRate) || p.CommissionRate < 0:
		return domain.NewValidationError("commission_rate", "must not be negative")
	case invalid(p.MaxAccountUtilization) || p.MaxAccountUtilization <= 0 || p.MaxAccountUtilization > 1:
		return domain.NewValidationError("max_account_utilization", "must be in (0, 1]")
	case invalid(p.AllocationThresholdPercent) || p.AllocationThresholdPercent < 0:
		return domain.NewValidationError("allocation_threshold_percent", "must not be negative")
	}
	if _, ok := domain.ParseTimeInForce(string(p.TimeInForce)); !ok {
		return domain.NewValidationError("time_in_force", "must be DAY or GTC")
	}
	return nil
}

func invalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
