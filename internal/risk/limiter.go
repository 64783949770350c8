// Package risk enforces exposure limits that sit on top of margin: a cap on
// any single market's notional and a cap on account-wide leverage.
//
// Margin alone bounds each position by its own initial ratio; the limiter
// bounds what a user can stack across markets against one collateral pool.
package risk

import (
	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
)

var (
	// ErrPositionLimitExceeded is returned when a trade would push a single
	// market's notional beyond MaxPositionNotional.
	ErrPositionLimitExceeded = errcode.Newf(errcode.LeverageExceedsMax, "per-market notional cap")

	// ErrAccountLeverageExceeded is returned when total notional across
	// markets would exceed collateral * MaxLeverage.
	ErrAccountLeverageExceeded = errcode.Newf(errcode.LeverageExceedsMax, "account leverage cap")
)

// Limiter holds the two caps. Zero disables a cap.
type Limiter struct {
	// MaxPositionNotional is the largest notional, in collateral units, a
	// user may hold in one market.
	MaxPositionNotional int64

	// MaxLeverage is the largest ratio of total notional to collateral.
	MaxLeverage int64
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPositionNotional, maxLeverage int64) *Limiter {
	return &Limiter{
		MaxPositionNotional: max(maxPositionNotional, 0),
		MaxLeverage:         max(maxLeverage, 0),
	}
}

// CheckLimit validates the account after a trade.
//
// Parameters:
//   - target: market being traded
//   - notionalAfter: the target market's notional once the trade applies
//   - exposures: current notional per market for this user
//   - collateral: the user's collateral
func (l *Limiter) CheckLimit(target uint16, notionalAfter int64, exposures map[uint16]int64, collateral int64) error {
	// 1. Per-market cap.
	if l.MaxPositionNotional > 0 && notionalAfter > l.MaxPositionNotional {
		return ErrPositionLimitExceeded
	}
	if l.MaxLeverage == 0 {
		return nil
	}

	// 2. Account leverage: sum every other market plus the new target.
	total := notionalAfter
	for idx, n := range exposures {
		if idx == target {
			continue // counted via notionalAfter
		}
		var err error
		if total, err = fp.Add(total, n); err != nil {
			return err
		}
	}
	limit, err := fp.Mul(max(collateral, 0), l.MaxLeverage)
	if err != nil {
		return err
	}
	if total > limit {
		return ErrAccountLeverageExceeded
	}
	return nil
}
