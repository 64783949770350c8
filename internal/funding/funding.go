// Package funding accrues periodic funding on a market and settles it, and
// the terminal settlement price, onto positions.
//
// Each market keeps a cumulative funding rate per side. A position records
// the side's cumulative rate when it last settled; what it owes is the
// difference times its size. Longs pay when the mark trades above the
// oracle, shorts pay when it trades below.
package funding

import (
	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/position"
)

const (
	// RateBuffer spreads the mark/oracle gap over this many periods.
	RateBuffer int64 = 24

	// DefaultPeriod is one hour.
	DefaultPeriod int64 = 3600
)

// MaxRate caps a single period's rate at 1% of PricePrecision.
var MaxRate = fp.PricePrecision / 100

// Rate derives the per-period funding rate from the mark and oracle TWAPs.
func Rate(markTWAP, oracleTWAP int64) (int64, error) {
	gap, err := fp.Sub(markTWAP, oracleTWAP)
	if err != nil {
		return 0, err
	}
	r, err := fp.Div(gap, RateBuffer)
	if err != nil {
		return 0, err
	}
	return fp.Clamp(r, -MaxRate, MaxRate), nil
}

// Accrue advances m's cumulative rates by every whole period elapsed since
// LastFundingRateTs and returns how many were applied. Zero periods is not
// an error. Settled markets stop accruing.
func Accrue(m *model.Market, now int64) (int64, error) {
	if m.Status == model.MarketSettled {
		return 0, nil
	}
	if m.FundingPeriod <= 0 {
		return 0, errcode.Newf(errcode.InvalidFundingPeriod, "period %d", m.FundingPeriod)
	}
	if now <= m.LastFundingRateTs {
		return 0, nil
	}
	periods := (now - m.LastFundingRateTs) / m.FundingPeriod
	if periods == 0 {
		return 0, nil
	}
	if m.OracleTWAP == 0 {
		return 0, errcode.Newf(errcode.FundingNotReady, "market %d has no oracle twap", m.MarketIndex)
	}

	rate, err := Rate(m.AMM.LastMarkPriceTWAP, m.OracleTWAP)
	if err != nil {
		return 0, err
	}
	delta, err := fp.Mul(rate, periods)
	if err != nil {
		return 0, err
	}
	if m.CumulativeFundingRateLong, err = fp.Add(m.CumulativeFundingRateLong, delta); err != nil {
		return 0, err
	}
	if m.CumulativeFundingRateShort, err = fp.Sub(m.CumulativeFundingRateShort, delta); err != nil {
		return 0, err
	}
	elapsed, err := fp.Mul(periods, m.FundingPeriod)
	if err != nil {
		return 0, err
	}
	if m.LastFundingRateTs, err = fp.Add(m.LastFundingRateTs, elapsed); err != nil {
		return 0, err
	}
	m.LastFundingRate = rate
	return periods, nil
}

// CumulativeFor returns the cumulative rate for the side of base.
func CumulativeFor(m *model.Market, base int64) int64 {
	if base < 0 {
		return m.CumulativeFundingRateShort
	}
	return m.CumulativeFundingRateLong
}

// Pending returns the collateral credit owed to p since it last settled:
// floor((last - cumulative) * |size| / FundingPrecision). Negative is a
// debit.
func Pending(p *model.Position, m *model.Market) (int64, error) {
	if p.BaseAssetAmount == 0 {
		return 0, nil
	}
	diff, err := fp.Sub(p.LastCumulativeFundingRate, CumulativeFor(m, p.BaseAssetAmount))
	if err != nil {
		return 0, err
	}
	size, err := fp.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	return fp.MulDiv(diff, size, fp.FundingPrecision)
}

// Settle computes p's pending credit and advances its checkpoint. The
// caller applies the credit to collateral. Calling it again without a new
// accrual returns zero.
func Settle(p *model.Position, m *model.Market) (int64, error) {
	credit, err := Pending(p, m)
	if err != nil {
		return 0, err
	}
	p.LastCumulativeFundingRate = CumulativeFor(m, p.BaseAssetAmount)
	return credit, nil
}

// ValidateSettlement checks that m may be resolved at price now. A market
// without an expiry never settles.
func ValidateSettlement(m *model.Market, now, price int64) error {
	switch m.Status {
	case model.MarketSettled:
		return errcode.ErrMarketAlreadySettled
	case model.MarketUninitialized:
		return errcode.New(errcode.InvalidMarketStatus)
	}
	if m.ExpiryTs == 0 {
		return errcode.Newf(errcode.MarketNotExpired, "market %d has no expiry", m.MarketIndex)
	}
	if now < m.ExpiryTs {
		return errcode.Newf(errcode.MarketNotExpired, "expiry %d, now %d", m.ExpiryTs, now)
	}
	if price != 0 && price != fp.MaxPrice {
		return errcode.Newf(errcode.InvalidSettlementPrice, "price %d", price)
	}
	return nil
}

// SettlementPnL is the final PnL of p at the market's settlement price.
func SettlementPnL(p *model.Position, m *model.Market) (int64, error) {
	if m.Status != model.MarketSettled {
		return 0, errcode.Newf(errcode.PositionNotSettled, "market %d is %s", m.MarketIndex, m.Status)
	}
	if p.BaseAssetAmount == 0 {
		return 0, errcode.Newf(errcode.PositionNotSettled, "no position in market %d", m.MarketIndex)
	}
	return position.PnLAt(p, m.SettlementPrice)
}
