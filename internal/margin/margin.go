// Package margin computes collateral requirements for a user account.
//
// Margin used is charged on the position's entry cost, not its live value,
// so oracle noise does not move a user's withdrawable balance. Equity and
// liquidation prices use the market's oracle price.
package margin

import (
	"github.com/predperp/perp-engine/internal/amm"
	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/position"
)

// Markets resolves the market a position slot refers to.
type Markets map[uint16]*model.Market

func (ms Markets) get(index uint16) (*model.Market, error) {
	m, ok := ms[index]
	if !ok || m == nil {
		return nil, errcode.Newf(errcode.MarketNotFound, "market %d", index)
	}
	return m, nil
}

// Requirement is |quote_entry| * ratio / MarginPrecision, rounded up.
func Requirement(p *model.Position, ratio int64) (int64, error) {
	qe, err := fp.Abs(p.QuoteEntryAmount)
	if err != nil {
		return 0, err
	}
	return fp.MulDivCeil(qe, ratio, fp.MarginPrecision)
}

// MarkPrice is the price positions are valued at: the oracle price, or the
// AMM mid before the first oracle update.
func MarkPrice(m *model.Market) (int64, error) {
	if m.Status == model.MarketSettled {
		return m.SettlementPrice, nil
	}
	if m.OraclePrice > 0 {
		return m.OraclePrice, nil
	}
	return amm.MidPrice(&m.AMM)
}

// PositionView is the per-slot breakdown of an account summary.
type PositionView struct {
	MarketIndex       uint16 `json:"market_index"`
	BaseAssetAmount   int64  `json:"base_asset_amount"`
	QuoteEntryAmount  int64  `json:"quote_entry_amount"`
	EntryPrice        int64  `json:"entry_price"`
	MarkPrice         int64  `json:"mark_price"`
	Notional          int64  `json:"notional"`
	UnrealizedPnl     int64  `json:"unrealized_pnl"`
	MarginUsed        int64  `json:"margin_used"`
	MaintenanceMargin int64  `json:"maintenance_margin"`
	LiquidationPrice  int64  `json:"liquidation_price"`
	OpenOrders        uint8  `json:"open_orders"`
}

// Account aggregates an account's margin state.
type Account struct {
	Collateral        int64 `json:"collateral"`
	MarginUsed        int64 `json:"margin_used"`
	MaintenanceMargin int64 `json:"maintenance_margin"`
	// FreeCollateral may be negative; Display floors it for callers.
	FreeCollateral int64          `json:"free_collateral"`
	UnrealizedPnl  int64          `json:"unrealized_pnl"`
	Equity         int64          `json:"equity"`
	Notional       int64          `json:"notional"`
	Positions      []PositionView `json:"positions"`
}

// DisplayFreeCollateral is free collateral floored at zero.
func (a Account) DisplayFreeCollateral() int64 { return max(a.FreeCollateral, 0) }

// Evaluate computes the margin state of u against markets. Every market a
// non-vacant slot references must be present.
func Evaluate(u *model.User, markets Markets) (Account, error) {
	acc := Account{Collateral: u.Collateral}
	for i := range u.Positions {
		p := &u.Positions[i]
		if p.IsAvailable() {
			continue
		}
		m, err := markets.get(p.MarketIndex)
		if err != nil {
			return acc, err
		}
		v, err := viewPosition(p, m, u.Collateral)
		if err != nil {
			return acc, err
		}
		if acc.MarginUsed, err = fp.Add(acc.MarginUsed, v.MarginUsed); err != nil {
			return acc, err
		}
		if acc.MaintenanceMargin, err = fp.Add(acc.MaintenanceMargin, v.MaintenanceMargin); err != nil {
			return acc, err
		}
		if acc.UnrealizedPnl, err = fp.Add(acc.UnrealizedPnl, v.UnrealizedPnl); err != nil {
			return acc, err
		}
		if acc.Notional, err = fp.Add(acc.Notional, v.Notional); err != nil {
			return acc, err
		}
		acc.Positions = append(acc.Positions, v)
	}

	var err error
	if acc.FreeCollateral, err = fp.Sub(u.Collateral, acc.MarginUsed); err != nil {
		return acc, err
	}
	if acc.Equity, err = fp.Add(u.Collateral, acc.UnrealizedPnl); err != nil {
		return acc, err
	}
	return acc, nil
}

func viewPosition(p *model.Position, m *model.Market, collateral int64) (PositionView, error) {
	v := PositionView{
		MarketIndex:      p.MarketIndex,
		BaseAssetAmount:  p.BaseAssetAmount,
		QuoteEntryAmount: p.QuoteEntryAmount,
		OpenOrders:       p.OpenOrders,
	}
	var err error
	if v.MarginUsed, err = Requirement(p, m.MarginRatioInitial); err != nil {
		return v, err
	}
	if v.MaintenanceMargin, err = Requirement(p, m.MarginRatioMaintenance); err != nil {
		return v, err
	}
	if p.BaseAssetAmount == 0 {
		return v, nil
	}
	if v.MarkPrice, err = MarkPrice(m); err != nil {
		return v, err
	}
	if v.EntryPrice, err = position.EntryPrice(p); err != nil {
		return v, err
	}
	if v.Notional, err = fp.Notional(p.BaseAssetAmount, v.MarkPrice); err != nil {
		return v, err
	}
	if v.UnrealizedPnl, err = position.PnLAt(p, v.MarkPrice); err != nil {
		return v, err
	}
	if v.LiquidationPrice, err = LiquidationPrice(p, collateral, m.MarginRatioMaintenance); err != nil {
		return v, err
	}
	return v, nil
}

// LiquidationPrice treats collateral as financing this position alone:
// the price at which the buffer above maintenance margin is exhausted.
func LiquidationPrice(p *model.Position, collateral, maintenanceRatio int64) (int64, error) {
	if p.BaseAssetAmount == 0 {
		return 0, nil
	}
	entry, err := position.EntryPrice(p)
	if err != nil {
		return 0, err
	}
	value, err := fp.Notional(p.BaseAssetAmount, entry)
	if err != nil {
		return 0, err
	}
	mm, err := fp.MulDiv(value, maintenanceRatio, fp.MarginPrecision)
	if err != nil {
		return 0, err
	}
	buffer := max(collateral-mm, 0)
	size, err := fp.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	priceBuffer, err := fp.MulDiv(buffer, fp.PricePrecision, size)
	if err != nil {
		return 0, err
	}
	if p.BaseAssetAmount > 0 {
		return max(entry-priceBuffer, 0), nil
	}
	liq, err := fp.Add(entry, priceBuffer)
	if err != nil {
		return 0, err
	}
	return min(liq, fp.MaxPrice), nil
}

// IsLiquidatable reports whether price has crossed the liquidation price.
// A long whose liquidation price is zero cannot be liquidated, nor a short
// whose liquidation price is MaxPrice.
func IsLiquidatable(p *model.Position, collateral, maintenanceRatio, price int64) (bool, error) {
	liq, err := LiquidationPrice(p, collateral, maintenanceRatio)
	if err != nil {
		return false, err
	}
	switch {
	case p.BaseAssetAmount > 0:
		return liq > 0 && price <= liq, nil
	case p.BaseAssetAmount < 0:
		return liq < fp.MaxPrice && price >= liq, nil
	}
	return false, nil
}
