package engine

import (
	"context"

	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/model"
)

// LiquidationResult reports a forced close.
type LiquidationResult struct {
	Fill       model.FillRecord `json:"fill"`
	Collateral int64            `json:"collateral"`
	Status     model.UserStatus `json:"status"`
	// BadDebt is the shortfall this liquidation left on the market.
	BadDebt int64 `json:"bad_debt"`
}

// Liquidate force-closes authority's position in a market once the oracle
// price has crossed its liquidation price. Any keeper may call it. The
// user's resting orders in the market are cancelled first; a loss beyond
// the collateral leaves the user bankrupt and the market holding bad debt.
func (e *Engine) Liquidate(ctx context.Context, keeper, authority model.Pubkey, marketIndex uint16) (*LiquidationResult, error) {
	var out *LiquidationResult
	err := e.run("liquidate", func() error {
		if keeper.IsZero() {
			return errcode.ErrInvalidAuthority
		}
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}, users: []model.Pubkey{authority}})
		defer release()

		st, err := e.tradingState(ctx)
		if err != nil {
			return err
		}
		u, err := e.loadUser(ctx, authority)
		if err != nil {
			return err
		}
		pi := u.FindPosition(marketIndex)
		if pi < 0 || u.Positions[pi].BaseAssetAmount == 0 {
			return errcode.Newf(errcode.PositionNotFound, "market %d", marketIndex)
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if err := checkTradable(m, now, true); err != nil {
			return err
		}
		if err := e.checkOracle(m, now); err != nil {
			return err
		}

		p := &u.Positions[pi]
		price, err := margin.MarkPrice(m)
		if err != nil {
			return err
		}
		ratio := max(m.MarginRatioMaintenance, st.LiquidationMarginRatio)
		ok, err := margin.IsLiquidatable(p, u.Collateral, ratio, price)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.Newf(errcode.SufficientCollateral, "price %d has not crossed liquidation", price)
		}

		var w unit
		wasBankrupt := u.Status == model.UserBankrupt
		u.Status = model.UserBeingLiquidated
		for i := range u.Orders {
			o := &u.Orders[i]
			if o.Status != model.OrderOpen || o.MarketIndex != marketIndex {
				continue
			}
			o.Status = model.OrderCancelled
			if err := releaseOrder(u, o); err != nil {
				return err
			}
			w.emit(events.OrderCancelled, events.MarketRef(marketIndex), authority, *o)
		}

		size, err := fp.Abs(p.BaseAssetAmount)
		if err != nil {
			return err
		}
		debtBefore := m.BadDebt
		x, err := execute(m, u, pi, trade{
			kind:   model.FillLiquidation,
			dir:    model.DirectionOf(p.BaseAssetAmount).Opposite(),
			size:   size,
			fee:    feeTaker,
			filler: keeper,
		}, now)
		if err != nil {
			return err
		}
		tidySlot(p)
		switch {
		case wasBankrupt:
			u.Status = model.UserBankrupt
		case u.Status != model.UserBankrupt:
			u.Status = model.UserActive
		}

		res := &LiquidationResult{
			Fill:       x.record,
			Collateral: u.Collateral,
			Status:     u.Status,
			BadDebt:    m.BadDebt - debtBefore,
		}
		w.putUser(u)
		w.putMarket(m)
		w.addFill(x.record)
		w.emit(events.PositionLiquidated, events.MarketRef(marketIndex), authority, res)
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		e.log.Warn().
			Uint16("market", marketIndex).
			Str("user", authority.String()).
			Str("keeper", keeper.String()).
			Int64("price", price).
			Int64("bad_debt", res.BadDebt).
			Msg("position liquidated")
		out = res
		return nil
	})
	return out, err
}
