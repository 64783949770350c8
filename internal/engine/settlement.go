package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/predperp/perp-engine/internal/errcode"
	"github.com/predperp/perp-engine/internal/events"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/funding"
	"github.com/predperp/perp-engine/internal/model"
)

// FundingResult reports one funding settlement.
type FundingResult struct {
	MarketIndex uint16 `json:"market_index"`
	// Periods is how many funding periods the market accrued in this call.
	Periods int64 `json:"periods"`
	// Payment is the collateral credited to the user; negative is a debit.
	Payment    int64 `json:"payment"`
	Collateral int64 `json:"collateral"`
}

// SettleFunding accrues the market's elapsed funding periods and settles
// what authority's position owes or is owed. Anyone may trigger it. Calling
// it again before the next period changes nothing.
func (e *Engine) SettleFunding(ctx context.Context, signer, authority model.Pubkey, marketIndex uint16) (*FundingResult, error) {
	var out *FundingResult
	err := e.run("settle_funding", func() error {
		if signer.IsZero() {
			return errcode.ErrInvalidAuthority
		}
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}, users: []model.Pubkey{authority}})
		defer release()

		if _, err := e.loadState(ctx); err != nil {
			return err
		}
		u, err := e.loadUser(ctx, authority)
		if err != nil {
			return err
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		periods, err := funding.Accrue(m, now)
		if err != nil {
			return err
		}
		res := &FundingResult{MarketIndex: marketIndex, Periods: periods, Collateral: u.Collateral}

		var w unit
		if periods > 0 {
			w.putMarket(m)
		}
		if pi := u.FindPosition(marketIndex); pi >= 0 && u.Positions[pi].BaseAssetAmount != 0 {
			p := &u.Positions[pi]
			before := p.LastCumulativeFundingRate
			credit, err := funding.Settle(p, m)
			if err != nil {
				return err
			}
			if credit != 0 || p.LastCumulativeFundingRate != before {
				if err := applyCollateral(u, m, credit); err != nil {
					return err
				}
				if u.CumulativeFunding, err = fp.Add(u.CumulativeFunding, credit); err != nil {
					return err
				}
				w.putUser(u)
				w.putMarket(m)
			}
			res.Payment = credit
			res.Collateral = u.Collateral
		}
		if w.batch.Empty() {
			out = res
			return nil
		}

		w.emit(events.FundingSettled, events.MarketRef(marketIndex), authority, res)
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// SettleResult reports the final settlement of one position.
type SettleResult struct {
	Fill       model.FillRecord `json:"fill"`
	Pnl        int64            `json:"pnl"`
	Funding    int64            `json:"funding"`
	Collateral int64            `json:"collateral"`
}

// SettlePosition closes authority's position in a settled market at the
// settlement price. Resting orders in the market are cancelled and the
// position slot is freed.
func (e *Engine) SettlePosition(ctx context.Context, signer, authority model.Pubkey, marketIndex uint16) (*SettleResult, error) {
	var out *SettleResult
	err := e.run("settle_position", func() error {
		release := e.locks.acquire(scope{markets: []uint16{marketIndex}, users: []model.Pubkey{authority}})
		defer release()

		if _, err := e.loadState(ctx); err != nil {
			return err
		}
		u, err := e.signedUser(ctx, signer, authority)
		if err != nil {
			return err
		}
		m, err := e.loadMarket(ctx, marketIndex)
		if err != nil {
			return err
		}
		if m.Status != model.MarketSettled {
			return errcode.Newf(errcode.PositionNotSettled, "market %d is %s", marketIndex, m.Status)
		}
		pi := u.FindPosition(marketIndex)
		if pi < 0 || u.Positions[pi].BaseAssetAmount == 0 {
			return errcode.Newf(errcode.PositionNotFound, "market %d", marketIndex)
		}
		p := &u.Positions[pi]
		base := p.BaseAssetAmount

		credit, err := funding.Settle(p, m)
		if err != nil {
			return err
		}
		pnl, err := funding.SettlementPnL(p, m)
		if err != nil {
			return err
		}
		delta, err := fp.Add(pnl, credit)
		if err != nil {
			return err
		}
		if err := applyCollateral(u, m, delta); err != nil {
			return err
		}
		if u.RealizedPnl, err = fp.Add(u.RealizedPnl, pnl); err != nil {
			return err
		}
		if u.CumulativeFunding, err = fp.Add(u.CumulativeFunding, credit); err != nil {
			return err
		}

		if err := applyOpenInterest(m, base, 0); err != nil {
			return err
		}
		if m.AMM.BaseAssetAmountWithAMM, err = fp.Sub(m.AMM.BaseAssetAmountWithAMM, base); err != nil {
			return err
		}

		p.BaseAssetAmount = 0
		p.QuoteAssetAmount = 0
		p.QuoteEntryAmount = 0
		p.LastCumulativeFundingRate = 0

		var w unit
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
		*p = model.Position{}

		size, err := fp.Abs(base)
		if err != nil {
			return err
		}
		quote, err := fp.Notional(base, m.SettlementPrice)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		rec := model.FillRecord{
			ID:             uuid.New(),
			MarketIndex:    marketIndex,
			User:           authority,
			Filler:         signer,
			Kind:           model.FillSettlement,
			Direction:      model.DirectionOf(base).Opposite(),
			BaseAmount:     size,
			QuoteAmount:    quote,
			Price:          m.SettlementPrice,
			RealizedPnl:    pnl,
			MarkPriceAfter: m.SettlementPrice,
			Ts:             now,
		}

		w.putUser(u)
		w.putMarket(m)
		w.addFill(rec)
		res := &SettleResult{Fill: rec, Pnl: pnl, Funding: credit, Collateral: u.Collateral}
		w.emit(events.PositionSettled, events.MarketRef(marketIndex), authority, res)
		if err := e.commit(ctx, &w, now); err != nil {
			return err
		}
		e.log.Info().
			Uint16("market", marketIndex).
			Str("user", authority.String()).
			Int64("pnl", pnl).
			Msg("position settled")
		out = res
		return nil
	})
	return out, err
}
