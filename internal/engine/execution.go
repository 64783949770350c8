package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/predperp/perp-engine/internal/amm"
	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/funding"
	"github.com/predperp/perp-engine/internal/margin"
	"github.com/predperp/perp-engine/internal/metrics"
	"github.com/predperp/perp-engine/internal/model"
	"github.com/predperp/perp-engine/internal/position"
	"github.com/predperp/perp-engine/internal/risk"
)

type feeMode uint8

const (
	feeNone feeMode = iota
	feeTaker
	feeMaker
)

// trade is one execution against the curve on a user's behalf.
type trade struct {
	kind    model.FillKind
	dir     model.Direction
	size    int64
	limit   int64 // worst acceptable average price; 0 for none
	fee     feeMode
	orderID uint32
	filler  model.Pubkey
}

type execution struct {
	swap     amm.Fill
	update   position.Update
	fee      int64
	realized int64 // position PnL net of fee
	funding  int64
	record   model.FillRecord
}

// execute settles the slot's funding, swaps against m's curve and folds the
// result into u's position slot pi, moving realized PnL, funding and fees
// into collateral. m and u are mutated in place; the caller discards them
// on error.
func execute(m *model.Market, u *model.User, pi int, t trade, now int64) (execution, error) {
	var x execution
	p := &u.Positions[pi]

	if err := accrueFunding(m, now); err != nil {
		return x, err
	}
	credit, err := funding.Settle(p, m)
	if err != nil {
		return x, err
	}
	x.funding = credit

	if x.swap, err = amm.Swap(&m.AMM, t.dir, t.size); err != nil {
		return x, err
	}
	if t.limit > 0 {
		if (t.dir == model.Long && x.swap.Price > t.limit) || (t.dir == model.Short && x.swap.Price < t.limit) {
			return x, errcode.Newf(errcode.SlippageToleranceExceeded, "price %d, limit %d", x.swap.Price, t.limit)
		}
	}

	switch t.fee {
	case feeTaker:
		if x.fee, err = fp.MulDivCeil(x.swap.QuoteAmount, m.TakerFee, fp.FeePrecision); err != nil {
			return x, err
		}
	case feeMaker:
		rebate, err := fp.MulDiv(x.swap.QuoteAmount, m.MakerRebate, fp.FeePrecision)
		if err != nil {
			return x, err
		}
		// Rebates come out of fees the curve has already earned.
		x.fee = -min(rebate, max(m.AMM.TotalFeeMinusDistributions, 0))
	}
	if x.fee > 0 {
		if m.AMM.TotalFee, err = fp.Add(m.AMM.TotalFee, x.fee); err != nil {
			return x, err
		}
	}
	if m.AMM.TotalFeeMinusDistributions, err = fp.Add(m.AMM.TotalFeeMinusDistributions, x.fee); err != nil {
		return x, err
	}

	if x.update, err = position.Apply(p, t.dir, t.size, x.swap.QuoteAmount); err != nil {
		return x, err
	}
	switch {
	case p.BaseAssetAmount == 0:
		p.QuoteAssetAmount = 0
		p.LastCumulativeFundingRate = 0
	case x.update.OldBase == 0 || x.update.Flipped:
		// A new side starts owing funding from now.
		p.LastCumulativeFundingRate = funding.CumulativeFor(m, p.BaseAssetAmount)
	}

	if err := applyOpenInterest(m, x.update.OldBase, x.update.NewBase); err != nil {
		return x, err
	}
	if err := amm.UpdateMarkTWAP(&m.AMM, now); err != nil {
		return x, err
	}

	// Realized PnL is booked net of fee; with funding it is the whole
	// collateral delta.
	if x.realized, err = fp.Sub(x.update.RealizedPnl, x.fee); err != nil {
		return x, err
	}
	delta, err := fp.Add(x.realized, credit)
	if err != nil {
		return x, err
	}
	if err := applyCollateral(u, m, delta); err != nil {
		return x, err
	}
	if u.RealizedPnl, err = fp.Add(u.RealizedPnl, x.realized); err != nil {
		return x, err
	}
	if u.CumulativeFunding, err = fp.Add(u.CumulativeFunding, credit); err != nil {
		return x, err
	}
	if u.TotalFeePaid, err = fp.Add(u.TotalFeePaid, x.fee); err != nil {
		return x, err
	}

	mark, err := amm.MidPrice(&m.AMM)
	if err != nil {
		return x, err
	}
	x.record = model.FillRecord{
		ID:             uuid.New(),
		MarketIndex:    m.MarketIndex,
		User:           u.Authority,
		Filler:         t.filler,
		OrderID:        t.orderID,
		Kind:           t.kind,
		Direction:      t.dir,
		BaseAmount:     t.size,
		QuoteAmount:    x.swap.QuoteAmount,
		Price:          x.swap.Price,
		Fee:            x.fee,
		RealizedPnl:    x.realized,
		MarkPriceAfter: mark,
		Ts:             now,
	}
	return x, nil
}

// applyOpenInterest moves the market's open interest and the curve's
// mirrors for a position going from oldBase to newBase.
func applyOpenInterest(m *model.Market, oldBase, newBase int64) error {
	dl, ds := amm.OpenInterestDelta(oldBase, newBase)
	var err error
	if m.BaseAssetAmountLong, err = fp.Add(m.BaseAssetAmountLong, dl); err != nil {
		return err
	}
	if m.BaseAssetAmountShort, err = fp.Add(m.BaseAssetAmountShort, ds); err != nil {
		return err
	}
	return amm.ApplyOpenInterest(&m.AMM, oldBase, newBase)
}

// checkRisk validates the account after an execution that grew exposure:
// free collateral must stay non-negative and the leverage caps must hold.
// Limiter rejections are reported under code.
func (e *Engine) checkRisk(ctx context.Context, st *model.State, m *model.Market, u *model.User, code errcode.Code) error {
	markets, err := e.marginMarkets(ctx, u, m)
	if err != nil {
		return err
	}
	acc, err := margin.Evaluate(u, markets)
	if err != nil {
		return err
	}
	if acc.FreeCollateral < 0 {
		return errcode.Newf(errcode.InsufficientMargin, "free collateral %d", acc.FreeCollateral)
	}
	exposures := make(map[uint16]int64, len(acc.Positions))
	for _, v := range acc.Positions {
		exposures[v.MarketIndex] = v.Notional
	}
	return e.checkLeverage(st, m.MarketIndex, exposures[m.MarketIndex], exposures, u.Collateral, code)
}

func (e *Engine) checkLeverage(st *model.State, target uint16, notional int64, exposures map[uint16]int64, collateral int64, code errcode.Code) error {
	lim := risk.NewLimiter(e.opts.MaxPositionNotional, st.MaxLeverage)
	err := lim.CheckLimit(target, notional, exposures, collateral)
	if err == nil {
		return nil
	}
	c, ok := errcode.CodeOf(err)
	if !ok || c != errcode.LeverageExceedsMax {
		return err
	}
	metrics.PositionLimitRejections.Inc()
	if code != c {
		return errcode.Newf(code, "%v", err)
	}
	return err
}

// checkTradable rejects executions on markets that are not trading.
// Expired markets only accept risk-reducing executions.
func checkTradable(m *model.Market, now int64, reduceOnly bool) error {
	switch m.Status {
	case model.MarketActive:
	case model.MarketSettled:
		return errcode.ErrMarketAlreadySettled
	default:
		return errcode.Newf(errcode.MarketNotActive, "market %d is %s", m.MarketIndex, m.Status)
	}
	if m.ExpiryTs != 0 && now >= m.ExpiryTs && !reduceOnly {
		return errcode.Newf(errcode.MarketNotActive, "market %d expired at %d", m.MarketIndex, m.ExpiryTs)
	}
	return nil
}

// checkOracle applies the staleness guard when one is configured.
func (e *Engine) checkOracle(m *model.Market, now int64) error {
	if e.opts.OracleMaxAge <= 0 {
		return nil
	}
	if m.OraclePrice <= 0 {
		return errcode.Newf(errcode.OraclePriceInvalid, "market %d has no oracle price", m.MarketIndex)
	}
	if m.LastOracleUpdate == 0 || now-m.LastOracleUpdate > e.opts.OracleMaxAge {
		return errcode.Newf(errcode.OraclePriceStale, "last update %d, now %d", m.LastOracleUpdate, now)
	}
	return nil
}

func checkUserCanTrade(u *model.User) error {
	switch u.Status {
	case model.UserBankrupt:
		return errcode.New(errcode.UserBankrupt)
	case model.UserBeingLiquidated:
		return errcode.New(errcode.UserBeingLiquidated)
	}
	return nil
}

// tidySlot frees a position slot that holds neither size nor orders.
func tidySlot(p *model.Position) {
	if p.IsAvailable() {
		*p = model.Position{}
	}
}
