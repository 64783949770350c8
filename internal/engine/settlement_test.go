package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

func (f *fixture) addExpiringMarket(price int64, expiry int64) uint16 {
	f.t.Helper()
	f.markets++
	m, err := f.eng.AddMarket(f.ctx, admin, AddMarketParams{
		Name:             "Expiring",
		ExternalID:       fmt.Sprintf("expiring-%d", f.markets),
		Oracle:           oracle,
		InitialPrice:     price,
		InitialLiquidity: liquidity(deepBook),
		ExpiryTs:         expiry,
		MarketParams:     zeroFees,
	})
	require.NoError(f.t, err)
	return m.MarketIndex
}

func TestFundingSettlesOncePerPeriod(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, Options{})
	mi := f.addMarket(600_000, deepBook, zeroFees)
	f.user(alice, 5*sol)
	f.marketOrder(alice, mi, model.Long, sol)

	// Mark 0.60 against an oracle average of 0.50: longs pay.
	_, err := f.eng.UpdateOracle(f.ctx, oracle, mi, 500_000, 500_000)
	require.NoError(err)
	f.advance(2*3600 + 10)

	before := f.collateral(alice)
	res, err := f.eng.SettleFunding(f.ctx, keeper, alice, mi)
	require.NoError(err)
	require.Equal(int64(2), res.Periods)
	require.InDelta(-8_332_000, res.Payment, 1_000)
	require.Equal(before+res.Payment, res.Collateral)
	require.Equal(res.Collateral, f.collateral(alice))

	again, err := f.eng.SettleFunding(f.ctx, keeper, alice, mi)
	require.NoError(err)
	require.Zero(again.Periods)
	require.Zero(again.Payment)
	require.Equal(res.Collateral, f.collateral(alice))

	m, err := f.eng.GetMarket(f.ctx, mi)
	require.NoError(err)
	require.Equal(start+2*3600, m.LastFundingRateTs)
	require.Positive(m.CumulativeFundingRateLong)
	require.Equal(-m.CumulativeFundingRateLong, m.CumulativeFundingRateShort)

	u, err := f.eng.GetUser(f.ctx, alice)
	require.NoError(err)
	require.Equal(res.Payment, u.CumulativeFunding)
}

func TestFundingWithoutPositionOnlyAccrues(t *testing.T) {
	f := newFixture(t, Options{})
	mi := f.addMarket(600_000, deepBook, zeroFees)
	f.user(alice, sol)
	f.advance(3600)

	res, err := f.eng.SettleFunding(f.ctx, alice, alice, mi)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Periods)
	require.Zero(t, res.Payment)
	require.Equal(t, sol, res.Collateral)

	_, err = f.eng.SettleFunding(f.ctx, model.Pubkey{}, alice, mi)
	requireCode(t, err, errcode.InvalidAuthority)
}

// A long opened at 0.40 for 2e9 base settles at 1.0 for +1.2e9.
func TestSettlePositionAtResolution(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, Options{})
	mi := f.addExpiringMarket(400_000, start+100)
	f.user(alice, 5*sol)

	open := f.marketOrder(alice, mi, model.Long, 2_000_000_000)
	entry := open.Position.QuoteEntryAmount
	require.InDelta(-800_000_000, entry, 2)

	res, err := f.eng.PlaceOrder(f.ctx, alice, alice, OrderParams{
		MarketIndex:     mi,
		OrderType:       model.OrderTypeLimit,
		Direction:       model.Long,
		BaseAssetAmount: sol,
		Price:           300_000,
	})
	require.NoError(err)
	require.Equal(model.OrderOpen, res.Order.Status)

	_, err = f.eng.SettleMarket(f.ctx, oracle, mi, fp.MaxPrice)
	requireCode(t, err, errcode.MarketNotExpired)

	f.advance(150)
	// Past expiry only risk-reducing trades are accepted.
	_, err = f.eng.PlaceOrder(f.ctx, alice, alice, OrderParams{MarketIndex: mi, Direction: model.Long, BaseAssetAmount: sol})
	requireCode(t, err, errcode.MarketNotActive)

	_, err = f.eng.SettlePosition(f.ctx, alice, alice, mi)
	requireCode(t, err, errcode.PositionNotSettled)
	_, err = f.eng.SettleMarket(f.ctx, oracle, mi, 500_000)
	requireCode(t, err, errcode.InvalidSettlementPrice)
	_, err = f.eng.SettleMarket(f.ctx, alice, mi, fp.MaxPrice)
	requireCode(t, err, errcode.InvalidAuthority)

	m, err := f.eng.SettleMarket(f.ctx, oracle, mi, fp.MaxPrice)
	require.NoError(err)
	require.Equal(model.MarketSettled, m.Status)
	_, err = f.eng.SettleMarket(f.ctx, admin, mi, 0)
	requireCode(t, err, errcode.MarketAlreadySettled)
	_, err = f.eng.UpdateOracle(f.ctx, oracle, mi, 900_000, 0)
	requireCode(t, err, errcode.MarketAlreadySettled)
	_, err = f.eng.ClosePosition(f.ctx, alice, alice, mi)
	requireCode(t, err, errcode.MarketAlreadySettled)

	before := f.collateral(alice)
	settled, err := f.eng.SettlePosition(f.ctx, alice, alice, mi)
	require.NoError(err)
	require.InDelta(1_200_000_000, settled.Pnl, 2)
	require.Equal(2_000_000_000+entry, settled.Pnl)
	require.Equal(before+settled.Pnl+settled.Funding, settled.Collateral)
	require.Equal(model.FillSettlement, settled.Fill.Kind)
	require.Equal(fp.MaxPrice, settled.Fill.Price)

	u, err := f.eng.GetUser(f.ctx, alice)
	require.NoError(err)
	require.Equal(-1, u.FindPosition(mi))
	require.Zero(u.OpenOrders)
	require.Equal(model.OrderCancelled, u.Orders[u.FindOrder(res.Order.OrderID)].Status)

	m, err = f.eng.GetMarket(f.ctx, mi)
	require.NoError(err)
	require.Zero(m.BaseAssetAmountLong)
	require.Zero(m.AMM.BaseAssetAmountWithAMM)

	_, err = f.eng.SettlePosition(f.ctx, alice, alice, mi)
	requireCode(t, err, errcode.PositionNotFound)
}

func TestSettleShortAtZero(t *testing.T) {
	f := newFixture(t, Options{})
	mi := f.addExpiringMarket(300_000, start+10)
	f.user(alice, 5*sol)

	open := f.marketOrder(alice, mi, model.Short, sol)
	f.advance(20)
	_, err := f.eng.SettleMarket(f.ctx, admin, mi, 0)
	require.NoError(t, err)

	res, err := f.eng.SettlePosition(f.ctx, alice, alice, mi)
	require.NoError(t, err)
	require.Equal(t, open.Position.QuoteEntryAmount, res.Pnl)
	require.InDelta(t, 300_000_000, res.Pnl, 2)
}

func TestPerpetualMarketNeverSettles(t *testing.T) {
	f := newFixture(t, Options{})
	mi := f.addMarket(500_000, deepBook, zeroFees)
	f.advance(365 * 24 * 3600)

	_, err := f.eng.SettleMarket(f.ctx, oracle, mi, fp.MaxPrice)
	requireCode(t, err, errcode.MarketNotExpired)
	m, err := f.eng.GetMarket(f.ctx, mi)
	require.NoError(t, err)
	require.Equal(t, model.MarketActive, m.Status)
}

func TestLiquidation(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, Options{})
	mi := f.addMarket(500_000, shallowBook, zeroFees)
	f.user(alice, sol)
	f.marketOrder(alice, mi, model.Long, 10*sol)

	res, err := f.eng.PlaceOrder(f.ctx, alice, alice, OrderParams{
		MarketIndex:     mi,
		OrderType:       model.OrderTypeLimit,
		Direction:       model.Long,
		BaseAssetAmount: sol,
		Price:           300_000,
	})
	require.NoError(err)

	_, err = f.eng.Liquidate(f.ctx, keeper, alice, mi)
	requireCode(t, err, errcode.SufficientCollateral)

	sum, err := f.eng.AccountSummary(f.ctx, alice)
	require.NoError(err)
	liq := sum.Positions[0].LiquidationPrice
	require.Greater(liq, int64(400_000))
	require.Less(liq, int64(500_000))

	_, err = f.eng.UpdateOracle(f.ctx, oracle, mi, 400_000, 0)
	require.NoError(err)

	out, err := f.eng.Liquidate(f.ctx, keeper, alice, mi)
	require.NoError(err)
	require.Equal(model.FillLiquidation, out.Fill.Kind)
	require.Equal(keeper, out.Fill.Filler)
	require.Equal(model.UserActive, out.Status)
	require.Zero(out.BadDebt)

	u, err := f.eng.GetUser(f.ctx, alice)
	require.NoError(err)
	require.Equal(-1, u.FindPosition(mi))
	require.Equal(model.OrderCancelled, u.Orders[u.FindOrder(res.Order.OrderID)].Status)
	require.Equal(out.Collateral, u.Collateral)

	_, err = f.eng.Liquidate(f.ctx, keeper, alice, mi)
	requireCode(t, err, errcode.PositionNotFound)
}

func TestLossBeyondCollateralIsBadDebt(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, Options{})
	mi := f.addMarket(500_000, shallowBook, zeroFees)
	f.user(alice, sol)
	f.user(bob, 1000*sol)

	f.marketOrder(alice, mi, model.Long, 10*sol)
	// Bob dumps the curve far below alice's entry.
	f.marketOrder(bob, mi, model.Short, 500*sol)

	res, err := f.eng.ClosePosition(f.ctx, alice, alice, mi)
	require.NoError(err)
	require.Zero(res.Collateral)

	got, err := f.eng.GetUser(f.ctx, alice)
	require.NoError(err)
	require.Equal(model.UserBankrupt, got.Status)
	mk, err := f.eng.GetMarket(f.ctx, mi)
	require.NoError(err)
	require.Equal(-(sol + res.Fill.RealizedPnl), mk.BadDebt)

	// A bankrupt account cannot trade until it is funded again.
	_, err = f.eng.PlaceOrder(f.ctx, alice, alice, OrderParams{MarketIndex: mi, Direction: model.Long, BaseAssetAmount: sol})
	requireCode(t, err, errcode.UserBankrupt)
	_, err = f.eng.Deposit(f.ctx, alice, alice, sol)
	require.NoError(err)
	got, err = f.eng.GetUser(f.ctx, alice)
	require.NoError(err)
	require.Equal(model.UserActive, got.Status)
}

func TestApplyCollateralShortfall(t *testing.T) {
	u := &model.User{Collateral: 10}
	m := &model.Market{BadDebt: 5}
	require.NoError(t, applyCollateral(u, m, -25))
	require.Zero(t, u.Collateral)
	require.Equal(t, model.UserBankrupt, u.Status)
	require.Equal(t, int64(20), m.BadDebt)

	u = &model.User{Collateral: 10}
	require.NoError(t, applyCollateral(u, m, -10))
	require.Zero(t, u.Collateral)
	require.Equal(t, model.UserActive, u.Status)
}
