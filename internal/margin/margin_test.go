package margin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predperp/perp-engine/internal/model"
)

func market(index uint16, oracle int64) *model.Market {
	return &model.Market{
		MarketIndex:            index,
		Status:                 model.MarketActive,
		OraclePrice:            oracle,
		MarginRatioInitial:     1_000,
		MarginRatioMaintenance: 625,
	}
}

// Five SOL of collateral financing a 1-unit long at 0.60 with 10x initial
// margin locks 0.06 SOL.
func TestFreeCollateralAfterTenXLong(t *testing.T) {
	require := require.New(t)

	u := &model.User{Collateral: 5_000_000_000}
	u.Positions[0] = model.Position{MarketIndex: 0, BaseAssetAmount: 1_000_000_000, QuoteEntryAmount: -600_000_000}

	acc, err := Evaluate(u, Markets{0: market(0, 600_000)})
	require.NoError(err)
	require.Equal(int64(60_000_000), acc.MarginUsed)
	require.Equal(int64(5_000_000_000-60_000_000), acc.FreeCollateral)
	require.Equal(int64(0), acc.UnrealizedPnl)
	require.Equal(int64(5_000_000_000), acc.Equity)
	require.Len(acc.Positions, 1)
	require.Equal(int64(600_000), acc.Positions[0].EntryPrice)
}

func TestEquityFollowsOracle(t *testing.T) {
	require := require.New(t)

	u := &model.User{Collateral: 1_000_000_000}
	u.Positions[2] = model.Position{MarketIndex: 4, BaseAssetAmount: -2_000_000_000, QuoteEntryAmount: 1_000_000_000}

	acc, err := Evaluate(u, Markets{4: market(4, 700_000)})
	require.NoError(err)
	// Short 2 units from 0.50, marked at 0.70.
	require.Equal(int64(-400_000_000), acc.UnrealizedPnl)
	require.Equal(int64(600_000_000), acc.Equity)
	require.Equal(int64(1_400_000_000), acc.Notional)
}

func TestFreeCollateralCanGoNegative(t *testing.T) {
	u := &model.User{Collateral: 10}
	u.Positions[0] = model.Position{BaseAssetAmount: 1_000_000_000, QuoteEntryAmount: -600_000_000}

	acc, err := Evaluate(u, Markets{0: market(0, 600_000)})
	require.NoError(t, err)
	require.Negative(t, acc.FreeCollateral)
	require.Zero(t, acc.DisplayFreeCollateral())
}

func TestEvaluateNeedsEveryMarket(t *testing.T) {
	u := &model.User{}
	u.Positions[0] = model.Position{MarketIndex: 3, BaseAssetAmount: 1}
	_, err := Evaluate(u, Markets{})
	require.Error(t, err)
}

func TestLiquidationPrice(t *testing.T) {
	require := require.New(t)

	long := &model.Position{BaseAssetAmount: 1_000_000_000, QuoteEntryAmount: -600_000_000}
	short := &model.Position{BaseAssetAmount: -1_000_000_000, QuoteEntryAmount: 600_000_000}

	liq, err := LiquidationPrice(long, 100_000_000, 625)
	require.NoError(err)
	require.Equal(int64(537_500), liq)

	liq, err = LiquidationPrice(short, 100_000_000, 625)
	require.NoError(err)
	require.Equal(int64(662_500), liq)

	// A well-funded long can never be liquidated.
	liq, err = LiquidationPrice(long, 5_000_000_000, 625)
	require.NoError(err)
	require.Zero(liq)

	liq, err = LiquidationPrice(short, 5_000_000_000, 625)
	require.NoError(err)
	require.Equal(int64(1_000_000), liq)

	ok, err := IsLiquidatable(long, 100_000_000, 625, 530_000)
	require.NoError(err)
	require.True(ok)
	ok, err = IsLiquidatable(long, 100_000_000, 625, 540_000)
	require.NoError(err)
	require.False(ok)
	ok, err = IsLiquidatable(short, 5_000_000_000, 625, 1_000_000)
	require.NoError(err)
	require.False(ok)
}

func TestMarkPriceUsesSettlementOnceResolved(t *testing.T) {
	m := market(0, 0)
	m.Status = model.MarketSettled
	m.SettlementPrice = 1_000_000
	p, err := MarkPrice(m)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), p)
}
