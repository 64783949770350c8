package position

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predperp/perp-engine/internal/model"
)

const unit = 1_000_000_000

func TestApplyOpenAndExtend(t *testing.T) {
	require := require.New(t)
	var p model.Position

	u, err := Apply(&p, model.Long, unit, 400_000_000)
	require.NoError(err)
	require.Equal(int64(0), u.RealizedPnl)
	require.True(u.IncreasesRisk())
	require.Equal(int64(unit), p.BaseAssetAmount)
	require.Equal(int64(-400_000_000), p.QuoteEntryAmount)

	_, err = Apply(&p, model.Long, unit, 600_000_000)
	require.NoError(err)
	require.Equal(int64(2*unit), p.BaseAssetAmount)
	require.Equal(int64(-1_000_000_000), p.QuoteEntryAmount)

	entry, err := EntryPrice(&p)
	require.NoError(err)
	require.Equal(int64(500_000), entry)
}

func TestApplyReduceRealizesProportionally(t *testing.T) {
	require := require.New(t)
	p := model.Position{BaseAssetAmount: 2 * unit, QuoteEntryAmount: -800_000_000}

	u, err := Apply(&p, model.Short, unit, 500_000_000)
	require.NoError(err)
	require.False(u.IncreasesRisk())
	require.Equal(int64(100_000_000), u.RealizedPnl)
	require.Equal(int64(unit), p.BaseAssetAmount)
	require.Equal(int64(-400_000_000), p.QuoteEntryAmount)
}

func TestApplyShortLosesWhenPriceRises(t *testing.T) {
	require := require.New(t)
	p := model.Position{BaseAssetAmount: -2 * unit, QuoteEntryAmount: 800_000_000}

	u, err := Apply(&p, model.Long, 2*unit, 1_000_000_000)
	require.NoError(err)
	require.Equal(int64(-200_000_000), u.RealizedPnl)
	require.Equal(int64(0), p.BaseAssetAmount)
	require.Equal(int64(0), p.QuoteEntryAmount)
}

func TestApplyFlipOpensRemainderAtFillPrice(t *testing.T) {
	require := require.New(t)
	p := model.Position{BaseAssetAmount: unit, QuoteEntryAmount: -400_000_000}

	u, err := Apply(&p, model.Short, 3*unit, 1_500_000_000)
	require.NoError(err)
	require.True(u.Flipped)
	require.True(u.IncreasesRisk())
	require.Equal(int64(100_000_000), u.RealizedPnl)
	require.Equal(int64(-2*unit), p.BaseAssetAmount)
	require.Equal(int64(1_000_000_000), p.QuoteEntryAmount)

	entry, err := EntryPrice(&p)
	require.NoError(err)
	require.Equal(int64(500_000), entry)
}

func TestRealizedSignMatchesDirectionTimesMove(t *testing.T) {
	require := require.New(t)

	for _, c := range []struct {
		dir         model.Direction
		entry, exit int64
	}{
		{model.Long, 400_000, 700_000},
		{model.Long, 700_000, 400_000},
		{model.Short, 400_000, 700_000},
		{model.Short, 700_000, 400_000},
	} {
		var p model.Position
		_, err := Apply(&p, c.dir, unit, c.entry*unit/1_000_000)
		require.NoError(err)
		u, err := Apply(&p, c.dir.Opposite(), unit, c.exit*unit/1_000_000)
		require.NoError(err)

		want := c.dir.Sign() * (c.exit - c.entry) * unit / 1_000_000
		require.Equal(want, u.RealizedPnl, "%s %d -> %d", c.dir, c.entry, c.exit)
		require.Zero(p.BaseAssetAmount)
	}
}

func TestPnLAtSettlementPrice(t *testing.T) {
	// 2 units long from 0.40, resolved YES.
	p := model.Position{BaseAssetAmount: 2 * unit, QuoteEntryAmount: -800_000_000}
	pnl, err := PnLAt(&p, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(1_200_000_000), pnl)

	short := model.Position{BaseAssetAmount: -2 * unit, QuoteEntryAmount: 800_000_000}
	pnl, err = PnLAt(&short, 0)
	require.NoError(t, err)
	require.Equal(t, int64(800_000_000), pnl)
}
