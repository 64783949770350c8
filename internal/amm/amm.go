// Package amm implements the virtual constant-product curve each market
// prices against.
//
// There is no real counter-asset pool. The curve holds a base and a quote
// reserve whose product k is fixed at creation; the peg multiplier scales
// the reserve ratio into a probability price. Trades move reserves along
// the curve and the reserve bounds keep the mark price inside
// [MinAMMPrice, MaxAMMPrice].
//
// All functions operate on *model.AMM in place. Callers that need a dry run
// copy the struct first; it holds no pointers.
package amm

import (
	"github.com/holiman/uint256"

	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

// MinSqrtK is the smallest liquidity depth a market can be created with.
var MinSqrtK = uint256.NewInt(uint64(fp.BasePrecision))

// Init builds a curve whose mid price equals initialPrice. The reserves are
// both floor(sqrt(liquidity)), so k is the largest perfect square not above
// the supplied liquidity.
func Init(initialPrice int64, liquidity *uint256.Int, baseSpread, maxSpread, now int64) (model.AMM, error) {
	var a model.AMM
	if initialPrice <= fp.MinAMMPrice || initialPrice >= fp.MaxAMMPrice {
		return a, errcode.Newf(errcode.PriceBoundsExceeded, "initial price %d", initialPrice)
	}
	if err := fp.CheckReserve(liquidity); err != nil {
		return a, errcode.Newf(errcode.InvalidAMMReserves, "liquidity exceeds u128")
	}
	if baseSpread < 0 || maxSpread < baseSpread || maxSpread >= fp.SpreadPrecision {
		return a, errcode.Newf(errcode.InvalidMarketParams, "spread %d max %d", baseSpread, maxSpread)
	}

	sqrtK := fp.SqrtU(liquidity)
	if sqrtK.Lt(MinSqrtK) {
		return a, errcode.Newf(errcode.InvalidAMMReserves, "liquidity %s below minimum depth", liquidity.Dec())
	}
	k, err := fp.MulU(sqrtK, sqrtK)
	if err != nil {
		return a, err
	}

	a.BaseAssetReserve = model.NewReserve(sqrtK)
	a.QuoteAssetReserve = model.NewReserve(sqrtK)
	a.SqrtK = model.NewReserve(sqrtK)
	a.PegMultiplier = initialPrice
	a.TerminalQuoteAssetReserve = model.NewReserve(sqrtK)

	minBase, maxBase, err := reserveBounds(k, initialPrice)
	if err != nil {
		return a, err
	}
	a.MinBaseAssetReserve = model.NewReserve(minBase)
	a.MaxBaseAssetReserve = model.NewReserve(maxBase)

	a.BaseSpread = baseSpread
	a.MaxSpread = maxSpread
	a.LongSpread = baseSpread / 2
	a.ShortSpread = baseSpread / 2

	a.LastMarkPriceTWAP = initialPrice
	a.LastMarkPriceTWAP5Min = initialPrice
	a.LastBidPriceTWAP = initialPrice
	a.LastAskPriceTWAP = initialPrice
	a.LastMarkPriceTWAPTs = now
	return a, nil
}

// reserveBounds returns the base reserve range that keeps
// price = k*peg/base^2 within the AMM price band.
func reserveBounds(k *uint256.Int, peg int64) (minBase, maxBase *uint256.Int, err error) {
	pegU, err := fp.U(peg)
	if err != nil {
		return nil, nil, err
	}
	hi, err := fp.MulDivU(k, pegU, fp.MustU(fp.MaxAMMPrice))
	if err != nil {
		return nil, nil, err
	}
	lo, err := fp.MulDivU(k, pegU, fp.MustU(fp.MinAMMPrice))
	if err != nil {
		return nil, nil, err
	}
	minBase = fp.SqrtU(hi)
	minBase.AddUint64(minBase, 1)
	maxBase = fp.SqrtU(lo)
	if err := fp.CheckReserve(maxBase); err != nil {
		return nil, nil, errcode.New(errcode.InvalidAMMReserves)
	}
	return minBase, maxBase, nil
}

// K returns base*quote as recorded by sqrt_k.
func K(a *model.AMM) (*uint256.Int, error) {
	s := a.SqrtK.U()
	return fp.MulU(s, s)
}

// MidPrice is quote * peg * PricePrecision / base / PegPrecision.
func MidPrice(a *model.AMM) (int64, error) {
	return priceAt(a.BaseAssetReserve.U(), a.QuoteAssetReserve.U(), a.PegMultiplier)
}

func priceAt(base, quote *uint256.Int, peg int64) (int64, error) {
	if base.IsZero() {
		return 0, errcode.ErrInvalidAMMReserves
	}
	pegU, err := fp.U(peg)
	if err != nil {
		return 0, err
	}
	num, err := fp.MulU(quote, pegU)
	if err != nil {
		return 0, err
	}
	den, err := fp.MulU(base, fp.MustU(fp.PegPrecision))
	if err != nil {
		return 0, err
	}
	p, err := fp.MulDivU(num, fp.MustU(fp.PricePrecision), den)
	if err != nil {
		return 0, err
	}
	return fp.Int64(p)
}

// AskPrice is the mid plus the long spread.
func AskPrice(a *model.AMM) (int64, error) {
	mid, err := MidPrice(a)
	if err != nil {
		return 0, err
	}
	adj, err := fp.MulDiv(mid, a.LongSpread, fp.SpreadPrecision)
	if err != nil {
		return 0, err
	}
	return fp.Add(mid, adj)
}

// BidPrice is the mid minus the short spread.
func BidPrice(a *model.AMM) (int64, error) {
	mid, err := MidPrice(a)
	if err != nil {
		return 0, err
	}
	adj, err := fp.MulDiv(mid, a.ShortSpread, fp.SpreadPrecision)
	if err != nil {
		return 0, err
	}
	return fp.Sub(mid, adj)
}

// Quotes bundles the three prices for read-backs.
type Quotes struct {
	Bid int64 `json:"bid"`
	Mid int64 `json:"mid"`
	Ask int64 `json:"ask"`
}

// PriceQuotes returns bid, mid and ask together.
func PriceQuotes(a *model.AMM) (Quotes, error) {
	var q Quotes
	var err error
	if q.Mid, err = MidPrice(a); err != nil {
		return q, err
	}
	if q.Bid, err = BidPrice(a); err != nil {
		return q, err
	}
	if q.Ask, err = AskPrice(a); err != nil {
		return q, err
	}
	return q, nil
}
