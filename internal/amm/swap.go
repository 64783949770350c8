package amm

import (
	"github.com/holiman/uint256"

	"github.com/predperp/perp-engine/internal/errcode"
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

// Fill is the outcome of a swap against the curve.
type Fill struct {
	Direction model.Direction
	// BaseAmount is the unsigned base size traded.
	BaseAmount int64
	// QuoteAmount is what the taker pays (long) or receives (short) in
	// collateral units, spread included.
	QuoteAmount int64
	// SpreadFee is the part of QuoteAmount kept by the AMM as spread.
	SpreadFee int64
	// Price is the average execution price, QuoteAmount per base unit.
	Price int64
}

// Swap moves the curve by a taker trade of baseAmount in direction.
// A long takes base out of the curve, a short puts base in. The counter
// reserve is recomputed with a ceiling division so base*quote never falls
// below k; trades that would leave the reserve bounds are rejected.
func Swap(a *model.AMM, dir model.Direction, baseAmount int64) (Fill, error) {
	var f Fill
	if baseAmount <= 0 {
		return f, errcode.Newf(errcode.InvalidAmount, "swap size %d", baseAmount)
	}
	delta, err := fp.U(baseAmount)
	if err != nil {
		return f, err
	}
	k, err := K(a)
	if err != nil {
		return f, err
	}

	base := a.BaseAssetReserve.U()
	quote := a.QuoteAssetReserve.U()

	var newBase *uint256.Int
	switch dir {
	case model.Long:
		if !delta.Lt(base) {
			return f, errcode.Newf(errcode.InsufficientAMMLiquidity, "base reserve %s, requested %d", base.Dec(), baseAmount)
		}
		newBase = new(uint256.Int).Sub(base, delta)
		if newBase.Lt(a.MinBaseAssetReserve.U()) {
			return f, errcode.Newf(errcode.TradeSizeTooLarge, "long %d crosses max price", baseAmount)
		}
	case model.Short:
		if newBase, err = fp.AddU(base, delta); err != nil {
			return f, err
		}
		if newBase.Gt(a.MaxBaseAssetReserve.U()) {
			return f, errcode.Newf(errcode.TradeSizeTooLarge, "short %d crosses min price", baseAmount)
		}
	default:
		return f, errcode.New(errcode.InvalidOrderDirection)
	}

	newQuote, err := fp.CeilDivU(k, newBase)
	if err != nil {
		return f, err
	}
	if err := fp.CheckReserve(newQuote); err != nil {
		return f, errcode.New(errcode.InvalidAMMReserves)
	}

	// Reserve delta in quote-reserve units, then scaled by the peg into
	// collateral. Rounding goes against the taker on both sides.
	var rawQuote int64
	if dir == model.Long {
		d, err := fp.SubU(newQuote, quote)
		if err != nil {
			return f, err
		}
		if rawQuote, err = pegCeil(d, a.PegMultiplier); err != nil {
			return f, err
		}
	} else {
		d, err := fp.SubU(quote, newQuote)
		if err != nil {
			return f, err
		}
		if rawQuote, err = pegFloor(d, a.PegMultiplier); err != nil {
			return f, err
		}
	}

	spread := a.LongSpread
	if dir == model.Short {
		spread = a.ShortSpread
	}
	spreadFee, err := fp.MulDivCeil(rawQuote, spread, fp.SpreadPrecision)
	if err != nil {
		return f, err
	}
	quoteAmount := rawQuote
	if dir == model.Long {
		quoteAmount, err = fp.Add(rawQuote, spreadFee)
	} else {
		spreadFee = min(spreadFee, rawQuote)
		quoteAmount, err = fp.Sub(rawQuote, spreadFee)
	}
	if err != nil {
		return f, err
	}

	price, err := fp.MulDiv(quoteAmount, fp.PricePrecision, baseAmount)
	if err != nil {
		return f, err
	}

	// Commit to the curve only after every check passed.
	signed := baseAmount
	if dir == model.Short {
		signed = -baseAmount
	}
	net, err := fp.Add(a.BaseAssetAmountWithAMM, signed)
	if err != nil {
		return f, err
	}
	if a.TotalFee, err = fp.Add(a.TotalFee, spreadFee); err != nil {
		return f, err
	}
	if a.TotalFeeMinusDistributions, err = fp.Add(a.TotalFeeMinusDistributions, spreadFee); err != nil {
		return f, err
	}
	a.BaseAssetReserve = model.NewReserve(newBase)
	a.QuoteAssetReserve = model.NewReserve(newQuote)
	a.BaseAssetAmountWithAMM = net
	if err := updateTerminalQuote(a, k); err != nil {
		return f, err
	}
	if err := UpdateSpreads(a); err != nil {
		return f, err
	}

	return Fill{
		Direction:   dir,
		BaseAmount:  baseAmount,
		QuoteAmount: quoteAmount,
		SpreadFee:   spreadFee,
		Price:       price,
	}, nil
}

// Simulate prices a swap without touching a.
func Simulate(a *model.AMM, dir model.Direction, baseAmount int64) (Fill, error) {
	cp := *a
	return Swap(&cp, dir, baseAmount)
}

func pegFloor(d *uint256.Int, peg int64) (int64, error) {
	pegU, err := fp.U(peg)
	if err != nil {
		return 0, err
	}
	q, err := fp.MulDivU(d, pegU, fp.MustU(fp.PegPrecision))
	if err != nil {
		return 0, err
	}
	return fp.Int64(q)
}

func pegCeil(d *uint256.Int, peg int64) (int64, error) {
	pegU, err := fp.U(peg)
	if err != nil {
		return 0, err
	}
	num, err := fp.MulU(d, pegU)
	if err != nil {
		return 0, err
	}
	q, err := fp.CeilDivU(num, fp.MustU(fp.PegPrecision))
	if err != nil {
		return 0, err
	}
	return fp.Int64(q)
}

// updateTerminalQuote sets the quote reserve the curve would hold if every
// trader position were closed: k / (base + net exposure).
func updateTerminalQuote(a *model.AMM, k *uint256.Int) error {
	base := a.BaseAssetReserve.U()
	var terminalBase *uint256.Int
	var err error
	if a.BaseAssetAmountWithAMM >= 0 {
		terminalBase, err = fp.AddU(base, uint256.NewInt(uint64(a.BaseAssetAmountWithAMM)))
	} else {
		var n int64
		if n, err = fp.Abs(a.BaseAssetAmountWithAMM); err == nil {
			terminalBase, err = fp.SubU(base, uint256.NewInt(uint64(n)))
		}
	}
	if err != nil {
		return err
	}
	if terminalBase.IsZero() {
		return errcode.ErrInvalidAMMReserves
	}
	a.TerminalQuoteAssetReserve = model.NewReserve(new(uint256.Int).Div(k, terminalBase))
	return nil
}

// UpdateSpreads recomputes the per-side spreads: half the base spread each,
// plus an inventory skew on the side that would grow the AMM's exposure.
// Each side is capped at MaxSpread.
func UpdateSpreads(a *model.AMM) error {
	half := a.BaseSpread / 2
	long, short := half, half

	if a.BaseAssetAmountWithAMM != 0 {
		net, err := fp.Abs(a.BaseAssetAmountWithAMM)
		if err != nil {
			return err
		}
		netU, err := fp.U(net)
		if err != nil {
			return err
		}
		skewU, err := fp.MulDivU(netU, fp.MustU(fp.SpreadPrecision), a.SqrtK.U())
		if err != nil {
			return err
		}
		skew := a.MaxSpread
		if skewU.IsUint64() && skewU.Uint64() < uint64(a.MaxSpread) {
			skew = int64(skewU.Uint64())
		}
		// A net-short AMM (positive net) gets riskier as longs keep buying.
		if a.BaseAssetAmountWithAMM > 0 {
			long += skew
		} else {
			short += skew
		}
	}

	a.LongSpread = min(long, a.MaxSpread)
	a.ShortSpread = min(short, a.MaxSpread)
	return nil
}

// OpenInterestDelta returns how the long and short open-interest
// magnitudes change when a position moves from oldBase to newBase.
func OpenInterestDelta(oldBase, newBase int64) (dLong, dShort int64) {
	dLong = max(newBase, 0) - max(oldBase, 0)
	dShort = max(-newBase, 0) - max(-oldBase, 0)
	return dLong, dShort
}

// ApplyOpenInterest folds a position change into the AMM's mirrors.
func ApplyOpenInterest(a *model.AMM, oldBase, newBase int64) error {
	dl, ds := OpenInterestDelta(oldBase, newBase)
	var err error
	if a.BaseAssetAmountLong, err = fp.Add(a.BaseAssetAmountLong, dl); err != nil {
		return err
	}
	a.BaseAssetAmountShort, err = fp.Add(a.BaseAssetAmountShort, ds)
	return err
}
