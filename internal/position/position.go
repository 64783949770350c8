// Package position applies AMM executions to a user's position slot.
//
// quote_entry_amount is signed: negative for a long (cash paid to open),
// positive for a short (cash received). With that convention unrealized PnL
// is size*mark/PricePrecision + quote_entry for either side.
package position

import (
	fp "github.com/predperp/perp-engine/internal/fixedpoint"
	"github.com/predperp/perp-engine/internal/model"
)

// Update is the effect of one fill on a position.
type Update struct {
	OldBase int64
	NewBase int64
	// RealizedPnl is the collateral delta from the closed portion, floored.
	RealizedPnl int64
	// Flipped is true when the fill crossed zero.
	Flipped bool
}

// IncreasesRisk reports whether the fill grew the exposure or flipped it.
func (u Update) IncreasesRisk() bool {
	if u.Flipped {
		return true
	}
	return abs(u.NewBase) > abs(u.OldBase)
}

// Apply folds a fill of baseAmount in dir, settled for quoteAmount
// collateral, into p. The quote amount is unsigned: paid for a long fill,
// received for a short fill.
func Apply(p *model.Position, dir model.Direction, baseAmount, quoteAmount int64) (Update, error) {
	u := Update{OldBase: p.BaseAssetAmount}

	signedBase := baseAmount
	cashFlow := -quoteAmount
	if dir == model.Short {
		signedBase = -baseAmount
		cashFlow = quoteAmount
	}

	newBase, err := fp.Add(p.BaseAssetAmount, signedBase)
	if err != nil {
		return u, err
	}
	if p.QuoteAssetAmount, err = fp.Add(p.QuoteAssetAmount, cashFlow); err != nil {
		return u, err
	}
	u.NewBase = newBase

	old := p.BaseAssetAmount
	switch {
	case old == 0 || (old > 0) == (signedBase > 0):
		// Open or extend: the whole fill joins the cost basis.
		if p.QuoteEntryAmount, err = fp.Add(p.QuoteEntryAmount, cashFlow); err != nil {
			return u, err
		}

	case abs(signedBase) <= abs(old):
		// Reduce or close: release the proportional share of the basis.
		released, err := fp.MulDiv(p.QuoteEntryAmount, baseAmount, abs(old))
		if err != nil {
			return u, err
		}
		if u.RealizedPnl, err = fp.Add(cashFlow, released); err != nil {
			return u, err
		}
		if p.QuoteEntryAmount, err = fp.Sub(p.QuoteEntryAmount, released); err != nil {
			return u, err
		}
		if newBase == 0 {
			p.QuoteEntryAmount = 0
		}

	default:
		// Flip: close all of old against its share of the fill, then open
		// the remainder at the fill price.
		u.Flipped = true
		closeCash, err := fp.MulDiv(cashFlow, abs(old), baseAmount)
		if err != nil {
			return u, err
		}
		if u.RealizedPnl, err = fp.Add(closeCash, p.QuoteEntryAmount); err != nil {
			return u, err
		}
		if p.QuoteEntryAmount, err = fp.Sub(cashFlow, closeCash); err != nil {
			return u, err
		}
	}

	p.BaseAssetAmount = newBase
	return u, nil
}

// EntryPrice is |quote_entry| * PricePrecision / |size|, zero when flat.
func EntryPrice(p *model.Position) (int64, error) {
	if p.BaseAssetAmount == 0 {
		return 0, nil
	}
	qe, err := fp.Abs(p.QuoteEntryAmount)
	if err != nil {
		return 0, err
	}
	base, err := fp.Abs(p.BaseAssetAmount)
	if err != nil {
		return 0, err
	}
	return fp.MulDiv(qe, fp.PricePrecision, base)
}

// PnLAt is the PnL of the position if it were valued at price:
// size*price/PricePrecision + quote_entry, floored.
func PnLAt(p *model.Position, price int64) (int64, error) {
	value, err := fp.MulDiv(p.BaseAssetAmount, price, fp.PricePrecision)
	if err != nil {
		return 0, err
	}
	return fp.Add(value, p.QuoteEntryAmount)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
