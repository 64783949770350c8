package model

import (
	"github.com/shopspring/decimal"
)

// Human-readable renderings of fixed-point values for read-backs. These are
// never fed back into engine arithmetic.

// PriceDecimal renders a PricePrecision value, e.g. 600000 -> 0.6.
func PriceDecimal(p int64) decimal.Decimal { return decimal.New(p, -6) }

// BaseDecimal renders a BasePrecision amount.
func BaseDecimal(b int64) decimal.Decimal { return decimal.New(b, -9) }

// QuoteDecimal renders lamports as SOL.
func QuoteDecimal(q int64) decimal.Decimal { return decimal.New(q, -9) }

// RatioDecimal renders a MarginPrecision ratio as a fraction.
func RatioDecimal(r int64) decimal.Decimal { return decimal.New(r, -4) }
