// Package fixedpoint holds the precisions every monetary quantity is scaled
// by and the checked integer arithmetic used to combine them.
//
// Values are plain int64 in their stated precision. Every operation reports
// overflow, underflow and division by zero as an *errcode.Error instead of
// wrapping. Division floors toward negative infinity unless the function
// name says otherwise.
package fixedpoint

const (
	// PricePrecision scales prices and probabilities: 1_000_000 is 1.0.
	PricePrecision int64 = 1_000_000
	// BasePrecision scales base-asset (position size) amounts.
	BasePrecision int64 = 1_000_000_000
	// QuotePrecision is the collateral unit: lamports, 1e9 per SOL.
	QuotePrecision int64 = 1_000_000_000
	// MarginPrecision scales margin ratios; 1_000 is 10%.
	MarginPrecision int64 = 10_000
	// PegPrecision scales the AMM peg multiplier.
	PegPrecision int64 = 1_000_000
	// SpreadPrecision scales AMM spreads; 1_000 is 0.1%.
	SpreadPrecision int64 = 1_000_000
	// FeePrecision scales taker fees and maker rebates.
	FeePrecision int64 = 1_000_000
	// FundingPrecision scales cumulative funding rates.
	FundingPrecision = PricePrecision

	// MaxPrice is the price of a resolved YES outcome.
	MaxPrice = PricePrecision
	// MinAMMPrice and MaxAMMPrice bound the mark price the curve can reach.
	MinAMMPrice int64 = 50_000
	MaxAMMPrice int64 = 950_000

	// DefaultMaintenanceMarginRatio is 6.25%.
	DefaultMaintenanceMarginRatio int64 = 625
)

// Notional converts a base amount at price into collateral units:
// |base| * price / PricePrecision, floored.
func Notional(base, price int64) (int64, error) {
	abs, err := Abs(base)
	if err != nil {
		return 0, err
	}
	return MulDiv(abs, price, PricePrecision)
}
