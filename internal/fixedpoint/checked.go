package fixedpoint

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/predperp/perp-engine/internal/errcode"
)

// Add returns a+b.
func Add(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		if b > 0 {
			return 0, errcode.ErrMathOverflow
		}
		return 0, errcode.ErrMathUnderflow
	}
	return c, nil
}

// Sub returns a-b.
func Sub(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		if b > 0 {
			return 0, errcode.ErrMathUnderflow
		}
		return 0, errcode.ErrMathOverflow
	}
	return c, nil
}

// Mul returns a*b.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, signedOverflow((a < 0) != (b < 0))
	}
	return c, nil
}

// Div returns floor(a/b).
func Div(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errcode.ErrDivisionByZero
	}
	if a == math.MinInt64 && b == -1 {
		return 0, errcode.ErrMathOverflow
	}
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q, nil
}

// Abs returns |a|. MinInt64 has no positive counterpart.
func Abs(a int64) (int64, error) {
	if a == math.MinInt64 {
		return 0, errcode.ErrMathOverflow
	}
	if a < 0 {
		return -a, nil
	}
	return a, nil
}

// MulDiv returns floor(a*b/d) using a 256-bit intermediate, so the product
// never overflows before the division.
func MulDiv(a, b, d int64) (int64, error) {
	return mulDiv(a, b, d, false)
}

// MulDivCeil returns ceil(a*b/d).
func MulDivCeil(a, b, d int64) (int64, error) {
	return mulDiv(a, b, d, true)
}

func mulDiv(a, b, d int64, ceil bool) (int64, error) {
	if d == 0 {
		return 0, errcode.ErrDivisionByZero
	}
	neg := ((a < 0) != (b < 0)) != (d < 0)
	if a == 0 || b == 0 {
		return 0, nil
	}

	prod := new(uint256.Int).Mul(uint256.NewInt(absU(a)), uint256.NewInt(absU(b)))
	div := uint256.NewInt(absU(d))
	q := new(uint256.Int).Div(prod, div)
	rem := new(uint256.Int).Mod(prod, div)

	// q is the truncated magnitude. Floor rounds negatives away from zero,
	// ceil rounds positives away from zero.
	if !rem.IsZero() && neg != ceil {
		q.AddUint64(q, 1)
	}
	return toSigned(q, neg)
}

func toSigned(q *uint256.Int, neg bool) (int64, error) {
	if !q.IsUint64() {
		return 0, signedOverflow(neg)
	}
	u := q.Uint64()
	if neg {
		if u > 1<<63 {
			return 0, errcode.ErrMathUnderflow
		}
		return -int64(u), nil
	}
	if u > math.MaxInt64 {
		return 0, errcode.ErrMathOverflow
	}
	return int64(u), nil
}

func absU(a int64) uint64 {
	if a < 0 {
		return uint64(-(a + 1)) + 1
	}
	return uint64(a)
}

func signedOverflow(neg bool) error {
	if neg {
		return errcode.ErrMathUnderflow
	}
	return errcode.ErrMathOverflow
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
