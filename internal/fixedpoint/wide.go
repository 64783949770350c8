package fixedpoint

import (
	"github.com/holiman/uint256"

	"github.com/predperp/perp-engine/internal/errcode"
)

// MaxReserve is the largest value an AMM reserve may hold (u128).
var MaxReserve = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// U converts a non-negative int64 to a 256-bit value.
func U(v int64) (*uint256.Int, error) {
	if v < 0 {
		return nil, errcode.ErrMathUnderflow
	}
	return uint256.NewInt(uint64(v)), nil
}

// MustU is U for constants known to be non-negative.
func MustU(v int64) *uint256.Int {
	u, err := U(v)
	if err != nil {
		panic(err)
	}
	return u
}

// Int64 narrows a 256-bit value back to int64.
func Int64(u *uint256.Int) (int64, error) {
	return toSigned(u, false)
}

// MulDivU returns floor(x*y/d) with a 512-bit intermediate product.
func MulDivU(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errcode.ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, errcode.ErrMathOverflow
	}
	return z, nil
}

// MulU returns x*y.
func MulU(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, errcode.ErrMathOverflow
	}
	return z, nil
}

// AddU returns x+y.
func AddU(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, errcode.ErrMathOverflow
	}
	return z, nil
}

// SubU returns x-y.
func SubU(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, errcode.ErrMathUnderflow
	}
	return z, nil
}

// CeilDivU returns ceil(x/d).
func CeilDivU(x, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errcode.ErrDivisionByZero
	}
	q := new(uint256.Int).Div(x, d)
	if !new(uint256.Int).Mod(x, d).IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// SqrtU returns floor(sqrt(x)).
func SqrtU(x *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(x)
}

// CheckReserve fails when v does not fit the u128 reserve width.
func CheckReserve(v *uint256.Int) error {
	if v.Gt(MaxReserve) {
		return errcode.ErrMathOverflow
	}
	return nil
}
