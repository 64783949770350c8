package model

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Reserve is an unsigned AMM quantity wider than int64 (reserves, k).
// It marshals as a decimal string.
type Reserve struct {
	uint256.Int
}

// NewReserve copies u into a Reserve.
func NewReserve(u *uint256.Int) Reserve {
	var r Reserve
	r.Set(u)
	return r
}

// ReserveFromUint64 is a convenience for tests and literals.
func ReserveFromUint64(v uint64) Reserve {
	return NewReserve(uint256.NewInt(v))
}

// U returns a fresh copy of the value for arithmetic.
func (r Reserve) U() *uint256.Int { return new(uint256.Int).Set(&r.Int) }

func (r Reserve) String() string { return r.Int.Dec() }

func (r Reserve) MarshalJSON() ([]byte, error) { return json.Marshal(r.Int.Dec()) }

func (r *Reserve) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("model: reserve: %w", err)
	}
	return r.SetDecimal(s)
}

// SetDecimal parses a base-10 string.
func (r *Reserve) SetDecimal(s string) error {
	if err := r.Int.SetFromDecimal(s); err != nil {
		return fmt.Errorf("model: reserve %q: %w", s, err)
	}
	return nil
}
