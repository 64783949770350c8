package model

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte wallet identity, written in base58.
type Pubkey [32]byte

// ParsePubkey decodes a base58 identity.
func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("model: pubkey %q: %w", s, err)
	}
	if len(raw) != len(p) {
		return p, fmt.Errorf("model: pubkey %q decodes to %d bytes, want %d", s, len(raw), len(p))
	}
	copy(p[:], raw)
	return p, nil
}

// MustPubkey is ParsePubkey for literals.
func MustPubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }

func (p Pubkey) IsZero() bool { return p == Pubkey{} }

// Compare orders identities bytewise; used for lock ordering.
func (p Pubkey) Compare(o Pubkey) int { return bytes.Compare(p[:], o[:]) }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = Pubkey{}
		return nil
	}
	v, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
