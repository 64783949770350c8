// Package marketref validates and normalises the identifiers a market is
// admitted under: its display name and the id of the upstream prediction
// market it tracks.
package marketref

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/predperp/perp-engine/internal/model"
)

// Kinds of external reference.
const (
	KindCondition = "condition" // 0x-prefixed 32-byte hex condition id
	KindNumeric   = "numeric"   // numeric market id
	KindSlug      = "slug"      // url slug
)

const maxExternalIDLen = 64

var (
	conditionRegex = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	numericRegex   = regexp.MustCompile(`^[0-9]{1,20}$`)
	slugRegex      = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

var (
	ErrInvalidName       = errors.New("marketref: invalid market name")
	ErrInvalidExternalID = errors.New("marketref: invalid external id")
)

// Ref is a validated market reference.
type Ref struct {
	Name       string `json:"name"`
	ExternalID string `json:"external_id"`
	Kind       string `json:"kind"`
}

// Parse validates name and externalID. The external id is lower-cased and
// trimmed, so the same upstream market cannot be admitted twice under
// different spellings.
func Parse(name, externalID string) (*Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > model.MaxNameLen || !utf8.ValidString(name) {
		return nil, fmt.Errorf("%w: %q (1-%d bytes of UTF-8)", ErrInvalidName, name, model.MaxNameLen)
	}

	id := strings.ToLower(strings.TrimSpace(externalID))
	if id == "" || len(id) > maxExternalIDLen+2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExternalID, externalID)
	}

	var kind string
	switch {
	case strings.HasPrefix(id, "0x"):
		if !conditionRegex.MatchString(id) {
			return nil, fmt.Errorf("%w: %q (condition ids are 0x + 64 hex digits)", ErrInvalidExternalID, externalID)
		}
		kind = KindCondition
	case numericRegex.MatchString(id):
		kind = KindNumeric
	case len(id) <= maxExternalIDLen && slugRegex.MatchString(id):
		kind = KindSlug
	default:
		return nil, fmt.Errorf("%w: %q (expected 0x condition id, numeric id or slug)", ErrInvalidExternalID, externalID)
	}

	return &Ref{Name: name, ExternalID: id, Kind: kind}, nil
}
