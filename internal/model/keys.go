package model

import (
	"strconv"

	"github.com/google/uuid"
)

// recordNamespace roots every derived record key.
var recordNamespace = uuid.MustParse("8c3f6f5e-2f1b-5d8e-9a54-0d6f1c7b42a1")

// Record keys are a pure function of (kind, owner, index) so callers can
// compute which records an operation touches without asking the engine.

func StateKey() uuid.UUID { return derive("state") }

func VaultKey() uuid.UUID { return derive("collateral_vault") }

func MarketKey(index uint16) uuid.UUID {
	return derive("market", strconv.FormatUint(uint64(index), 10))
}

func UserKey(authority Pubkey) uuid.UUID {
	return derive("user", authority.String())
}

// AdmissionKey identifies the marker that reserves an external market id.
func AdmissionKey(externalID string) uuid.UUID {
	return derive("admission", externalID)
}

func derive(kind string, parts ...string) uuid.UUID {
	seed := kind
	for _, p := range parts {
		seed += "/" + p
	}
	return uuid.NewSHA1(recordNamespace, []byte(seed))
}
