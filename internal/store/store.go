// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
//
// Records are versioned. Reads return copies stamped with the version they
// were read at; Commit writes a batch atomically and rejects it when any
// record has moved on since it was read.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/predperp/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned by Commit when a record was changed
	// by someone else after it was read.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicate is returned by Commit when a new record already exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Record kinds named in DuplicateError.
const (
	RecordState     = "state"
	RecordMarket    = "market"
	RecordUser      = "user"
	RecordAdmission = "admission"
)

// DuplicateError says which record of a batch already existed.
type DuplicateError struct {
	Record string
	Key    string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("store: %s %s already exists", e.Record, e.Key)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// Admission reserves an external market id for one market index.
type Admission struct {
	ExternalID  string
	MarketIndex uint16
}

// Batch is one operation's complete write set. A record with Version 0 is
// inserted; any other record must still be at that version in the store.
// On success Commit bumps each record's Version in place.
type Batch struct {
	State     *model.State
	Markets   []*model.Market
	Users     []*model.User
	Admission *Admission
	Fills     []model.FillRecord
}

// Empty reports whether the batch writes nothing.
func (b *Batch) Empty() bool {
	return b.State == nil && len(b.Markets) == 0 && len(b.Users) == 0 && b.Admission == nil && len(b.Fills) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Records ---

	// GetState returns the exchange singleton.
	GetState(ctx context.Context) (*model.State, error)

	// GetMarket retrieves a market by index.
	GetMarket(ctx context.Context, index uint16) (*model.Market, error)

	// ListMarkets returns all markets ordered by index.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetUser retrieves a user account by authority.
	GetUser(ctx context.Context, authority model.Pubkey) (*model.User, error)

	// HasAdmission reports whether externalID was already admitted.
	HasAdmission(ctx context.Context, externalID string) (bool, error)

	// Commit writes a batch atomically.
	Commit(ctx context.Context, b *Batch) error

	// --- Immutable fill journal ---

	// ListFillsByMarket returns all fills for a market in commit order.
	ListFillsByMarket(ctx context.Context, index uint16) ([]model.FillRecord, error)

	// ListFillsByUser returns all fills for a user in commit order.
	ListFillsByUser(ctx context.Context, authority model.Pubkey) ([]model.FillRecord, error)
}
