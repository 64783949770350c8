package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/predperp/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps keyed by the derived
// record keys. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	state      *model.State
	markets    map[uuid.UUID]*model.Market
	users      map[uuid.UUID]*model.User
	admissions map[uuid.UUID]Admission
	fills      []model.FillRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[uuid.UUID]*model.Market),
		users:      make(map[uuid.UUID]*model.User),
		admissions: make(map[uuid.UUID]Admission),
	}
}

func (s *MemoryStore) GetState(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	cp := *s.state
	return &cp, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, index uint16) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[model.MarketKey(index)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketIndex < markets[j].MarketIndex })
	return markets, nil
}

func (s *MemoryStore) GetUser(_ context.Context, authority model.Pubkey) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[model.UserKey(authority)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) HasAdmission(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.admissions[model.AdmissionKey(externalID)]
	return ok, nil
}

// Commit validates every record of the batch before applying any of them.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.State != nil {
		if err := checkVersion(RecordState, "singleton", b.State.Version, s.state != nil, versionOf(s.state)); err != nil {
			return err
		}
	}
	for _, m := range b.Markets {
		cur, ok := s.markets[model.MarketKey(m.MarketIndex)]
		var v uint64
		if ok {
			v = cur.Version
		}
		if err := checkVersion(RecordMarket, model.MarketKey(m.MarketIndex).String(), m.Version, ok, v); err != nil {
			return err
		}
	}
	for _, u := range b.Users {
		cur, ok := s.users[model.UserKey(u.Authority)]
		var v uint64
		if ok {
			v = cur.Version
		}
		if err := checkVersion(RecordUser, u.Authority.String(), u.Version, ok, v); err != nil {
			return err
		}
	}
	if b.Admission != nil {
		if _, ok := s.admissions[model.AdmissionKey(b.Admission.ExternalID)]; ok {
			return &DuplicateError{Record: RecordAdmission, Key: b.Admission.ExternalID}
		}
	}

	// Store copies to avoid external mutation.
	if b.State != nil {
		b.State.Version++
		cp := *b.State
		s.state = &cp
	}
	for _, m := range b.Markets {
		m.Version++
		cp := *m
		s.markets[model.MarketKey(m.MarketIndex)] = &cp
	}
	for _, u := range b.Users {
		u.Version++
		cp := *u
		s.users[model.UserKey(u.Authority)] = &cp
	}
	if b.Admission != nil {
		s.admissions[model.AdmissionKey(b.Admission.ExternalID)] = *b.Admission
	}
	s.fills = append(s.fills, b.Fills...)
	return nil
}

func (s *MemoryStore) ListFillsByMarket(_ context.Context, index uint16) ([]model.FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FillRecord
	for _, f := range s.fills {
		if f.MarketIndex == index {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListFillsByUser(_ context.Context, authority model.Pubkey) ([]model.FillRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FillRecord
	for _, f := range s.fills {
		if f.User == authority {
			result = append(result, f)
		}
	}
	return result, nil
}

func versionOf(st *model.State) uint64 {
	if st == nil {
		return 0
	}
	return st.Version
}

// checkVersion compares the version a record was read at with what the
// store holds now.
func checkVersion(kind, key string, read uint64, exists bool, stored uint64) error {
	if read == 0 {
		if exists {
			return &DuplicateError{Record: kind, Key: key}
		}
		return nil
	}
	if !exists || stored != read {
		return ErrVersionConflict
	}
	return nil
}
