package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predperp/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the touched keys;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	keys := make([]string, 0, 1+len(b.Markets)+len(b.Users))
	if b.State != nil {
		keys = append(keys, stateKey())
	}
	for _, m := range b.Markets {
		keys = append(keys, marketKey(m.MarketIndex))
	}
	for _, u := range b.Users {
		keys = append(keys, userKey(u.Authority))
	}
	if b.Admission != nil {
		keys = append(keys, admissionKey(b.Admission.ExternalID))
	}
	if len(keys) > 0 {
		// Next read will re-populate.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetState(ctx context.Context) (*model.State, error) {
	var st model.State
	if s.load(ctx, stateKey(), &st) {
		return &st, nil
	}
	got, err := s.primary.GetState(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, stateKey(), got)
	return got, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, index uint16) (*model.Market, error) {
	var m model.Market
	if s.load(ctx, marketKey(index), &m) {
		return &m, nil
	}
	got, err := s.primary.GetMarket(ctx, index)
	if err != nil {
		return nil, err
	}
	s.save(ctx, marketKey(index), got)
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, authority model.Pubkey) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(authority), &u) {
		return &u, nil
	}
	got, err := s.primary.GetUser(ctx, authority)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userKey(authority), got)
	return got, nil
}

// HasAdmission caches positive answers only; an admission is never revoked.
func (s *CachedStore) HasAdmission(ctx context.Context, externalID string) (bool, error) {
	if n, err := s.rdb.Exists(ctx, admissionKey(externalID)).Result(); err == nil && n > 0 {
		return true, nil
	}
	ok, err := s.primary.HasAdmission(ctx, externalID)
	if err != nil || !ok {
		return ok, err
	}
	s.rdb.Set(ctx, admissionKey(externalID), 1, s.ttl)
	return true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListFillsByMarket(ctx context.Context, index uint16) ([]model.FillRecord, error) {
	return s.primary.ListFillsByMarket(ctx, index)
}

func (s *CachedStore) ListFillsByUser(ctx context.Context, authority model.Pubkey) ([]model.FillRecord, error) {
	return s.primary.ListFillsByUser(ctx, authority)
}

// --- Cache helpers ---

// load decodes a cached record. The version travels inside the JSON body.
func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func stateKey() string                      { return "perp:state" }
func marketKey(index uint16) string         { return fmt.Sprintf("perp:market:%d", index) }
func userKey(authority model.Pubkey) string { return fmt.Sprintf("perp:user:%s", authority) }
func admissionKey(id string) string         { return fmt.Sprintf("perp:admission:%s", id) }
