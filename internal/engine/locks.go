package engine

import (
	"slices"
	"sync"

	"github.com/predperp/perp-engine/internal/model"
)

// lockTable hands out one lock per record. Locks are always taken in the
// order State, markets by ascending index, users by ascending key, so two
// operations touching overlapping records cannot deadlock.
type lockTable struct {
	state sync.RWMutex

	mu      sync.Mutex
	markets map[uint16]*sync.Mutex
	users   map[model.Pubkey]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{
		markets: make(map[uint16]*sync.Mutex),
		users:   make(map[model.Pubkey]*sync.Mutex),
	}
}

func (t *lockTable) market(i uint16) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.markets[i]
	if !ok {
		l = new(sync.Mutex)
		t.markets[i] = l
	}
	return l
}

func (t *lockTable) user(k model.Pubkey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.users[k]
	if !ok {
		l = new(sync.Mutex)
		t.users[k] = l
	}
	return l
}

// scope names the records one operation locks.
type scope struct {
	stateWrite bool
	markets    []uint16
	users      []model.Pubkey
}

// acquire locks every record in s and returns the matching release.
func (t *lockTable) acquire(s scope) (release func()) {
	if s.stateWrite {
		t.state.Lock()
	} else {
		t.state.RLock()
	}

	markets := slices.Clone(s.markets)
	slices.Sort(markets)
	markets = slices.Compact(markets)

	users := slices.Clone(s.users)
	slices.SortFunc(users, model.Pubkey.Compare)
	users = slices.Compact(users)

	held := make([]*sync.Mutex, 0, len(markets)+len(users))
	for _, i := range markets {
		l := t.market(i)
		l.Lock()
		held = append(held, l)
	}
	for _, k := range users {
		l := t.user(k)
		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		if s.stateWrite {
			t.state.Unlock()
		} else {
			t.state.RUnlock()
		}
	}
}
