package settlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStoreUnavailable = errors.New("settlement: store unavailable")

// Store persists account snapshots and settlement states. The only hard
// requirement is that SaveAccountPair applies both rows in one atomic unit:
// a crash must never leave the outgoing leg recorded without the incoming
// one.
type Store interface {
	LoadAccounts(ctx context.Context) ([]*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	SaveAccountPair(ctx context.Context, a, b *Account) error
	LoadState(ctx context.Context, key AccountKey) (State, error)
	SaveState(ctx context.Context, key AccountKey, s State) error
	Close() error
}

// MemoryStore is the in-process Store used when no Redis address is
// configured, and by tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[AccountKey]*Account
	states   map[AccountKey]State

	// FailWrites makes persistence fail; tests use it to exercise the
	// durable-commit rollback path.
	FailWrites bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[AccountKey]*Account),
		states:   make(map[AccountKey]State),
	}
}

func (s *MemoryStore) LoadAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errStoreUnavailable
	}
	s.accounts[a.Key] = a.clone()
	return nil
}

func (s *MemoryStore) SaveAccountPair(ctx context.Context, a, b *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errStoreUnavailable
	}
	now := time.Now().UTC()
	ac, bc := a.clone(), b.clone()
	ac.UpdatedAt, bc.UpdatedAt = now, now
	s.accounts[ac.Key] = ac
	s.accounts[bc.Key] = bc
	return nil
}

func (s *MemoryStore) LoadState(ctx context.Context, key AccountKey) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key], nil
}

func (s *MemoryStore) SaveState(ctx context.Context, key AccountKey, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errStoreUnavailable
	}
	s.states[key] = st
	return nil
}

func (s *MemoryStore) Close() error { return nil }
