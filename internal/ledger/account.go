package ledger

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Account is the persisted state behind a single address.
type Account struct {
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

// Clone returns a deep copy so callers never share backing arrays with the store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &Account{Owner: a.Owner, Data: data, Executable: a.Executable}
}

// AccountStore persists accounts. Commit must apply all writes or none.
type AccountStore interface {
	Get(ctx context.Context, key solana.PublicKey) (*Account, error)
	Commit(ctx context.Context, writes map[solana.PublicKey]*Account) error
	Close() error
}

// MemoryStore keeps accounts in process memory, mainly for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[solana.PublicKey]*Account)}
}

// Get returns a copy of the account or ErrAccountNotFound.
func (m *MemoryStore) Get(_ context.Context, key solana.PublicKey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// Commit applies every write under a single lock.
func (m *MemoryStore) Commit(_ context.Context, writes map[solana.PublicKey]*Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, acc := range writes {
		m.accounts[key] = acc.Clone()
	}
	return nil
}

// Close implements AccountStore.
func (m *MemoryStore) Close() error {
	return nil
}
