package ledger

import (
	"bytes"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// accountLocks serializes transactions with overlapping mutable access.
// Locks are taken in key order so two transactions can never deadlock.
type accountLocks struct {
	mu    sync.Mutex
	locks map[solana.PublicKey]*sync.RWMutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[solana.PublicKey]*sync.RWMutex)}
}

func (l *accountLocks) get(key solana.PublicKey) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[key] = lock
	}
	return lock
}

// acquire locks every declared account and returns the matching release func.
func (l *accountLocks) acquire(declared map[solana.PublicKey]*solana.AccountMeta) func() {
	keys := make([]solana.PublicKey, 0, len(declared))
	for key := range declared {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})

	release := make([]func(), 0, len(keys))
	for _, key := range keys {
		lock := l.get(key)
		if declared[key].IsWritable {
			lock.Lock()
			release = append(release, lock.Unlock)
		} else {
			lock.RLock()
			release = append(release, lock.RUnlock)
		}
	}
	return func() {
		for i := len(release) - 1; i >= 0; i-- {
			release[i]()
		}
	}
}
