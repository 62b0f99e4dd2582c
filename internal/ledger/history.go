package ledger

import (
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// DefaultHistoryCapacity is the number of receipts retained when no capacity is configured.
const DefaultHistoryCapacity = 4096

// History keeps the most recent committed receipts ordered by slot.
type History struct {
	mu       sync.RWMutex
	capacity int
	receipts []*Receipt
	bySig    map[solana.Signature]*Receipt
}

func newHistory(capacity int) *History {
	return &History{capacity: capacity, bySig: make(map[solana.Signature]*Receipt)}
}

func (h *History) record(r *Receipt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// disjoint transactions may commit out of slot order
	idx := sort.Search(len(h.receipts), func(i int) bool { return h.receipts[i].Slot > r.Slot })
	h.receipts = append(h.receipts, nil)
	copy(h.receipts[idx+1:], h.receipts[idx:])
	h.receipts[idx] = r
	h.bySig[r.Signature] = r

	if over := len(h.receipts) - h.capacity; over > 0 {
		for _, old := range h.receipts[:over] {
			delete(h.bySig, old.Signature)
		}
		h.receipts = append([]*Receipt(nil), h.receipts[over:]...)
	}
}

// Get looks a receipt up by transaction signature.
func (h *History) Get(sig solana.Signature) (*Receipt, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.bySig[sig]
	return r, ok
}

// Since returns up to limit receipts with a slot greater than slot, oldest first.
// A non-positive limit returns all of them.
func (h *History) Since(slot uint64, limit int) []*Receipt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := sort.Search(len(h.receipts), func(i int) bool { return h.receipts[i].Slot > slot })
	end := len(h.receipts)
	if limit > 0 && idx+limit < end {
		end = idx + limit
	}
	out := make([]*Receipt, end-idx)
	copy(out, h.receipts[idx:end])
	return out
}

// Len reports how many receipts are retained.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.receipts)
}
