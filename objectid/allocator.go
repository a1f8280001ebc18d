// Package objectid implements the small-integer id allocator every
// catalog object is identified by (spec §4.2, C2). Ids are never reused
// while a transaction that might still roll back could resurrect the
// object that held them, so release is always a caller-driven, deferred
// operation rather than something Allocate does implicitly.
package objectid

import (
	"math/bits"
	"sync"
)

const wordBits = 64

// Allocator hands out unique uint32 ids from a growable bitset. It is
// guarded by its own mutex, deliberately independent from any catalog or
// session lock: spec §5 calls out that callers must not hold the database
// monitor while operating on the bitset, and vice versa.
type Allocator struct {
	mu    sync.Mutex
	words []uint64
}

// New creates an empty allocator. Id 0 is reserved for the SYS table
// (spec §3) and is pre-marked as allocated so Allocate never returns it.
func New() *Allocator {
	a := &Allocator{words: make([]uint64, 1)}
	a.words[0] |= 1
	return a
}

// Allocate returns the lowest clear bit and marks it set.
func (a *Allocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < len(a.words); i++ {
		if a.words[i] == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^a.words[i])
		a.words[i] |= 1 << uint(bit)
		return uint32(i*wordBits + bit)
	}

	// every existing word is full: grow by one word.
	i := len(a.words)
	a.words = append(a.words, 1)
	return uint32(i * wordBits)
}

// Release clears every id in ids. It is idempotent: releasing an id that
// was never allocated, or twice, is a no-op for that id.
func (a *Allocator) Release(ids ...uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		w, b := id/wordBits, id%wordBits
		if int(w) >= len(a.words) {
			continue
		}
		a.words[w] &^= 1 << b
	}
}

// IsAllocated reports whether id is currently set. Mainly used by tests
// and by the round-trip invariant in spec §8.
func (a *Allocator) IsAllocated(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, b := id/wordBits, id%wordBits
	if int(w) >= len(a.words) {
		return false
	}
	return a.words[w]&(1<<b) != 0
}

// Reserve marks id as allocated without going through Allocate, used when
// replaying catalog objects at open (C5): the ids persisted in SYS must
// be reserved exactly as they were before the database closed.
func (a *Allocator) Reserve(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, b := id/wordBits, id%wordBits
	for int(w) >= len(a.words) {
		a.words = append(a.words, 0)
	}
	a.words[w] |= 1 << b
}

// PendingSet accumulates ids scheduled for release by a single
// transaction. Ids are not actually released until Flush is called at
// commit or rollback (spec: "ids must not be reused before a transaction
// is committed, or a rollback could resurrect a dropped object under a
// conflicting id").
type PendingSet struct {
	mu  sync.Mutex
	ids []uint32
}

// Schedule records id for release at end-of-transaction. The id remains
// reserved in the Allocator until Flush runs.
func (p *PendingSet) Schedule(id uint32) {
	p.mu.Lock()
	p.ids = append(p.ids, id)
	p.mu.Unlock()
}

// Flush releases every scheduled id against a and clears the pending set.
func (p *PendingSet) Flush(a *Allocator) {
	p.mu.Lock()
	ids := p.ids
	p.ids = nil
	p.mu.Unlock()

	if len(ids) > 0 {
		a.Release(ids...)
	}
}
