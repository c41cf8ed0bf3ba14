// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mempool implements the node's provisional transaction pool
// (spec.md §4.F): a mutable State initialized as the tip's next_state(),
// an admission pipeline reused verbatim from the state package, a rebase
// operation that follows the chain forward without discarding still-valid
// work, and a bounded cache answering peer backfill queries. It plays the
// role the teacher's own internal/mempool package would have, had its
// source survived distillation -- the pattern is grounded on
// internal/blockalloc/allocator.go's RWMutex-guarded single-owner shape.
package mempool

import (
	"sync"

	"github.com/decred/slog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/state"
)

// recentCacheSize bounds the backfill cache (spec §4.F: "a bounded LRU of
// recently seen txhash -> tx").
const recentCacheSize = 10_000

var log = slog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger slog.Logger) {
	log = logger
}

// Mempool owns one provisional State per spec §4.F. It is read-write
// locked; per spec §5 ("Shared state"), holders must never suspend (block
// on I/O or a channel) while holding the write lock -- every method below
// does only SMT reads and writes against the node store, with no network
// I/O or channel operations.
type Mempool struct {
	mu sync.RWMutex

	provisional *state.State
	// pending holds, in admission order, the transactions currently
	// admitted into provisional since the last Rebase -- the candidate
	// set a block proposal is built from.
	pending []chain.Transaction

	recent *lru.Cache[chainhash.Hash, chain.Transaction]
}

// New starts a mempool on top of tip's next_state().
func New(tip *state.SealedState) *Mempool {
	cache, err := lru.New[chainhash.Hash, chain.Transaction](recentCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// recentCacheSize never is.
		panic(err)
	}
	return &Mempool{
		provisional: tip.NextState(),
		recent:      cache,
	}
}

// ApplyTransaction runs tx through the admission pipeline (spec §4.B) and,
// on success, adds it to the pending set and the backfill cache.
func (m *Mempool) ApplyTransaction(tx chain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.provisional.ApplyTransaction(tx); err != nil {
		return err
	}
	m.pending = append(m.pending, tx)
	m.recent.Add(tx.HashNosigs(), tx)
	return nil
}

// Pending returns the transactions currently admitted, in admission
// order, for a block proposal to include.
func (m *Mempool) Pending() []chain.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chain.Transaction, len(m.pending))
	copy(out, m.pending)
	return out
}

// Rebase replaces the provisional state with the new tip's next_state()
// and re-admits every previously pending transaction that still validates
// against it, in its original order, dropping any that no longer do
// (spec §4.F: "replaces the provisional state and re-admits any still-
// valid recent transactions"). Dropped transactions remain in the
// backfill cache until evicted by age.
func (m *Mempool) Rebase(next *state.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.pending
	m.provisional = next
	m.pending = m.pending[:0]
	for _, tx := range stale {
		if err := m.provisional.ApplyTransaction(tx); err != nil {
			log.Debugf("rebase dropped tx %s: %v", tx.HashNosigs(), err)
			continue
		}
		m.pending = append(m.pending, tx)
	}
}

// Lookup answers a peer backfill query for hash (spec §4.I's blksync loop
// reconstructing a full block from an AbbrBlock's tx hashes).
func (m *Mempool) Lookup(hash chainhash.Hash) (chain.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recent.Get(hash)
}

// Snapshot returns the current provisional state for read-only queries
// (e.g. a wallet checking its own pending balance). The caller must not
// mutate the result; it is shared with the mempool's own writer.
func (m *Mempool) Snapshot() *state.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.provisional
}
