// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package storage owns the node's durable view of the chain (spec.md
// §4.H): the content-addressed SMT store, a History keyed by height
// holding (Block, ConsensusProof) pairs, the current highest SealedState,
// and an LRU of recently touched historical SealedStates. It plays the
// role the teacher's internal/blockchain package plays for Decred's UTXO
// set and block index, built on the same *leveldb.DB the smt package
// already shares node storage through.
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/stdcode"
)

// log is the package-level logger, disabled until the node wires one in
// via UseLogger (the teacher's internal/blockalloc convention).
var log = slog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger slog.Logger) {
	log = logger
}

// key prefixes within the shared leveldb instance (spec §6 "Persisted
// state layout"), distinct from the smt package's own 'n'/'r'/'s' prefixes
// so the two can coexist in one *leveldb.DB.
const (
	prefixBlock = 'h'
	prefixProof = 'p'
	keyLastConfirmed = "m:last_confirmed"

	historicalCacheSize = 64
	flushInterval       = 5 * time.Second

	// sweepBatchLimit bounds how much of the lazy-deletion queue flushLoop
	// drains per tick, so a long backlog never turns one tick into a
	// stop-the-world pause.
	sweepBatchLimit = 256
)

func blockKey(height uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = prefixBlock
	binary.BigEndian.PutUint64(k[1:], height)
	return k
}

func proofKey(height uint64) []byte {
	k := make([]byte, 1+8)
	k[0] = prefixProof
	binary.BigEndian.PutUint64(k[1:], height)
	return k
}

// pinRoots and unpinRootsLazy apply smt.Pin/smt.UnpinLazy across a
// SealedState's five roots as a unit (spec §4.A/§9: a sealed state's trees
// are retired together, never individually). A partial failure midway is
// surfaced to the caller rather than papered over, since a half-pinned
// state would otherwise be silently under-referenced.
func pinRoots(store smt.Store, roots []chainhash.Hash) error {
	for _, r := range roots {
		if err := smt.Pin(store, r); err != nil {
			return err
		}
	}
	return nil
}

func unpinRootsLazy(store smt.Store, roots []chainhash.Hash) error {
	for _, r := range roots {
		if err := smt.UnpinLazy(store, r); err != nil {
			return err
		}
	}
	return nil
}

// Storage is the single-writer-many-readers owner of the chain's durable
// state (spec §5 "Shared state"). Readers call Highest and always observe
// a consistent SealedState; ApplyBlock is the sole writer.
type Storage struct {
	db       *leveldb.DB
	smtStore smt.Store
	params   *chaincfg.Params

	mu      sync.RWMutex
	highest *state.SealedState

	historical *lru.Cache[uint64, *state.SealedState]

	waitMu sync.Mutex
	waitCh chan struct{}

	stopFlush chan struct{}
	flushDone chan struct{}
}

// Open wires a Storage around an already-open goleveldb handle and its
// matching smt.Store, restoring `highest` from the "last_confirmed"
// metadata entry if present, or seeding it with genesis otherwise.
func Open(db *leveldb.DB, smtStore smt.Store, params *chaincfg.Params, genesis *state.SealedState) (*Storage, error) {
	s := &Storage{
		db:       db,
		smtStore: smtStore,
		params:   params,
		waitCh:   make(chan struct{}),
	}

	// A height evicted from this cache is, by construction, no longer the
	// tip and no longer cached -- the only durable reference to its roots
	// was the one Pin call made when it was first committed (genesis above,
	// or ApplyBlock's `next`). UnpinLazy here is that reference's sole
	// release, driven entirely by the cache's own retention window rather
	// than by hand-tracking "the previous highest" in ApplyBlock, which
	// would double-count against it.
	cache, err := lru.NewWithEvict[uint64, *state.SealedState](historicalCacheSize, func(_ uint64, ss *state.SealedState) {
		if err := unpinRootsLazy(s.smtStore, ss.Roots()); err != nil {
			log.Errorf("unpinning evicted state at height %d: %v", ss.Header.Height, err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("storage: allocating historical cache: %w", err)
	}
	s.historical = cache

	raw, err := db.Get([]byte(keyLastConfirmed), nil)
	switch {
	case err == leveldb.ErrNotFound:
		if genesis == nil {
			return nil, fmt.Errorf("storage: no last_confirmed entry and no genesis provided")
		}
		// genesis's roots are newly created here, not reconstructed from a
		// persisted header, so this is the one place besides ApplyBlock that
		// must Pin them -- FromHeader below never does, since it only ever
		// rebuilds a view of roots some earlier Pin already covered.
		if err := pinRoots(smtStore, genesis.Roots()); err != nil {
			return nil, fmt.Errorf("storage: pinning genesis roots: %w", err)
		}
		s.highest = genesis
		s.historical.Add(genesis.Header.Height, genesis)
		if err := s.persistLastConfirmed(genesis.Header); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("storage: reading last_confirmed: %w", err)
	default:
		var header chain.Header
		if err := stdcode.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("storage: decoding last_confirmed: %w", err)
		}
		s.highest = state.FromHeader(smtStore, params, header)
	}

	s.stopFlush = make(chan struct{})
	s.flushDone = make(chan struct{})
	go s.flushLoop()

	return s, nil
}

// Highest returns the current tip. The returned pointer is never mutated
// in place; callers may hold onto it across an ApplyBlock call.
func (s *Storage) Highest() *state.SealedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest
}

// WaitNewHeight blocks until a block commits at a greater height than the
// caller already knows about, or until ctx-like cancellation is signaled
// via stop. It implements spec §4.H step 6's "notify waiters (a one-shot
// event per new height)" as a broadcast channel that Storage closes and
// replaces on every commit.
func (s *Storage) WaitNewHeight(stop <-chan struct{}) {
	s.waitMu.Lock()
	ch := s.waitCh
	s.waitMu.Unlock()
	select {
	case <-ch:
	case <-stop:
	}
}

func (s *Storage) notifyNewHeight() {
	s.waitMu.Lock()
	close(s.waitCh)
	s.waitCh = make(chan struct{})
	s.waitMu.Unlock()
}

// GetBlock returns the block and consensus proof persisted at height.
func (s *Storage) GetBlock(height uint64) (chain.Block, chain.ConsensusProof, error) {
	rawBlk, err := s.db.Get(blockKey(height), nil)
	if err == leveldb.ErrNotFound {
		return chain.Block{}, nil, fmt.Errorf("storage: no block at height %d", height)
	}
	if err != nil {
		return chain.Block{}, nil, fmt.Errorf("storage: reading block %d: %w", height, err)
	}
	var blk chain.Block
	if err := stdcode.Unmarshal(rawBlk, &blk); err != nil {
		return chain.Block{}, nil, fmt.Errorf("storage: decoding block %d: %w", height, err)
	}

	rawProof, err := s.db.Get(proofKey(height), nil)
	if err == leveldb.ErrNotFound {
		return blk, nil, nil
	}
	if err != nil {
		return chain.Block{}, nil, fmt.Errorf("storage: reading proof %d: %w", height, err)
	}
	var proof chain.ConsensusProof
	if err := stdcode.Unmarshal(rawProof, &proof); err != nil {
		return chain.Block{}, nil, fmt.Errorf("storage: decoding proof %d: %w", height, err)
	}
	return blk, proof, nil
}

// HistoricalState returns the SealedState immediately after the block at
// height committed, consulting the LRU first. On a miss it replays no
// block: it rebuilds the view from the persisted block's header with
// state.FromHeader, reading the five trees by the roots that header
// commits to.
func (s *Storage) HistoricalState(height uint64) (*state.SealedState, error) {
	if ss, ok := s.historical.Get(height); ok {
		return ss, nil
	}
	blk, _, err := s.GetBlock(height)
	if err != nil {
		return nil, err
	}
	// A height once evicted from the cache already had its one durable
	// reference released by the eviction callback, so this reconstruction
	// is not re-pinned and must not be re-added to historical: that cache
	// only ever holds pinned states, since every eviction unconditionally
	// fires UnpinLazy. Re-adding an unpinned entry would cause a later
	// eviction to release a reference that was never taken, potentially
	// freeing nodes still reachable from the live tip.
	return state.FromHeader(s.smtStore, s.params, blk.Header), nil
}

// ApplyBlock is the storage layer's entry point for committing a new
// block (spec §4.H): it validates the consensus proof against the current
// tip's active stakers, re-runs the state transition function, and only
// then persists (blk, cproof) and swaps in the new tip.
func (s *Storage) ApplyBlock(blk chain.Block, cproof chain.ConsensusProof) (*state.SealedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blk.Header.Height != s.highest.Header.Height+1 {
		return nil, chain.RuleError{
			Kind:        chain.ErrBlockHeightMismatch,
			Description: fmt.Sprintf("expected height %d, got %d", s.highest.Header.Height+1, blk.Header.Height),
		}
	}
	if err := s.highest.ValidateConsensusProof(blk.Header, cproof); err != nil {
		return nil, err
	}
	next, err := s.highest.ApplyBlock(blk)
	if err != nil {
		return nil, err
	}
	// next's roots are freshly created by this transition, so they need
	// exactly one Pin call -- here, at creation -- for the cache eviction
	// callback to later balance with UnpinLazy. Reconstructed views of the
	// same roots (restart via FromHeader, or a HistoricalState cache miss)
	// must never re-pin, or the refcount would carry a phantom reference no
	// eviction would ever release.
	if err := pinRoots(s.smtStore, next.Roots()); err != nil {
		return nil, fmt.Errorf("storage: pinning roots for block %d: %w", blk.Header.Height, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(blk.Header.Height), stdcode.Marshal(blk))
	batch.Put(proofKey(blk.Header.Height), stdcode.Marshal(cproof))
	batch.Put([]byte(keyLastConfirmed), stdcode.Marshal(next.Header))
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("storage: persisting block %d: %w", blk.Header.Height, err)
	}

	s.highest = next
	s.historical.Add(next.Header.Height, next)
	s.notifyNewHeight()
	log.Infof("applied block %d (%s)", next.Header.Height, next)
	return next, nil
}

func (s *Storage) persistLastConfirmed(header chain.Header) error {
	return s.db.Put([]byte(keyLastConfirmed), stdcode.Marshal(header), nil)
}

// flushLoop runs the background flusher task (spec §4.H "every ~5 s or on
// channel close, flushes the SMT backing store and records last_confirmed
// partial-encoding"). goleveldb itself fsyncs lazily; re-writing
// last_confirmed on the timer is what bounds how much work a crash can
// lose, independent of whether any new block actually committed. It also
// drains smt's lazy-deletion queue a bounded batch at a time, so the
// UnpinLazy calls the historical cache's eviction callback makes actually
// get swept instead of accumulating forever.
func (s *Storage) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			header := s.highest.Header
			s.mu.RUnlock()
			if err := s.persistLastConfirmed(header); err != nil {
				log.Errorf("flushing last_confirmed: %v", err)
			}
			if ls, ok := s.smtStore.(*smt.LevelStore); ok {
				if _, err := smt.Sweep(ls, sweepBatchLimit); err != nil {
					log.Errorf("sweeping retired smt nodes: %v", err)
				}
			}
		case <-s.stopFlush:
			return
		}
	}
}

// Close stops the background flusher, performing one final flush, and
// closes the underlying database handle.
func (s *Storage) Close() error {
	close(s.stopFlush)
	<-s.flushDone
	s.mu.RLock()
	header := s.highest.Header
	s.mu.RUnlock()
	if err := s.persistLastConfirmed(header); err != nil {
		return err
	}
	return s.db.Close()
}
