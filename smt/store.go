// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package smt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key prefixes within the backing leveldb instance, mirroring the reference
// CacheDatabase's to_nodekey/to_refkey split (original_source/libs/autosmt/
// src/smt/database.rs) so node bytes and refcounts are independently
// iterable. A node entry can exist at refcount zero: putNode stores a new
// node without referencing it, and decRefKeepNode leaves a node whose count
// reaches zero in place for Sweep to delete.
const (
	prefixNode  = 'n'
	prefixRef   = 'r'
	prefixSweep = 's'
)

func nodeKey(h chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = prefixNode
	copy(k[1:], h[:])
	return k
}

func refKey(h chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = prefixRef
	copy(k[1:], h[:])
	return k
}

func sweepKey(h chainhash.Hash) []byte {
	k := make([]byte, 1+chainhash.HashSize)
	k[0] = prefixSweep
	copy(k[1:], h[:])
	return k
}

// Store is the content-addressed, refcounted node backend a Tree reads and
// writes through. It is implemented by *LevelStore; tests may substitute an
// in-memory stand-in satisfying the same interface.
type Store interface {
	// getRaw returns the raw encoding stored under hash, or ok=false if
	// absent (which must never happen for a non-zero hash reachable from a
	// live root -- it indicates a corrupted store or a use-after-GC bug).
	getRaw(hash chainhash.Hash) (raw []byte, ok bool, err error)
	// putNode writes raw under hash if absent, leaving its refcount
	// unchanged (0 for a brand-new node). Idempotent for an existing hash.
	putNode(hash chainhash.Hash, raw []byte) error
	// incRef increments hash's refcount by one, returning the new count.
	incRef(hash chainhash.Hash) (uint64, error)
	// decRef decrements hash's refcount by one, deleting the node entry
	// (but not recursing into children) once the count reaches zero.
	decRef(hash chainhash.Hash) (uint64, error)
	// decRefKeepNode behaves like decRef but leaves the node bytes in
	// place even once the count reaches zero, so a deferred Sweep pass can
	// still decode the node to recurse into its children.
	decRefKeepNode(hash chainhash.Hash) (uint64, error)
	// markSweep records hash as eligible for lazy, deferred GC (spec.md
	// §4.A "delete tomorrow") instead of recursing immediately.
	markSweep(hash chainhash.Hash) error
}

// LevelStore is the goleveldb-backed Store, the storage-layer component
// spec.md §4.H's History/Metadata persistence also runs on top of (this
// package and storage share one *leveldb.DB per full node, in distinct key
// prefixes, the way the teacher's wire/blockchain packages share one
// database.DB across indexers).
type LevelStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewLevelStore wraps an already-open goleveldb handle.
func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db}
}

func (s *LevelStore) getRaw(hash chainhash.Hash) ([]byte, bool, error) {
	v, err := s.db.Get(nodeKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("smt: reading node %s: %w", hash, err)
	}
	return v, true, nil
}

func (s *LevelStore) putNode(hash chainhash.Hash, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Get(nodeKey(hash), nil)
	if err == nil {
		return nil // already present, content-addressed dedup
	}
	if err != leveldb.ErrNotFound {
		return fmt.Errorf("smt: checking node %s: %w", hash, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(nodeKey(hash), raw)
	batch.Put(refKey(hash), encodeCount(0))
	return s.db.Write(batch, nil)
}

func (s *LevelStore) incRef(hash chainhash.Hash) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.readCount(hash)
	if err != nil {
		return 0, err
	}
	count++
	if err := s.db.Put(refKey(hash), encodeCount(count), nil); err != nil {
		return 0, fmt.Errorf("smt: incrementing refcount of %s: %w", hash, err)
	}
	return count, nil
}

func (s *LevelStore) decRef(hash chainhash.Hash) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.readCount(hash)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("smt: decRef of %s below zero", hash)
	}
	count--
	batch := new(leveldb.Batch)
	if count == 0 {
		batch.Delete(nodeKey(hash))
		batch.Delete(refKey(hash))
	} else {
		batch.Put(refKey(hash), encodeCount(count))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("smt: decrementing refcount of %s: %w", hash, err)
	}
	return count, nil
}

// decRefKeepNode decrements hash's refcount like decRef, but never deletes
// the node entry itself -- even once the count reaches zero -- so that a
// later Sweep pass can still decode it to find its children.
func (s *LevelStore) decRefKeepNode(hash chainhash.Hash) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.readCount(hash)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("smt: decRefKeepNode of %s below zero", hash)
	}
	count--
	if err := s.db.Put(refKey(hash), encodeCount(count), nil); err != nil {
		return 0, fmt.Errorf("smt: decrementing refcount of %s: %w", hash, err)
	}
	return count, nil
}

// finalizeZero deletes a node whose refcount has already been confirmed at
// zero (via decRefKeepNode), used by Sweep once it has read the node's
// bytes to find its children.
func (s *LevelStore) finalizeZero(hash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete(nodeKey(hash))
	batch.Delete(refKey(hash))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("smt: finalizing deferred delete of %s: %w", hash, err)
	}
	return nil
}

func (s *LevelStore) markSweep(hash chainhash.Hash) error {
	if err := s.db.Put(sweepKey(hash), []byte{1}, nil); err != nil {
		return fmt.Errorf("smt: marking %s for deferred sweep: %w", hash, err)
	}
	return nil
}

func (s *LevelStore) readCount(hash chainhash.Hash) (uint64, error) {
	v, err := s.db.Get(refKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("smt: reading refcount of %s: %w", hash, err)
	}
	return decodeCount(v), nil
}

func encodeCount(c uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], c)
	return b[:]
}

func decodeCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Sweep drains the lazy-deletion queue populated by UnpinLazy, running the
// same recursive refcount walk Unpin performs eagerly. It is meant to be
// invoked periodically by a background flusher (spec.md §4.H) so that root
// replacement during block application never blocks on a deep recursive
// decref of the outgoing state.
func Sweep(store *LevelStore, limit int) (processed int, err error) {
	iter := store.db.NewIterator(util.BytesPrefix([]byte{prefixSweep}), nil)
	defer iter.Release()

	var pending []chainhash.Hash
	for iter.Next() {
		if limit > 0 && len(pending) >= limit {
			break
		}
		var h chainhash.Hash
		copy(h[:], iter.Key()[1:])
		pending = append(pending, h)
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("smt: scanning sweep queue: %w", err)
	}

	for _, h := range pending {
		if err := store.db.Delete(sweepKey(h), nil); err != nil {
			return processed, fmt.Errorf("smt: clearing sweep entry for %s: %w", h, err)
		}
		if err := sweepOne(store, h); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// sweepOne finalizes a single zero-refcount node left behind by
// UnpinLazy: its bytes are still present (decRefKeepNode never deletes),
// so its children can still be decoded before the node entry itself is
// deleted and the children are unpinned in turn.
func sweepOne(store *LevelStore, hash chainhash.Hash) error {
	raw, ok, err := store.getRaw(hash)
	if err != nil {
		return err
	}
	if !ok {
		// Already finalized by an earlier sweep pass over the same entry.
		return nil
	}
	n, err := decodeNode(raw)
	if err != nil {
		return err
	}
	if err := store.finalizeZero(hash); err != nil {
		return err
	}
	if n.kind == kindInternal {
		if err := Unpin(store, n.left); err != nil {
			return err
		}
		if err := Unpin(store, n.right); err != nil {
			return err
		}
	}
	return nil
}
