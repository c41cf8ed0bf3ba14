// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package smt

import (
	"fmt"

	"github.com/bismuthchain/bismuth/chainhash"
)

// Tree is an immutable view of a sparse Merkle tree rooted at Root. Get
// reads through Root; Insert returns the root hash of a new tree sharing
// unmodified structure with this one, exactly as spec.md §4.A's "insert
// returns a new tree, sharing structure with the old one" requires.
type Tree struct {
	Store Store
	Root  chainhash.Hash
}

// New returns the empty tree over store.
func New(store Store) Tree {
	return Tree{Store: store, Root: chainhash.ZeroHash}
}

// Get looks up key, returning its value (nil if absent) and a Proof
// authenticating either the inclusion or the non-inclusion.
func (t Tree) Get(key [32]byte) ([]byte, Proof, error) {
	value, proof, err := getRec(t.Store, t.Root, 0, key)
	if err != nil {
		return nil, Proof{}, err
	}
	// getRec appends siblings bottom-up as recursive calls unwind; Verify
	// walks the same way, so present them root-first (index 0 == depth 0).
	for i, j := 0, len(proof.Siblings)-1; i < j; i, j = i+1, j-1 {
		proof.Siblings[i], proof.Siblings[j] = proof.Siblings[j], proof.Siblings[i]
	}
	return value, proof, nil
}

func getRec(store Store, nodeHash chainhash.Hash, depth int, key [32]byte) ([]byte, Proof, error) {
	if nodeHash.IsZero() {
		return nil, Proof{Depth: depth}, nil
	}
	raw, ok, err := store.getRaw(nodeHash)
	if err != nil {
		return nil, Proof{}, err
	}
	if !ok {
		return nil, Proof{}, fmt.Errorf("smt: node %s missing from store", nodeHash)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return nil, Proof{}, err
	}
	switch n.kind {
	case kindData:
		p := Proof{Depth: depth}
		if n.key == key {
			return n.value, p, nil
		}
		altKey := n.key
		p.AltLeafKey = &altKey
		p.AltLeafValue = n.value
		return nil, p, nil
	default: // kindInternal
		bit := bitAt(key, depth)
		var childHash chainhash.Hash
		var sibling chainhash.Hash
		if bit == 0 {
			childHash, sibling = n.left, n.right
		} else {
			childHash, sibling = n.right, n.left
		}
		value, p, err := getRec(store, childHash, depth+1, key)
		if err != nil {
			return nil, Proof{}, err
		}
		p.Siblings = append(p.Siblings, sibling)
		return value, p, nil
	}
}

// Insert returns the root hash of a tree identical to t except that key now
// maps to value (or, if value is empty, is absent). The new root is not
// pinned; callers that want it to survive an Unpin of sibling state must
// call Pin on the result once it is adopted as a durable root.
func (t Tree) Insert(key [32]byte, value []byte) (chainhash.Hash, error) {
	return insertRec(t.Store, t.Root, 0, key, value)
}

func insertRec(store Store, nodeHash chainhash.Hash, depth int, key [32]byte, value []byte) (chainhash.Hash, error) {
	if nodeHash.IsZero() {
		if len(value) == 0 {
			return chainhash.ZeroHash, nil
		}
		h := dataSubtreeHash(key, value, depth)
		if err := store.putNode(h, encodeData(key, value)); err != nil {
			return chainhash.Hash{}, err
		}
		return h, nil
	}

	raw, ok, err := store.getRaw(nodeHash)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("smt: node %s missing from store", nodeHash)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}

	switch n.kind {
	case kindData:
		if n.key == key {
			if len(value) == 0 {
				return chainhash.ZeroHash, nil
			}
			h := dataSubtreeHash(key, value, depth)
			if err := store.putNode(h, encodeData(key, value)); err != nil {
				return chainhash.Hash{}, err
			}
			return h, nil
		}
		if len(value) == 0 {
			// Deleting a key that is absent from a single-element subtree
			// occupied by a different key is a no-op.
			return nodeHash, nil
		}
		return explode(store, depth, n.key, n.value, key, value)

	default: // kindInternal
		bit := bitAt(key, depth)
		if bit == 0 {
			newLeft, err := insertRec(store, n.left, depth+1, key, value)
			if err != nil {
				return chainhash.Hash{}, err
			}
			if newLeft == n.left {
				// Nothing changed anywhere under this node: no new parent
				// edge was created, so no refcount needs to move.
				return nodeHash, nil
			}
			if newLeft.IsZero() && n.right.IsZero() {
				// Both branches emptied out: the subtree itself is empty,
				// not an internal node pairing two zero hashes.
				return chainhash.ZeroHash, nil
			}
			if !newLeft.IsZero() {
				if _, err := store.incRef(newLeft); err != nil {
					return chainhash.Hash{}, err
				}
			}
			if !n.right.IsZero() {
				if _, err := store.incRef(n.right); err != nil {
					return chainhash.Hash{}, err
				}
			}
			return putInternal(store, newLeft, n.right)
		}
		newRight, err := insertRec(store, n.right, depth+1, key, value)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if newRight == n.right {
			return nodeHash, nil
		}
		if newRight.IsZero() && n.left.IsZero() {
			return chainhash.ZeroHash, nil
		}
		if !newRight.IsZero() {
			if _, err := store.incRef(newRight); err != nil {
				return chainhash.Hash{}, err
			}
		}
		if !n.left.IsZero() {
			if _, err := store.incRef(n.left); err != nil {
				return chainhash.Hash{}, err
			}
		}
		return putInternal(store, n.left, newRight)
	}
}

func putInternal(store Store, left, right chainhash.Hash) (chainhash.Hash, error) {
	h := internalHash(left, right)
	if err := store.putNode(h, encodeInternal(left, right)); err != nil {
		return chainhash.Hash{}, err
	}
	return h, nil
}

// explode replaces a single-element Data node (oldKey, oldValue) sitting at
// depth with the minimal Internal-node spine needed to additionally hold
// (newKey, newValue), following the reference crate's set_by_path Data
// branch: the colliding leaf is re-stored at its new, deeper position (its
// hash changes because dataSubtreeHash depends on depth) and wrapped
// upward, level by level, back to depth with an empty sibling at every
// level that does not yet fork.
func explode(store Store, depth int, oldKey [32]byte, oldValue []byte, newKey [32]byte, newValue []byte) (chainhash.Hash, error) {
	fb := depth
	for bitAt(oldKey, fb) == bitAt(newKey, fb) {
		fb++
		if fb >= depthBits {
			return chainhash.Hash{}, fmt.Errorf("smt: colliding keys %x", oldKey)
		}
	}

	oldHash := dataSubtreeHash(oldKey, oldValue, fb+1)
	if err := store.putNode(oldHash, encodeData(oldKey, oldValue)); err != nil {
		return chainhash.Hash{}, err
	}
	newHash := dataSubtreeHash(newKey, newValue, fb+1)
	if err := store.putNode(newHash, encodeData(newKey, newValue)); err != nil {
		return chainhash.Hash{}, err
	}

	var left, right chainhash.Hash
	if bitAt(newKey, fb) == 0 {
		left, right = newHash, oldHash
	} else {
		left, right = oldHash, newHash
	}
	if _, err := store.incRef(left); err != nil {
		return chainhash.Hash{}, err
	}
	if _, err := store.incRef(right); err != nil {
		return chainhash.Hash{}, err
	}
	cur, err := putInternal(store, left, right)
	if err != nil {
		return chainhash.Hash{}, err
	}

	for lvl := fb - 1; lvl >= depth; lvl-- {
		if _, err := store.incRef(cur); err != nil {
			return chainhash.Hash{}, err
		}
		var l, r chainhash.Hash
		if bitAt(newKey, lvl) == 0 {
			l, r = cur, chainhash.ZeroHash
		} else {
			l, r = chainhash.ZeroHash, cur
		}
		cur, err = putInternal(store, l, r)
		if err != nil {
			return chainhash.Hash{}, err
		}
	}
	return cur, nil
}

// Iter walks every (key, value) pair reachable from t's root in key order,
// calling fn once per leaf (spec.md §4.A's "iter() -- lazy sequence of
// (key, value) pairs in key order"). It stops and returns fn's error as
// soon as fn returns one.
func Iter(t Tree, fn func(key [32]byte, value []byte) error) error {
	return iterRec(t.Store, t.Root, fn)
}

func iterRec(store Store, nodeHash chainhash.Hash, fn func(key [32]byte, value []byte) error) error {
	if nodeHash.IsZero() {
		return nil
	}
	raw, ok, err := store.getRaw(nodeHash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("smt: node %s missing from store", nodeHash)
	}
	n, err := decodeNode(raw)
	if err != nil {
		return err
	}
	switch n.kind {
	case kindData:
		return fn(n.key, n.value)
	default: // kindInternal
		if err := iterRec(store, n.left, fn); err != nil {
			return err
		}
		return iterRec(store, n.right, fn)
	}
}

// Pin marks hash as a durable root, giving it one reference that will
// survive until a matching Unpin or UnpinLazy call. It is a no-op for the
// empty tree's Zero hash.
func Pin(store Store, hash chainhash.Hash) error {
	if hash.IsZero() {
		return nil
	}
	_, err := store.incRef(hash)
	return err
}

// Unpin releases a durable root's reference, eagerly deleting it -- and
// recursing into its children under the same rule -- once its refcount
// reaches zero. A node whose refcount does not reach zero still has some
// other live parent and its children must not be touched, since this
// node's existing edges to them remain valid.
func Unpin(store Store, hash chainhash.Hash) error {
	if hash.IsZero() {
		return nil
	}
	raw, ok, err := store.getRaw(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("smt: unpinning missing node %s", hash)
	}
	count, err := store.decRef(hash)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	n, err := decodeNode(raw)
	if err != nil {
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

// UnpinLazy behaves like Unpin but defers the recursive sweep: it
// decrements hash's own refcount immediately (so a concurrent insert
// sharing structure with it sees an accurate count) but, if that reaches
// zero, marks hash for later processing by Sweep instead of recursing
// inline. This is the "delete tomorrow" mode spec.md §4.A calls for so
// that retiring a deep historical root never blocks block application.
func UnpinLazy(store Store, hash chainhash.Hash) error {
	if hash.IsZero() {
		return nil
	}
	count, err := store.decRefKeepNode(hash)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := store.markSweep(hash); err != nil {
			return err
		}
	}
	return nil
}
