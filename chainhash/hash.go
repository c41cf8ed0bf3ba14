// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainhash defines the 256-bit content identifier used throughout
// bismuth as key, node identifier, and transaction/block hash, along with
// the single domain-separated keyed hash primitive the rest of the module
// builds on.
package chainhash

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the number of bytes in a Hash.
const HashSize = 32

// Hash is a 256-bit content identifier. The zero Hash is the canonical
// "empty subtree" marker used throughout the SMT engine.
type Hash [HashSize]byte

// ZeroHash is the all-zero Hash, used as the empty-subtree root and as the
// null previous-block reference for a genesis header.
var ZeroHash = Hash{}

// String returns the hex encoding of the hash, most-significant byte first,
// matching the on-disk/content-addressed byte order (no byte-reversal, unlike
// Bitcoin-style chains -- bismuth hashes are not mined so there is no reason
// to optimize for leading-zero display).
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsEqual returns whether h and other represent the same hash. A nil other
// is never equal to any non-nil receiver comparison path; callers compare
// against &ZeroHash for the empty case.
func (h *Hash) IsEqual(other *Hash) bool {
	if h == nil || other == nil {
		return h == other
	}
	return *h == *other
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// SetBytes sets the bytes of the hash to the provided slice, which must be
// exactly HashSize bytes long.
func (h *Hash) SetBytes(b []byte) error {
	if len(b) != HashSize {
		return fmt.Errorf("invalid hash length %d, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return nil
}

// NewHash returns a new Hash from a byte slice, which must be exactly
// HashSize bytes.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if err := h.SetBytes(b); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// NewHashFromStr decodes the hex-encoded string s into a Hash.
func NewHashFromStr(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("malformed hash hex string: %w", err)
	}
	return NewHash(b)
}

// Less provides a total order over hashes, used to canonicalize sets of
// hashes (e.g. a block's transaction set) before they are folded into an
// SMT, so that insertion order never affects the resulting root.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// H computes the domain-separated keyed hash of payload under the short
// ASCII domain tag, per spec ("BLAKE3-style keyed hash, 32 bytes"). Distinct
// tags are guaranteed never to collide on a common prefix because the tag is
// fed through BLAKE3's dedicated 32-byte key parameter rather than being
// concatenated into the message.
func H(tag string, payload ...[]byte) Hash {
	key := keyFromTag(tag)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// blake3.NewKeyed only fails if the key is the wrong length, which
		// keyFromTag guarantees never happens.
		panic(fmt.Sprintf("chainhash: bad blake3 key: %v", err))
	}
	for _, p := range payload {
		hasher.Write(p)
	}
	var out Hash
	hasher.Sum(out[:0])
	return out
}

// keyFromTag derives a 32-byte BLAKE3 key from a short domain tag by
// hashing the tag with the unkeyed BLAKE3 hash function. This lets domain
// tags be arbitrary short strings (as spec.md's tag list is: "node", "leaf",
// "pow_chi", "reward_coin_pseudoid", "liq", "ABID") instead of requiring
// every call site to supply a pre-padded 32-byte key.
func keyFromTag(tag string) [32]byte {
	return blake3.Sum256([]byte("bismuth-domain-tag:" + tag))
}

// Verify is a convenience used by proof checkers: it reports whether h is the
// H(tag, payload...) of payload under tag, without leaking anything about
// intermediate hasher state.
func Verify(h Hash, tag string, payload ...[]byte) bool {
	return h == H(tag, payload...)
}
