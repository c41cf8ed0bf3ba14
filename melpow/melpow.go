// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package melpow implements the proof-of-sequential-work primitive a
// DoscMint transaction embeds (spec.md §4.B): a chain of keyed hashes
// whose length is inherently sequential to compute, so that minting
// NomDosc at a claimed difficulty requires having actually spent that much
// wall-clock time. Verification here recomputes the chain rather than
// using a sublinear spot-check scheme (see DESIGN.md); both are valid
// proof-of-sequential-work constructions, the difference is only in
// verifier cost.
package melpow

import (
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// MaxDifficulty bounds the chain length any Prove/Verify call will walk,
// so a malformed or adversarial difficulty field can't force an unbounded
// loop during block validation.
const MaxDifficulty = 40

// Proof is the embedded payload of a DoscMint transaction's tx.data
// (spec §4.B: "tx.data = (difficulty: u64, proof: bytes)").
type Proof struct {
	Output chainhash.Hash
}

// Encode implements stdcode.Encoder.
func (p Proof) Encode(w *stdcode.Writer) {
	w.PutFixed(p.Output[:])
}

// Decode implements stdcode.Decoder.
func (p *Proof) Decode(r *stdcode.Reader) error {
	b, err := r.Fixed(chainhash.HashSize)
	if err != nil {
		return err
	}
	return p.Output.SetBytes(b)
}

func step(prev chainhash.Hash) chainhash.Hash {
	return chainhash.H("melpow_step", prev[:])
}

// Prove computes the terminal value of the 2^difficulty-long sequential
// hash chain seeded at chi. Each step depends on the previous step's
// output, so the chain cannot be shortcut by parallelizing.
func Prove(chi chainhash.Hash, difficulty uint64) Proof {
	cur := chi
	n := uint64(1) << difficulty
	for i := uint64(0); i < n; i++ {
		cur = step(cur)
	}
	return Proof{Output: cur}
}

// Verify reports whether proof is the correct terminal value of the
// sequential chain seeded at chi run for 2^difficulty steps. difficulty
// values above MaxDifficulty are always rejected.
func Verify(chi chainhash.Hash, difficulty uint64, proof Proof) bool {
	if difficulty > MaxDifficulty {
		return false
	}
	return Prove(chi, difficulty).Output == proof.Output
}
