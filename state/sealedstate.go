// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package state

import (
	"crypto/ed25519"
	"fmt"
	"math/big"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// StakeSet reports the active stake weight of every staker at a given
// epoch, used both to validate consensus proofs (spec §4.H step 2) and to
// compute a consensus round's vote_weights() (spec §4.G).
type StakeSet map[[ed25519.PublicKeySize]byte]*big.Int

// TotalStake sums the weight of every entry in the set.
func (ss StakeSet) TotalStake() *big.Int {
	total := big.NewInt(0)
	for _, w := range ss {
		total.Add(total, w)
	}
	return total
}

// ActiveStakers collects every StakeDoc in the Stakes tree active at
// epoch, keyed by its Ed25519 public key, by walking the tree's leaves.
func (ss *SealedState) ActiveStakers(epoch uint64) (StakeSet, error) {
	out := StakeSet{}
	err := smt.Iter(ss.inner.Stakes, func(key [32]byte, raw []byte) error {
		var doc chain.StakeDoc
		if err := stdcode.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if !doc.ActiveAt(epoch) {
			return nil
		}
		var pk [ed25519.PublicKeySize]byte
		copy(pk[:], doc.PubKey)
		out[pk] = new(big.Int).Set(doc.SymsStaked)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateConsensusProof checks that cproof's signatures, over header's
// hash, come from stakers active at header.Height's epoch and that their
// cumulative weight exceeds two-thirds of the active total (spec §4.H
// step 2).
func (ss *SealedState) ValidateConsensusProof(header chain.Header, cproof chain.ConsensusProof) error {
	epoch := header.Height / chaincfg.StakeEpoch
	active, err := ss.ActiveStakers(epoch)
	if err != nil {
		return err
	}
	total := active.TotalStake()
	if total.Sign() == 0 {
		return chain.RuleError{Kind: chain.ErrInsufficientConsensusProof, Description: "no active stakers at this epoch"}
	}

	msg := header.Hash()
	signing := big.NewInt(0)
	for pk, sig := range cproof {
		weight, ok := active[pk]
		if !ok {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(pk[:]), msg[:], sig) {
			continue
		}
		signing.Add(signing, weight)
	}

	// signing * 3 > total * 2  <=>  signing/total > 2/3, avoiding
	// fractional arithmetic.
	lhs := new(big.Int).Mul(signing, big.NewInt(3))
	rhs := new(big.Int).Mul(total, big.NewInt(2))
	if lhs.Cmp(rhs) <= 0 {
		return chain.RuleError{
			Kind:        chain.ErrInsufficientConsensusProof,
			Description: fmt.Sprintf("signing stake %s does not exceed 2/3 of active total %s", signing, total),
		}
	}
	return nil
}

// ApplyBlock re-runs the state transition function over blk against ss and
// checks the result against blk.Header (spec §4.H step 3, §4.G's
// verify_proposal): height must be exactly one more than ss's, every
// transaction must admit cleanly, and the synthesized header after
// sealing must equal blk.Header exactly.
func (ss *SealedState) ApplyBlock(blk chain.Block) (*SealedState, error) {
	if blk.Header.Height != ss.Header.Height+1 {
		return nil, chain.RuleError{
			Kind:        chain.ErrBlockHeightMismatch,
			Description: fmt.Sprintf("expected height %d, got %d", ss.Header.Height+1, blk.Header.Height),
		}
	}

	next := ss.NextState()
	for i, tx := range blk.Transactions {
		if err := next.ApplyTransaction(tx); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	sealed, err := next.Seal(blk.ProposerAction)
	if err != nil {
		return nil, err
	}
	if sealed.Header.Hash() != blk.Header.Hash() {
		return nil, chain.RuleError{
			Kind:        chain.ErrHeaderMismatch,
			Description: fmt.Sprintf("recomputed header %s does not match proposed header %s", sealed.Header.Hash(), blk.Header.Hash()),
		}
	}
	return sealed, nil
}
