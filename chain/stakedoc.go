// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"crypto/ed25519"
	"math/big"

	"github.com/bismuthchain/bismuth/stdcode"
)

// StakeDoc encodes a stake valid for epochs [EStart, EPostEnd) (spec §3).
type StakeDoc struct {
	PubKey     ed25519.PublicKey
	EStart     uint64
	EPostEnd   uint64
	SymsStaked *big.Int
}

// Encode implements stdcode.Encoder.
func (s StakeDoc) Encode(w *stdcode.Writer) {
	w.PutFixed(s.PubKey)
	w.PutU64(s.EStart)
	w.PutU64(s.EPostEnd)
	mustPutU128(w, s.SymsStaked)
}

// Decode implements stdcode.Decoder.
func (s *StakeDoc) Decode(r *stdcode.Reader) error {
	pk, err := r.Fixed(ed25519.PublicKeySize)
	if err != nil {
		return err
	}
	s.PubKey = append(ed25519.PublicKey(nil), pk...)
	if s.EStart, err = r.U64(); err != nil {
		return err
	}
	if s.EPostEnd, err = r.U64(); err != nil {
		return err
	}
	if s.SymsStaked, err = r.U128(); err != nil {
		return err
	}
	return nil
}

// ActiveAt reports whether the stake is valid at epoch e: e_start ≤ e <
// e_post_end (spec §3 invariant).
func (s StakeDoc) ActiveAt(epoch uint64) bool {
	return s.EStart <= epoch && epoch < s.EPostEnd
}

// WellFormed checks the structural invariants required of a Stake
// transaction's parsed StakeDoc (spec §4.B): e_post_end must strictly
// follow e_start.
func (s StakeDoc) WellFormed() error {
	if s.EPostEnd <= s.EStart {
		return ruleErr(ErrMalformedTx, "stake doc e_post_end %d must be greater than e_start %d", s.EPostEnd, s.EStart)
	}
	if s.SymsStaked == nil || s.SymsStaked.Sign() <= 0 {
		return ruleErr(ErrMalformedTx, "stake doc must stake a positive amount of syms")
	}
	if len(s.PubKey) != ed25519.PublicKeySize {
		return ruleErr(ErrMalformedTx, "stake doc pubkey must be %d bytes", ed25519.PublicKeySize)
	}
	return nil
}
