// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"math/big"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// Header commits to a specific block and its predecessor (spec §3). The
// five *_hash fields are the roots of the five authenticated mappings a
// SealedState owns.
type Header struct {
	Network          uint8
	Previous         chainhash.Hash
	Height           uint64
	HistoryHash      chainhash.Hash
	CoinsHash        chainhash.Hash
	TransactionsHash chainhash.Hash
	PoolsHash        chainhash.Hash
	StakesHash       chainhash.Hash
	FeePool          *big.Int
	FeeMultiplier    *big.Int
	DoscSpeed        *big.Int
}

// Encode implements stdcode.Encoder.
func (h Header) Encode(w *stdcode.Writer) {
	w.PutByte(h.Network)
	w.PutFixed(h.Previous[:])
	w.PutU64(h.Height)
	w.PutFixed(h.HistoryHash[:])
	w.PutFixed(h.CoinsHash[:])
	w.PutFixed(h.TransactionsHash[:])
	w.PutFixed(h.PoolsHash[:])
	w.PutFixed(h.StakesHash[:])
	mustPutU128(w, h.FeePool)
	mustPutU128(w, h.FeeMultiplier)
	mustPutU128(w, h.DoscSpeed)
}

// Decode implements stdcode.Decoder.
func (h *Header) Decode(r *stdcode.Reader) error {
	var err error
	if h.Network, err = r.Byte(); err != nil {
		return err
	}
	if err := readHash(r, &h.Previous); err != nil {
		return err
	}
	if h.Height, err = r.U64(); err != nil {
		return err
	}
	for _, dst := range []*chainhash.Hash{&h.HistoryHash, &h.CoinsHash, &h.TransactionsHash, &h.PoolsHash, &h.StakesHash} {
		if err := readHash(r, dst); err != nil {
			return err
		}
	}
	if h.FeePool, err = r.U128(); err != nil {
		return err
	}
	if h.FeeMultiplier, err = r.U128(); err != nil {
		return err
	}
	if h.DoscSpeed, err = r.U128(); err != nil {
		return err
	}
	return nil
}

// Hash is the block identifier: the keyed hash of the header's encoding.
// Consensus proofs and previous-block references always point at this
// value.
func (h Header) Hash() chainhash.Hash {
	return chainhash.H("header", stdcode.Marshal(h))
}

func readHash(r *stdcode.Reader, dst *chainhash.Hash) error {
	b, err := r.Fixed(chainhash.HashSize)
	if err != nil {
		return err
	}
	return dst.SetBytes(b)
}

func mustPutU128(w *stdcode.Writer, v *big.Int) {
	if err := w.PutU128(v); err != nil {
		panic(err)
	}
}

// ProposerAction is attached by the block proposer and drives fee-multiplier
// feedback and proposer reward routing (spec §3, §4.D).
type ProposerAction struct {
	FeeMultiplierDelta int8
	RewardDest         chainhash.Hash
}

// Encode implements stdcode.Encoder.
func (p ProposerAction) Encode(w *stdcode.Writer) {
	w.PutByte(byte(p.FeeMultiplierDelta))
	w.PutFixed(p.RewardDest[:])
}

// Decode implements stdcode.Decoder.
func (p *ProposerAction) Decode(r *stdcode.Reader) error {
	b, err := r.Byte()
	if err != nil {
		return err
	}
	p.FeeMultiplierDelta = int8(b)
	return readHash(r, &p.RewardDest)
}
