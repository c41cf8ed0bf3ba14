// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// Substate names which of a SealedState's five trees get_smt_branch reads
// from (spec §4.I).
type Substate byte

const (
	SubstateCoins Substate = iota
	SubstateHistory
	SubstatePools
	SubstateStakes
	SubstateTransactions
)

// StateSummary answers get_summary() (spec §4.I): enough for a peer to
// decide whether it is behind and, if so, start a blksync pass.
type StateSummary struct {
	NetName string
	Height  uint64
	Header  chain.Header
	Proof   chain.ConsensusProof
}

// Encode implements stdcode.Encoder.
func (s StateSummary) Encode(w *stdcode.Writer) {
	w.PutBytes([]byte(s.NetName))
	w.PutU64(s.Height)
	s.Header.Encode(w)
	s.Proof.Encode(w)
}

// Decode implements stdcode.Decoder.
func (s *StateSummary) Decode(r *stdcode.Reader) error {
	name, err := r.Bytes()
	if err != nil {
		return err
	}
	s.NetName = string(name)
	if s.Height, err = r.U64(); err != nil {
		return err
	}
	if err := s.Header.Decode(r); err != nil {
		return err
	}
	s.Proof = chain.ConsensusProof{}
	return s.Proof.Decode(r)
}

// SMTBranchRequest is get_smt_branch's payload: which tree, which
// height's sealed state, which key.
type SMTBranchRequest struct {
	Height   uint64
	Substate Substate
	Key      [32]byte
}

// Encode implements stdcode.Encoder.
func (q SMTBranchRequest) Encode(w *stdcode.Writer) {
	w.PutU64(q.Height)
	w.PutByte(byte(q.Substate))
	w.PutFixed(q.Key[:])
}

// Decode implements stdcode.Decoder.
func (q *SMTBranchRequest) Decode(r *stdcode.Reader) error {
	var err error
	if q.Height, err = r.U64(); err != nil {
		return err
	}
	kind, err := r.Byte()
	if err != nil {
		return err
	}
	q.Substate = Substate(kind)
	key, err := r.Fixed(32)
	if err != nil {
		return err
	}
	copy(q.Key[:], key)
	return nil
}

// SMTBranchResponse answers get_smt_branch: the value (nil if absent) and
// a proof verifiable against that height's header.
type SMTBranchResponse struct {
	Value []byte
	Proof smt.Proof
}

// Encode implements stdcode.Encoder.
func (r SMTBranchResponse) Encode(w *stdcode.Writer) {
	w.PutBytes(r.Value)
	r.Proof.Encode(w)
}

// Decode implements stdcode.Decoder.
func (r *SMTBranchResponse) Decode(dr *stdcode.Reader) error {
	var err error
	if r.Value, err = dr.Bytes(); err != nil {
		return err
	}
	return r.Proof.Decode(dr)
}

// HeightRange is get_block/get_abbr_block's payload.
type HeightRange struct {
	Height uint64
}

// Encode implements stdcode.Encoder.
func (h HeightRange) Encode(w *stdcode.Writer) { w.PutU64(h.Height) }

// Decode implements stdcode.Decoder.
func (h *HeightRange) Decode(r *stdcode.Reader) error {
	var err error
	h.Height, err = r.U64()
	return err
}

// AbbrBlockResponse pairs an AbbrBlock with its consensus proof (spec
// §4.I's get_abbr_block).
type AbbrBlockResponse struct {
	Abbr  chain.AbbrBlock
	Proof chain.ConsensusProof
}

// Encode implements stdcode.Encoder.
func (a AbbrBlockResponse) Encode(w *stdcode.Writer) {
	a.Abbr.Encode(w)
	a.Proof.Encode(w)
}

// Decode implements stdcode.Decoder.
func (a *AbbrBlockResponse) Decode(r *stdcode.Reader) error {
	if err := a.Abbr.Decode(r); err != nil {
		return err
	}
	a.Proof = chain.ConsensusProof{}
	return a.Proof.Decode(r)
}

// txEnvelope wraps a bare Transaction for send_tx's request payload.
type txEnvelope struct {
	Tx chain.Transaction
}

func (e txEnvelope) Encode(w *stdcode.Writer) { e.Tx.Encode(w) }
func (e *txEnvelope) Decode(r *stdcode.Reader) error { return e.Tx.Decode(r) }

// stakersRaw is get_stakers_raw's response: every (key, value) pair in a
// height's Stakes tree.
type stakersRaw struct {
	Entries []stakeEntry
}

type stakeEntry struct {
	Key   [32]byte
	Value []byte
}

func (s stakersRaw) Encode(w *stdcode.Writer) {
	w.PutUvarint(uint64(len(s.Entries)))
	for _, e := range s.Entries {
		w.PutFixed(e.Key[:])
		w.PutBytes(e.Value)
	}
}

func (s *stakersRaw) Decode(r *stdcode.Reader) error {
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	s.Entries = make([]stakeEntry, n)
	for i := range s.Entries {
		key, err := r.Fixed(32)
		if err != nil {
			return err
		}
		copy(s.Entries[i].Key[:], key)
		if s.Entries[i].Value, err = r.Bytes(); err != nil {
			return err
		}
	}
	return nil
}
