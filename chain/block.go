// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"sort"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// Block is a header plus the transaction set it commits to and an optional
// proposer action (spec §3). The Transactions slice is kept in the order it
// was built; Encode and TxHashes sort a copy by hash_nosigs, so that
// encoding -- and therefore the wire hash of the block -- never depends on
// gossip/arrival order.
type Block struct {
	Header         Header
	Transactions   []Transaction
	ProposerAction *ProposerAction
}

// sortedTransactions returns b.Transactions sorted by HashNosigs, without
// mutating the receiver.
func (b Block) sortedTransactions() []Transaction {
	out := append([]Transaction(nil), b.Transactions...)
	sort.Slice(out, func(i, j int) bool {
		hi, hj := out[i].HashNosigs(), out[j].HashNosigs()
		return hi.Less(hj)
	})
	return out
}

// Encode implements stdcode.Encoder.
func (b Block) Encode(w *stdcode.Writer) {
	b.Header.Encode(w)
	txs := b.sortedTransactions()
	w.PutUvarint(uint64(len(txs)))
	for _, tx := range txs {
		tx.Encode(w)
	}
	if b.ProposerAction == nil {
		w.PutByte(0)
	} else {
		w.PutByte(1)
		b.ProposerAction.Encode(w)
	}
}

// Decode implements stdcode.Decoder.
func (b *Block) Decode(r *stdcode.Reader) error {
	if err := b.Header.Decode(r); err != nil {
		return err
	}
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	b.Transactions = make([]Transaction, n)
	for i := range b.Transactions {
		if err := b.Transactions[i].Decode(r); err != nil {
			return err
		}
	}
	present, err := r.Byte()
	if err != nil {
		return err
	}
	if present == 1 {
		var pa ProposerAction
		if err := pa.Decode(r); err != nil {
			return err
		}
		b.ProposerAction = &pa
	} else {
		b.ProposerAction = nil
	}
	return nil
}

// TxHashes returns hash_nosigs for every transaction in the block, in the
// canonical sorted order used for encoding.
func (b Block) TxHashes() []chainhash.Hash {
	txs := b.sortedTransactions()
	out := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		out[i] = tx.HashNosigs()
	}
	return out
}

// AbbrBlock is the abbreviated form of a block exchanged by blksync peers
// before transaction bodies are fetched (spec §4.I): header, the tx-hash
// set, and the proposer action, with no transaction bodies.
type AbbrBlock struct {
	Header         Header
	TxHashes       []chainhash.Hash
	ProposerAction *ProposerAction
}

// Encode implements stdcode.Encoder.
func (a AbbrBlock) Encode(w *stdcode.Writer) {
	a.Header.Encode(w)
	w.PutUvarint(uint64(len(a.TxHashes)))
	for _, h := range a.TxHashes {
		w.PutFixed(h[:])
	}
	if a.ProposerAction == nil {
		w.PutByte(0)
	} else {
		w.PutByte(1)
		a.ProposerAction.Encode(w)
	}
}

// Decode implements stdcode.Decoder.
func (a *AbbrBlock) Decode(r *stdcode.Reader) error {
	if err := a.Header.Decode(r); err != nil {
		return err
	}
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	a.TxHashes = make([]chainhash.Hash, n)
	for i := range a.TxHashes {
		if err := readHash(r, &a.TxHashes[i]); err != nil {
			return err
		}
	}
	present, err := r.Byte()
	if err != nil {
		return err
	}
	if present == 1 {
		var pa ProposerAction
		if err := pa.Decode(r); err != nil {
			return err
		}
		a.ProposerAction = &pa
	}
	return nil
}

// Abbreviate strips transaction bodies down to their hashes.
func (b Block) Abbreviate() AbbrBlock {
	return AbbrBlock{
		Header:         b.Header,
		TxHashes:       b.TxHashes(),
		ProposerAction: b.ProposerAction,
	}
}

// ConsensusProof is the stake-weighted signature set over a committed
// block's header hash (spec §3).
type ConsensusProof map[[32]byte][]byte

// Encode implements stdcode.Encoder. Keys are sorted for determinism.
func (p ConsensusProof) Encode(w *stdcode.Writer) {
	keys := make([][32]byte, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		for b := 0; b < 32; b++ {
			if keys[i][b] != keys[j][b] {
				return keys[i][b] < keys[j][b]
			}
		}
		return false
	})
	w.PutUvarint(uint64(len(keys)))
	for _, k := range keys {
		w.PutFixed(k[:])
		w.PutBytes(p[k])
	}
}

// Decode implements stdcode.Decoder.
func (p *ConsensusProof) Decode(r *stdcode.Reader) error {
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	m := make(ConsensusProof, n)
	for i := uint64(0); i < n; i++ {
		var pk [32]byte
		b, err := r.Fixed(32)
		if err != nil {
			return err
		}
		copy(pk[:], b)
		sig, err := r.Bytes()
		if err != nil {
			return err
		}
		m[pk] = append([]byte(nil), sig...)
	}
	*p = m
	return nil
}
