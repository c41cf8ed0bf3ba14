// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"crypto/ed25519"
	"math/big"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// TxKind identifies the special-case effects a transaction triggers during
// apply_block (spec §3). Legacy auction kinds are intentionally absent from
// this set; see legacy.go.
type TxKind uint8

const (
	// TxNormal is a plain value-transfer transaction; it may create a
	// single output of the synthetic NewCoin denom.
	TxNormal TxKind = 0x00
	// TxStake locks Mel into a StakeDoc for a future epoch range.
	TxStake TxKind = 0x10
	// TxDoscMint mints NomDosc ex nihilo against a proof of sequential
	// work over an aged coin.
	TxDoscMint TxKind = 0x50
	// TxSwap trades against a pooled-liquidity AMM pair.
	TxSwap TxKind = 0x51
	// TxLiqDeposit adds liquidity to an AMM pool.
	TxLiqDeposit TxKind = 0x52
	// TxLiqWithdraw removes liquidity from an AMM pool.
	TxLiqWithdraw TxKind = 0x53
	// TxFaucet mints coins with no inputs; the state package admits it on
	// every network except mainnet (state.State.AllowFaucet).
	TxFaucet TxKind = 0xFF
)

// Covenant is the locking predicate bytecode attached to a transaction to
// authorize spending one or more of its referenced inputs. Its evaluation
// semantics are specified externally (spec §1, §4.E) by the covenant
// package; chain only needs to know how to hash and serialize it.
type Covenant []byte

// Hash returns the covenant's identity, matched against a spent coin's
// Covhash during admission (spec §4.B step 4).
func (c Covenant) Hash() chainhash.Hash {
	return chainhash.H("covhash", c)
}

// Transaction is the bismuth unit of state change (spec §3).
type Transaction struct {
	Kind     TxKind
	Inputs   []CoinID
	Outputs  []CoinData
	Fee      *big.Int
	Scripts  []Covenant
	Data     []byte
	Sigs     [][]byte
}

// Encode implements stdcode.Encoder. Field order matches declaration order,
// per spec §6.
func (tx Transaction) Encode(w *stdcode.Writer) {
	tx.encode(w, true)
}

// encode writes every field in declaration order; with withSigs false, Sigs
// is replaced by an empty list -- the basis of hash_nosigs (spec §3: "signatures therefore never
// affect identity").
func (tx Transaction) encode(w *stdcode.Writer, withSigs bool) {
	w.PutByte(byte(tx.Kind))
	w.PutUvarint(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		in.Encode(w)
	}
	w.PutUvarint(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		out.Encode(w)
	}
	if err := w.PutU128(tx.Fee); err != nil {
		panic(err)
	}
	w.PutUvarint(uint64(len(tx.Scripts)))
	for _, s := range tx.Scripts {
		w.PutBytes(s)
	}
	w.PutBytes(tx.Data)
	if withSigs {
		w.PutUvarint(uint64(len(tx.Sigs)))
		for _, s := range tx.Sigs {
			w.PutBytes(s)
		}
	} else {
		w.PutUvarint(0)
	}
}

// Decode implements stdcode.Decoder.
func (tx *Transaction) Decode(r *stdcode.Reader) error {
	kindByte, err := r.Byte()
	if err != nil {
		return err
	}
	tx.Kind = TxKind(kindByte)

	nIn, err := r.Uvarint()
	if err != nil {
		return err
	}
	tx.Inputs = make([]CoinID, nIn)
	for i := range tx.Inputs {
		if err := tx.Inputs[i].Decode(r); err != nil {
			return err
		}
	}

	nOut, err := r.Uvarint()
	if err != nil {
		return err
	}
	tx.Outputs = make([]CoinData, nOut)
	for i := range tx.Outputs {
		if err := tx.Outputs[i].Decode(r); err != nil {
			return err
		}
	}

	fee, err := r.U128()
	if err != nil {
		return err
	}
	tx.Fee = fee

	nScripts, err := r.Uvarint()
	if err != nil {
		return err
	}
	tx.Scripts = make([]Covenant, nScripts)
	for i := range tx.Scripts {
		b, err := r.Bytes()
		if err != nil {
			return err
		}
		tx.Scripts[i] = append(Covenant(nil), b...)
	}

	data, err := r.Bytes()
	if err != nil {
		return err
	}
	tx.Data = append([]byte(nil), data...)

	nSigs, err := r.Uvarint()
	if err != nil {
		return err
	}
	tx.Sigs = make([][]byte, nSigs)
	for i := range tx.Sigs {
		b, err := r.Bytes()
		if err != nil {
			return err
		}
		tx.Sigs[i] = append([]byte(nil), b...)
	}
	return nil
}

// HashNosigs is the transaction's canonical identity: the keyed hash of its
// encoding with Sigs cleared (spec §3, §8 property 4).
func (tx Transaction) HashNosigs() chainhash.Hash {
	w := stdcode.NewWriter()
	tx.encode(w, false)
	return chainhash.H("tx", w.Bytes())
}

// Sign appends an Ed25519 signature over HashNosigs() to tx.Sigs, at the
// given input index. Signing never changes HashNosigs (spec §8 property 4).
func (tx *Transaction) Sign(inputIndex int, sk ed25519.PrivateKey) {
	h := tx.HashNosigs()
	sig := ed25519.Sign(sk, h[:])
	for len(tx.Sigs) <= inputIndex {
		tx.Sigs = append(tx.Sigs, nil)
	}
	tx.Sigs[inputIndex] = sig
}

// WellFormed performs the context-free checks of spec §3: per-output value
// bound, fee bound, and input/output count bounds.
func (tx Transaction) WellFormed() error {
	if len(tx.Inputs) > MaxInputsOutputs {
		return ruleErr(ErrMalformedTx, "too many inputs: %d > %d", len(tx.Inputs), MaxInputsOutputs)
	}
	if len(tx.Outputs) > MaxInputsOutputs {
		return ruleErr(ErrMalformedTx, "too many outputs: %d > %d", len(tx.Outputs), MaxInputsOutputs)
	}
	if tx.Fee == nil || tx.Fee.Sign() < 0 {
		return ruleErr(ErrMalformedTx, "fee must be non-negative")
	}
	if tx.Fee.Cmp(MaxCoinValue) > 0 {
		return ruleErr(ErrMalformedTx, "fee %s exceeds MAX_COINVAL", tx.Fee)
	}
	for i, out := range tx.Outputs {
		if err := out.WellFormed(); err != nil {
			return ruleErr(ErrMalformedTx, "output %d: %v", i, err)
		}
	}
	if tx.Kind == TxFaucet && len(tx.Inputs) != 0 {
		return ruleErr(ErrMalformedTx, "faucet transaction must have no inputs")
	}
	if IsObsoleteKind(tx.Kind) {
		return ruleErr(ErrObsoleteTxKind, "transaction kind 0x%02x is obsolete", byte(tx.Kind))
	}
	return nil
}

// CovenantFor returns the covenant in tx.Scripts whose hash equals covhash,
// or ok=false if none matches (spec §4.B step 4).
func (tx Transaction) CovenantFor(covhash chainhash.Hash) (Covenant, bool) {
	for _, s := range tx.Scripts {
		if s.Hash() == covhash {
			return s, true
		}
	}
	return nil, false
}

// OutputCoinID returns the CoinID naming the output at index i.
func (tx Transaction) OutputCoinID(i int) CoinID {
	return CoinID{TxHash: tx.HashNosigs(), Index: uint8(i)}
}
