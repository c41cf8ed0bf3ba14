// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the bismuth data model (spec.md §3): coins,
// transactions, headers, blocks, stake documents, and the well-formedness
// checks that are context-free (don't require chain state to evaluate).
// Struct layout and field order follow the teacher's wire package idiom
// (MsgTx/MsgBlock field ordering mirrors declaration order on the wire).
package chain

import (
	"math/big"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/stdcode"
	"github.com/decred/base58"
)

// MaxCoinValue is 2^120 - 1, the largest value a CoinData may carry
// (spec §3, MAX_COINVAL).
var MaxCoinValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 120), big.NewInt(1))

// MaxInputsOutputs is the largest number of inputs or outputs a single
// transaction may declare (spec §3: "|inputs|, |outputs| ≤ 255").
const MaxInputsOutputs = 255

// CoinHashDestroy is the well-known burn covenant hash: outputs locked to it
// are never inserted into the coins mapping (spec §3).
var CoinHashDestroy = chainhash.H("destroy-address-marker")

// CoinID uniquely names a transaction output: the hash of the transaction
// that created it (under hash_nosigs) and the output's index within it.
type CoinID struct {
	TxHash chainhash.Hash
	Index  uint8
}

// Encode implements stdcode.Encoder.
func (c CoinID) Encode(w *stdcode.Writer) {
	w.PutFixed(c.TxHash[:])
	w.PutByte(c.Index)
}

// Decode implements stdcode.Decoder.
func (c *CoinID) Decode(r *stdcode.Reader) error {
	b, err := r.Fixed(chainhash.HashSize)
	if err != nil {
		return err
	}
	if err := c.TxHash.SetBytes(b); err != nil {
		return err
	}
	idx, err := r.Byte()
	if err != nil {
		return err
	}
	c.Index = idx
	return nil
}

// Hash returns the SMT key this CoinID is stored under in the coins
// mapping: the domain-separated hash of its encoding, so that keys are
// uniformly distributed over the 256-bit key space regardless of how
// sequential txhash/index pairs are.
func (c CoinID) Hash() chainhash.Hash {
	return chainhash.H("coinid", stdcode.Marshal(c))
}

// CoinData describes the content of a single output: its locking covenant,
// value, denom, and any additional application data (spec §3).
type CoinData struct {
	Covhash        chainhash.Hash
	Value          *big.Int
	Denom          denom.Denom
	AdditionalData []byte
}

// Encode implements stdcode.Encoder.
func (c CoinData) Encode(w *stdcode.Writer) {
	w.PutFixed(c.Covhash[:])
	if err := w.PutU128(c.Value); err != nil {
		// CoinData values are validated by WellFormed before being
		// encoded anywhere on a hot path; a value that overflows u128 here
		// indicates a programmer error in the caller, not bad input.
		panic(err)
	}
	w.PutFixed(c.Denom.Bytes())
	w.PutBytes(c.AdditionalData)
}

// Decode implements stdcode.Decoder.
func (c *CoinData) Decode(r *stdcode.Reader) error {
	b, err := r.Fixed(chainhash.HashSize)
	if err != nil {
		return err
	}
	if err := c.Covhash.SetBytes(b); err != nil {
		return err
	}
	v, err := r.U128()
	if err != nil {
		return err
	}
	c.Value = v
	// Denom.Bytes() is variable-length without a uniform prefix; peek at
	// the remaining buffer through a private helper on Reader equivalent:
	// decode by reading a single-byte tag first, then the payload if any.
	tagByte, err := r.Byte()
	if err != nil {
		return err
	}
	var denomBytes []byte
	if tagByte == 'c' {
		payload, err := r.Fixed(chainhash.HashSize)
		if err != nil {
			return err
		}
		denomBytes = append([]byte{tagByte}, payload...)
	} else {
		denomBytes = []byte{tagByte}
	}
	d, n, err := denom.Parse(denomBytes)
	if err != nil {
		return err
	}
	if n != len(denomBytes) {
		return ErrMalformedTx
	}
	c.Denom = d
	ad, err := r.Bytes()
	if err != nil {
		return err
	}
	c.AdditionalData = append([]byte(nil), ad...)
	return nil
}

// WellFormed checks the context-free invariants of a CoinData (spec §3:
// "every output value ≤ MAX_COINVAL").
func (c CoinData) WellFormed() error {
	if c.Value == nil || c.Value.Sign() < 0 {
		return ruleErr(ErrMalformedTx, "coin value must be non-negative")
	}
	if c.Value.Cmp(MaxCoinValue) > 0 {
		return ruleErr(ErrMalformedTx, "coin value %s exceeds MAX_COINVAL", c.Value)
	}
	return nil
}

// CovhashDisplay renders a covenant hash the way the CLI and logs do:
// base58-encoded, matching the teacher's address-display convention
// (decred/base58 is wired in here for exactly this purpose).
func CovhashDisplay(h chainhash.Hash) string {
	return base58.Encode(h[:])
}

// CoinDataHeight is a coin "at rest" in the UTXO set: its content plus the
// height at which it was created (spec §3).
type CoinDataHeight struct {
	CoinData CoinData
	Height   uint64
}

// Encode implements stdcode.Encoder.
func (c CoinDataHeight) Encode(w *stdcode.Writer) {
	c.CoinData.Encode(w)
	w.PutU64(c.Height)
}

// Decode implements stdcode.Decoder.
func (c *CoinDataHeight) Decode(r *stdcode.Reader) error {
	if err := c.CoinData.Decode(r); err != nil {
		return err
	}
	h, err := r.U64()
	if err != nil {
		return err
	}
	c.Height = h
	return nil
}
