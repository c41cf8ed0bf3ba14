// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package state

import (
	"math/big"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/melmint"
	"github.com/bismuthchain/bismuth/stdcode"
)

// PoolState is the on-chain encoding of one pooled-liquidity pair's
// reserves (spec §4.C), stored in a State's Pools tree keyed by poolKey.
type PoolState struct {
	MelReserve *big.Int
	TokReserve *big.Int
	LiqSupply  *big.Int
}

// Encode implements stdcode.Encoder.
func (p PoolState) Encode(w *stdcode.Writer) {
	mustPutU128(w, p.MelReserve)
	mustPutU128(w, p.TokReserve)
	mustPutU128(w, p.LiqSupply)
}

// Decode implements stdcode.Decoder.
func (p *PoolState) Decode(r *stdcode.Reader) error {
	var err error
	if p.MelReserve, err = r.U128(); err != nil {
		return err
	}
	if p.TokReserve, err = r.U128(); err != nil {
		return err
	}
	if p.LiqSupply, err = r.U128(); err != nil {
		return err
	}
	return nil
}

// toMelmintPool / fromMelmintPool bridge PoolState's on-chain encoding to
// melmint.Pool's pure arithmetic, which owns no stdcode dependency of its
// own.
func (p PoolState) toMelmintPool() *melmint.Pool {
	return &melmint.Pool{
		MelReserve: new(big.Int).Set(p.MelReserve),
		TokReserve: new(big.Int).Set(p.TokReserve),
		LiqSupply:  new(big.Int).Set(p.LiqSupply),
	}
}

func fromMelmintPool(p *melmint.Pool) PoolState {
	return PoolState{MelReserve: p.MelReserve, TokReserve: p.TokReserve, LiqSupply: p.LiqSupply}
}

// poolKey derives the Pools tree's SMT key for the pair (Mel, tok), per
// spec §4.C's "the liquidity-token denom for pool p is H("liq", p)" --
// the pool itself is keyed the same way, by the non-Mel side's denom
// bytes, since every pool pairs against Mel.
func poolKey(tok denom.Denom) [32]byte {
	return chainhash.H("pool", tok.Bytes())
}

func mustPutU128(w *stdcode.Writer, v *big.Int) {
	if err := w.PutU128(v); err != nil {
		panic(err)
	}
}
