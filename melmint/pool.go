// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package melmint implements the pure constant-product AMM arithmetic and
// DOSC inflation formulas spec.md §4.C/§4.D describe (the "melmint"
// pooled-liquidity and proof-of-sequential-work subsystem). It knows
// nothing about transactions, coins, or the SMT; the state package groups
// and redistributes across individual transaction outputs, calling into
// this package only for the pool/price math itself -- the same split the
// teacher draws between blockchain/stake/ssfee.go's pooled-value
// arithmetic and the caller that attributes shares to individual tickets.
package melmint

import "math/big"

// Pool is the reserve state of one pooled-liquidity pair: some amount of
// Mel against some amount of an arbitrary token denom, plus the
// outstanding supply of the pair's liquidity token.
type Pool struct {
	MelReserve *big.Int
	TokReserve *big.Int
	LiqSupply  *big.Int
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{MelReserve: big.NewInt(0), TokReserve: big.NewInt(0), LiqSupply: big.NewInt(0)}
}

// IsEmpty reports whether the pool has never been seeded with liquidity.
func (p *Pool) IsEmpty() bool {
	return p.LiqSupply.Sign() == 0
}

// SwapMany applies the constant-product invariant x*y=k to an aggregated,
// simultaneous two-sided flow: melIn mel and tokIn tok both entering the
// pool in the same round (spec §4.C's swap_many(total_mels_in,
// total_toks_in)). It returns how much of the opposite asset is paid out
// for each side, mutating the pool's reserves in place.
func (p *Pool) SwapMany(melIn, tokIn *big.Int) (melOut, tokOut *big.Int) {
	if p.MelReserve.Sign() == 0 || p.TokReserve.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}

	// Selling tokIn for mel: melOut = tokIn * melReserve / (tokReserve + tokIn).
	tokDenom := new(big.Int).Add(p.TokReserve, tokIn)
	melOut = new(big.Int)
	if tokDenom.Sign() > 0 {
		melOut.Mul(tokIn, p.MelReserve)
		melOut.Div(melOut, tokDenom)
	}
	if melOut.Cmp(p.MelReserve) > 0 {
		melOut.Set(p.MelReserve)
	}

	// Selling melIn for tok: tokOut = melIn * tokReserve / (melReserve + melIn).
	melDenom := new(big.Int).Add(p.MelReserve, melIn)
	tokOut = new(big.Int)
	if melDenom.Sign() > 0 {
		tokOut.Mul(melIn, p.TokReserve)
		tokOut.Div(tokOut, melDenom)
	}
	if tokOut.Cmp(p.TokReserve) > 0 {
		tokOut.Set(p.TokReserve)
	}

	p.MelReserve.Add(p.MelReserve, melIn)
	p.MelReserve.Sub(p.MelReserve, melOut)
	p.TokReserve.Add(p.TokReserve, tokIn)
	p.TokReserve.Sub(p.TokReserve, tokOut)
	return melOut, tokOut
}

// Deposit seeds or adds to the pool's reserves with totalMel/totalTok and
// returns the amount of liquidity token minted. A first deposit into an
// empty pool mints sqrt(totalMel * totalTok); a subsequent deposit mints
// proportionally to the smaller of the two reserve ratios, so a
// disproportionate deposit cannot mint more than its scarcer side
// justifies.
func (p *Pool) Deposit(totalMel, totalTok *big.Int) (minted *big.Int) {
	if p.IsEmpty() {
		minted = new(big.Int).Mul(totalMel, totalTok)
		minted.Sqrt(minted)
	} else {
		byMel := new(big.Int).Mul(p.LiqSupply, totalMel)
		byMel.Div(byMel, p.MelReserve)
		byTok := new(big.Int).Mul(p.LiqSupply, totalTok)
		byTok.Div(byTok, p.TokReserve)
		if byMel.Cmp(byTok) < 0 {
			minted = byMel
		} else {
			minted = byTok
		}
	}
	p.MelReserve.Add(p.MelReserve, totalMel)
	p.TokReserve.Add(p.TokReserve, totalTok)
	p.LiqSupply.Add(p.LiqSupply, minted)
	return minted
}

// Withdraw burns totalLiqs of the pool's liquidity token and returns the
// proportional (mel, tok) redeemed.
func (p *Pool) Withdraw(totalLiqs *big.Int) (mel, tok *big.Int) {
	if p.LiqSupply.Sign() == 0 || totalLiqs.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	mel = new(big.Int).Mul(p.MelReserve, totalLiqs)
	mel.Div(mel, p.LiqSupply)
	tok = new(big.Int).Mul(p.TokReserve, totalLiqs)
	tok.Div(tok, p.LiqSupply)

	p.MelReserve.Sub(p.MelReserve, mel)
	p.TokReserve.Sub(p.TokReserve, tok)
	p.LiqSupply.Sub(p.LiqSupply, totalLiqs)
	return mel, tok
}

// ShareNumerator computes the unnormalized weight sqrt(mel_i)*sqrt(tok_i)
// a single depositor contributes toward a Deposit pass's total minted
// liquidity (spec §4.C's redistribution formula). Callers divide each
// depositor's ShareNumerator by the sum of all depositors' numerators to
// get that depositor's proportional share of the minted tokens.
func ShareNumerator(mel, tok *big.Int) *big.Int {
	sm := new(big.Int).Sqrt(mel)
	st := new(big.Int).Sqrt(tok)
	return sm.Mul(sm, st)
}

// ProportionalSplit allocates total proportionally to weight/weightSum,
// clamped to [0, total], using integer multiply-then-divide per spec
// §4.C's "integer-multiply-divide, clamped to MAX_COINVAL" redistribution
// rule. The caller is responsible for clamping the overall result set to
// MAX_COINVAL; this helper only guarantees non-negativity and that no
// single share exceeds total.
func ProportionalSplit(total, weight, weightSum *big.Int) *big.Int {
	if weightSum.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(total, weight)
	out.Div(out, weightSum)
	if out.Cmp(total) > 0 {
		out.Set(total)
	}
	return out
}
