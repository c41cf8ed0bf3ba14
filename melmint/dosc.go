// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package melmint

import "math/big"

// inflationNumerator/inflationDenominator are the per-block DOSC inflation
// rate, 1.0000005 (spec §4.D: dosc_inflate_r2n uses 10000005/10000000).
var (
	inflationNumerator   = big.NewInt(10000005)
	inflationDenominator = big.NewInt(10000000)
)

// DoscInflateR2N computes floor(real * (10000005/10000000)^height), the
// "real-to-nominal" DOSC inflation conversion (spec §4.D). The exponent is
// evaluated with exact rational arithmetic via repeated squaring so the
// only rounding in the whole computation is the single final floor --
// accumulating a rounding error at every one of `height` multiplications
// would make the result path-dependent on how the exponentiation loop is
// structured, which the chain's determinism invariant (spec §8 property 2)
// cannot tolerate.
func DoscInflateR2N(height uint64, real *big.Int) *big.Int {
	numPow, denPow := ratPow(inflationNumerator, inflationDenominator, height)
	out := new(big.Int).Mul(real, numPow)
	out.Div(out, denPow)
	return out
}

// ratPow returns (num^n, den^n) for the rational num/den, via
// exponentiation by squaring.
func ratPow(num, den *big.Int, n uint64) (*big.Int, *big.Int) {
	rn, rd := big.NewInt(1), big.NewInt(1)
	bn, bd := new(big.Int).Set(num), new(big.Int).Set(den)
	for n > 0 {
		if n&1 == 1 {
			rn.Mul(rn, bn)
			rd.Mul(rd, bd)
		}
		bn = new(big.Int).Mul(bn, bn)
		bd = new(big.Int).Mul(bd, bd)
		n >>= 1
	}
	return rn, rd
}

// Reward computes a DoscMint's minted NomDosc amount: 2^difficulty * speed
// / dosc_speed (spec §4.D). speed is the proof-of-sequential-work rate the
// submitted proof achieved; dosc_speed is the network's current reference
// speed (chain.Header.DoscSpeed), so a proof slower than the network
// reference mints proportionally less.
func Reward(speed, doscSpeed *big.Int, difficulty uint64) *big.Int {
	if doscSpeed.Sign() == 0 {
		return big.NewInt(0)
	}
	twoPow := new(big.Int).Lsh(big.NewInt(1), uint(difficulty))
	out := new(big.Int).Mul(twoPow, speed)
	out.Div(out, doscSpeed)
	return out
}
