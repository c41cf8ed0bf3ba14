// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package denom implements the Denom tagged union (spec.md §3): the asset
// identifier carried by every CoinData. It plays the role the teacher's
// cointype package plays for Decred's VAR/SKA coin types, generalized from a
// closed uint8 enum to an open tagged union with a custom-hash variant.
package denom

import (
	"errors"
	"fmt"

	"github.com/bismuthchain/bismuth/chainhash"
)

// Kind identifies which variant of Denom is in play.
type Kind uint8

const (
	// KindMel is the network's native fee/settlement asset.
	KindMel Kind = iota
	// KindSym is the staking asset locked up in StakeDocs.
	KindSym
	// KindNomDosc is nominal "days of sequential computation", minted by
	// DoscMint transactions.
	KindNomDosc
	// KindNewCoin is the synthetic, balance-unconstrained denom a Normal
	// transaction may create for a fresh output.
	KindNewCoin
	// KindCustom is an arbitrary denom named by a 32-byte hash (e.g. the
	// liquidity-token denom for an AMM pool, H("liq", pool)).
	KindCustom
)

// single-letter wire tags. Every variant, Custom included, is written with
// its tag byte; Custom follows its tag with the 32-byte hash, so a Custom
// denom is not encoded as a bare 32-byte hash.
const (
	tagMel     = 'm'
	tagSym     = 's'
	tagNomDosc = 'd'
	tagNewCoin = 'n'
	tagCustom  = 'c'
)

// Denom is a tagged union identifying the asset type of a coin.
type Denom struct {
	kind Kind
	hash chainhash.Hash // only meaningful when kind == KindCustom
}

// Mel is the canonical native-asset Denom value.
var Mel = Denom{kind: KindMel}

// Sym is the canonical staking-asset Denom value.
var Sym = Denom{kind: KindSym}

// NomDosc is the canonical nominal-DOSC Denom value.
var NomDosc = Denom{kind: KindNomDosc}

// NewCoin is the canonical synthetic-denom value a Normal tx output may
// declare; its value is exempt from the balance invariant (spec §3).
var NewCoin = Denom{kind: KindNewCoin}

// Custom returns the Denom naming an arbitrary asset by hash, e.g. an AMM
// pool's liquidity token, H("liq", poolDenomBytes).
func Custom(h chainhash.Hash) Denom {
	return Denom{kind: KindCustom, hash: h}
}

// Kind reports which variant this Denom is.
func (d Denom) Kind() Kind { return d.kind }

// CustomHash returns the hash naming a KindCustom denom. It is the zero hash
// for any other kind.
func (d Denom) CustomHash() chainhash.Hash { return d.hash }

// IsBalanceExempt reports whether conservation-of-value does not apply to
// this denom within a single transaction (spec §3 invariant: "outputs with
// denom == NewCoin (the denom whose value is unconstrained)").
func (d Denom) IsBalanceExempt() bool {
	return d.kind == KindNewCoin
}

// Equal reports whether d and other name the same asset.
func (d Denom) Equal(other Denom) bool {
	if d.kind != other.kind {
		return false
	}
	if d.kind == KindCustom {
		return d.hash == other.hash
	}
	return true
}

// String renders a human-readable label, following cointype.String's
// switch-on-kind idiom.
func (d Denom) String() string {
	switch d.kind {
	case KindMel:
		return "MEL"
	case KindSym:
		return "SYM"
	case KindNomDosc:
		return "NOMDOSC"
	case KindNewCoin:
		return "(new)"
	case KindCustom:
		return "CUSTOM:" + d.hash.String()
	default:
		return fmt.Sprintf("Unknown(%d)", d.kind)
	}
}

// Bytes encodes the denom as a single-letter tag for the named variants, or
// the tag 'c' followed by the 32-byte hash (33 bytes) for Custom.
func (d Denom) Bytes() []byte {
	switch d.kind {
	case KindMel:
		return []byte{tagMel}
	case KindSym:
		return []byte{tagSym}
	case KindNomDosc:
		return []byte{tagNomDosc}
	case KindNewCoin:
		return []byte{tagNewCoin}
	case KindCustom:
		out := make([]byte, 0, 1+chainhash.HashSize)
		out = append(out, tagCustom)
		out = append(out, d.hash[:]...)
		return out
	default:
		panic(fmt.Sprintf("denom: unknown kind %d", d.kind))
	}
}

// ErrMalformedDenom is returned by Parse when the byte string does not
// decode to a valid Denom.
var ErrMalformedDenom = errors.New("malformed denom encoding")

// Parse decodes a Denom from its wire byte-string form, returning the
// number of bytes consumed.
func Parse(b []byte) (Denom, int, error) {
	if len(b) == 0 {
		return Denom{}, 0, ErrMalformedDenom
	}
	switch b[0] {
	case tagMel:
		return Mel, 1, nil
	case tagSym:
		return Sym, 1, nil
	case tagNomDosc:
		return NomDosc, 1, nil
	case tagNewCoin:
		return NewCoin, 1, nil
	case tagCustom:
		if len(b) < 1+chainhash.HashSize {
			return Denom{}, 0, ErrMalformedDenom
		}
		h, err := chainhash.NewHash(b[1 : 1+chainhash.HashSize])
		if err != nil {
			return Denom{}, 0, err
		}
		return Custom(h), 1 + chainhash.HashSize, nil
	default:
		return Denom{}, 0, ErrMalformedDenom
	}
}

// LiquidityDenom returns the synthetic liquidity-token denom for the pool
// named by poolDenom, H("liq", pool) per spec §4.C.
func LiquidityDenom(pool Denom) Denom {
	return Custom(chainhash.H("liq", pool.Bytes()))
}
