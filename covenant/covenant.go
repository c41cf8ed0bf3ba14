// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package covenant treats the on-chain scripting predicate as the external
// collaborator spec.md §1 describes it as: "a pure function
// check(covenant_bytes, tx, env) -> bool whose semantics are fixed but
// whose opcode table is not respecified here." This package fixes a single
// builtin predicate (a bare Ed25519 public-key check) sufficient to drive
// every scenario in spec.md §8, following the same raw-byte-prefix
// recognition idiom the teacher uses to spot special scripts without a full
// opcode interpreter (blockchain/standalone/tx.go's opTAdd/opReturn checks).
package covenant

import (
	"crypto/ed25519"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
)

// builtin tags recognized ahead of the (unspecified) general opcode table.
const (
	tagEd25519PK byte = 0xE1
)

// Env is the context a covenant predicate evaluates against (spec §4.B
// step 4): the coin being spent, which input position is spending it, and
// the most recent sealed header, so covenants can reference chain height
// or the previous block's commitments.
type Env struct {
	ParentCoinID  chain.CoinID
	ParentCDH     chain.CoinDataHeight
	SpenderIndex  int
	LastHeader    chain.Header
}

// StdEd25519PK builds the builtin "spendable by this single Ed25519 key"
// covenant referenced in spec §8 Scenario 2 (std_ed25519_pk(PK_A)).
func StdEd25519PK(pk ed25519.PublicKey) chain.Covenant {
	out := make([]byte, 0, 1+len(pk))
	out = append(out, tagEd25519PK)
	out = append(out, pk...)
	return chain.Covenant(out)
}

// Check evaluates covenant bytecode against a spending transaction and
// environment, exactly matching spec §4.B's covenant.check(tx, env)
// contract. Weight-boundedness (spec §9) is trivial for the fixed builtin
// table; a full opcode interpreter would additionally enforce a static gas
// bound here.
func Check(script chain.Covenant, tx chain.Transaction, env Env) bool {
	if len(script) == 0 {
		return false
	}
	switch script[0] {
	case tagEd25519PK:
		return checkEd25519PK(script[1:], tx, env)
	default:
		// Unknown opcode table entries are outside this package's fixed
		// builtin set (spec §1: opcode table not respecified) and are
		// conservatively rejected rather than evaluated.
		return false
	}
}

func checkEd25519PK(pk []byte, tx chain.Transaction, env Env) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	if env.SpenderIndex < 0 || env.SpenderIndex >= len(tx.Sigs) {
		return false
	}
	sig := tx.Sigs[env.SpenderIndex]
	if sig == nil {
		return false
	}
	msg := tx.HashNosigs()
	return ed25519.Verify(ed25519.PublicKey(pk), msg[:], sig)
}

// Weight returns a static upper bound on the evaluation cost of script, fed
// into the weight formula of spec §4.B ("covenant_weights(tx.scripts)").
// The fixed builtin table costs a single signature check; an opcode
// interpreter would instead sum per-instruction costs.
func Weight(script chain.Covenant) uint64 {
	if len(script) == 0 {
		return 0
	}
	switch script[0] {
	case tagEd25519PK:
		return 100
	default:
		return uint64(len(script)) * 10
	}
}

// pinnedABIDHash documents the obsolete COVHASH_ABID special covenant
// (spec §9): it never matches any real covenant produced by this package.
// It is exposed only through ObsoleteAuctionCovhash; no rejection path's
// error text refers to it.
var pinnedABIDHash = chainhash.H("ABID")

// ObsoleteAuctionCovhash returns the legacy covenant hash referenced by
// pre-AMM auction transaction kinds (spec §9); always rejected by the STF
// via chain.ErrObsoleteTxKind before a covenant is ever evaluated.
func ObsoleteAuctionCovhash() chainhash.Hash {
	return pinnedABIDHash
}
