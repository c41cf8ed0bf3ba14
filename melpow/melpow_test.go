// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package melpow

import (
	"testing"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

func TestProveThenVerifySucceeds(t *testing.T) {
	chi := chainhash.H("test-chi", []byte("coin"))
	proof := Prove(chi, 8)
	if !Verify(chi, 8, proof) {
		t.Fatalf("proof failed to verify against its own challenge/difficulty")
	}
}

func TestVerifyRejectsWrongDifficulty(t *testing.T) {
	chi := chainhash.H("test-chi", []byte("coin"))
	proof := Prove(chi, 8)
	if Verify(chi, 9, proof) {
		t.Fatalf("proof for difficulty 8 should not verify at difficulty 9")
	}
}

func TestVerifyRejectsWrongChallenge(t *testing.T) {
	chi1 := chainhash.H("test-chi", []byte("coin-1"))
	chi2 := chainhash.H("test-chi", []byte("coin-2"))
	proof := Prove(chi1, 8)
	if Verify(chi2, 8, proof) {
		t.Fatalf("proof for one challenge should not verify against another")
	}
}

func TestVerifyRejectsExcessiveDifficulty(t *testing.T) {
	chi := chainhash.H("test-chi", []byte("coin"))
	if Verify(chi, MaxDifficulty+1, Proof{}) {
		t.Fatalf("difficulty above MaxDifficulty must always be rejected")
	}
}

func TestProofRoundTripsThroughStdcode(t *testing.T) {
	chi := chainhash.H("test-chi", []byte("coin"))
	proof := Prove(chi, 4)
	encoded := stdcode.Marshal(proof)
	var decoded Proof
	if err := stdcode.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Output != proof.Output {
		t.Fatalf("round-trip mismatch: %s != %s", decoded.Output, proof.Output)
	}
}
