// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package streamlet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/bismuthchain/bismuth/chainhash"
)

func genKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return priv
}

func TestMsgSignAndVerify(t *testing.T) {
	sk := genKey(t)
	m := Sign(Msg{Kind: MsgProposal, Height: 1, Body: []byte("block-a")}, sk)
	if !m.Verify() {
		t.Fatalf("expected a freshly signed message to verify")
	}
	m.Body = []byte("tampered")
	if m.Verify() {
		t.Fatalf("expected tampering with the signed payload to invalidate the signature")
	}
}

func TestCoreInsertRejectsInvalidAndDuplicate(t *testing.T) {
	sk := genKey(t)
	c := NewCore()
	m := Sign(Msg{Kind: MsgProposal, Height: 1, Body: []byte("block-a")}, sk)

	if !c.Insert(m) {
		t.Fatalf("expected first insert of a valid message to succeed")
	}
	if c.Insert(m) {
		t.Fatalf("expected duplicate insert to be rejected")
	}

	unsigned := Msg{Kind: MsgProposal, Height: 2, Body: []byte("block-b"), Signer: m.Signer}
	if c.Insert(unsigned) {
		t.Fatalf("expected an unsigned message to be rejected")
	}
}

func TestCoreSummarizeDiffApplyDiffRoundTrip(t *testing.T) {
	sk := genKey(t)
	a := NewCore()
	b := NewCore()

	m1 := Sign(Msg{Kind: MsgProposal, Height: 1, Body: []byte("block-a")}, sk)
	m2 := Sign(Msg{Kind: MsgVote, Height: 1, Body: []byte("block-a")}, sk)
	a.Insert(m1)
	a.Insert(m2)

	missing := a.Diff(b.Summary())
	if len(missing) != 2 {
		t.Fatalf("expected b to be missing 2 messages, got %d", len(missing))
	}
	if n := b.ApplyDiff(missing); n != 2 {
		t.Fatalf("expected ApplyDiff to admit 2 messages, got %d", n)
	}
	if len(a.Diff(b.Summary())) != 0 {
		t.Fatalf("expected no remaining diff after a full sync")
	}
}

func TestCheckDecisionRequiresMoreThanTwoThirds(t *testing.T) {
	skA, skB, skC := genKey(t), genKey(t), genKey(t)
	pkA := skA.Public().(ed25519.PublicKey)
	pkB := skB.Public().(ed25519.PublicKey)
	pkC := skC.Public().(ed25519.PublicKey)

	weights := map[string]*big.Int{
		string(pkA): big.NewInt(100),
		string(pkB): big.NewInt(100),
		string(pkC): big.NewInt(100),
	}

	d := NewDecider(Config{
		GenerateProposal: func() ([]byte, error) { return []byte("block-a"), nil },
		VerifyProposal:   func([]byte) bool { return true },
		VoteWeights:      func() map[string]*big.Int { return weights },
		MySecret:         skA,
		Height:           1,
	})

	body := []byte("block-a")
	d.core.Insert(Sign(Msg{Kind: MsgProposal, Height: 1, Body: body}, skA))
	d.core.Insert(Sign(Msg{Kind: MsgVote, Height: 1, Body: body}, skA))
	if _, ok := d.checkDecision(); ok {
		t.Fatalf("one of three equal-weight voters must not decide")
	}

	d.core.Insert(Sign(Msg{Kind: MsgVote, Height: 1, Body: body}, skB))
	if _, ok := d.checkDecision(); ok {
		t.Fatalf("exactly two-thirds must not cross the strict threshold")
	}

	d.core.Insert(Sign(Msg{Kind: MsgVote, Height: 1, Body: body}, skC))
	decided, ok := d.checkDecision()
	if !ok || string(decided) != "block-a" {
		t.Fatalf("expected all three votes to decide block-a, got %q ok=%v", decided, ok)
	}
}

func TestTickToEndDecidesAlone(t *testing.T) {
	sk := genKey(t)
	pk := sk.Public().(ed25519.PublicKey)
	weights := map[string]*big.Int{string(pk): big.NewInt(1)}

	d := NewDecider(Config{
		GenerateProposal: func() ([]byte, error) { return []byte("solo-block"), nil },
		VerifyProposal:   func([]byte) bool { return true },
		VoteWeights:      func() map[string]*big.Int { return weights },
		MySecret:         sk,
		Height:           1,
		TickInterval:     5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	decided, err := d.TickToEnd(ctx)
	if err != nil {
		t.Fatalf("TickToEnd: %v", err)
	}
	if string(decided) != "solo-block" {
		t.Fatalf("expected solo decider to decide its own proposal, got %q", decided)
	}
}

func TestConsensusProofGathererAssemblesAboveTwoThirds(t *testing.T) {
	skA, skB, skC := genKey(t), genKey(t), genKey(t)
	pkA := skA.Public().(ed25519.PublicKey)
	pkB := skB.Public().(ed25519.PublicKey)
	pkC := skC.Public().(ed25519.PublicKey)
	weights := map[string]*big.Int{
		string(pkA): big.NewInt(1),
		string(pkB): big.NewInt(1),
		string(pkC): big.NewInt(1),
	}

	var headerHash [32]byte
	copy(headerHash[:], []byte("some-header-hash-some-header-ha"))

	g := NewConsensusProofGatherer()
	g.Start(7, headerHash, weights)

	sigA := ed25519.Sign(skA, headerHash[:])
	if _, done := g.AddSignature(7, pkA, sigA); done {
		t.Fatalf("one of three signatures must not assemble a proof")
	}
	sigB := ed25519.Sign(skB, headerHash[:])
	if _, done := g.AddSignature(7, pkB, sigB); done {
		t.Fatalf("two of three signatures (exactly two-thirds) must not assemble a proof")
	}
	sigC := ed25519.Sign(skC, headerHash[:])
	proof, done := g.AddSignature(7, pkC, sigC)
	if !done {
		t.Fatalf("three of three signatures must assemble a proof")
	}
	if len(proof) != 3 {
		t.Fatalf("expected assembled proof to carry all 3 signatures, got %d", len(proof))
	}

	// Unknown height must be a no-op, not a panic.
	if _, done := g.AddSignature(99, pkA, sigA); done {
		t.Fatalf("unstarted height must never assemble a proof")
	}
}

func TestBeaconSeedIsDeterministicAndSensitiveToSamples(t *testing.T) {
	headerAt := func(h uint64) (chainhash.Hash, error) {
		return chainhash.H("hdr", []byte(fmt.Sprintf("%d", h))), nil
	}

	seed1, err := BeaconSeed(450, 100, headerAt)
	if err != nil {
		t.Fatalf("BeaconSeed: %v", err)
	}
	seed2, err := BeaconSeed(450, 100, headerAt)
	if err != nil {
		t.Fatalf("BeaconSeed: %v", err)
	}
	if seed1 != seed2 {
		t.Fatalf("expected BeaconSeed to be deterministic for the same inputs")
	}

	// A height in a different sampling window must (with overwhelming
	// probability) produce a different seed.
	seed3, err := BeaconSeed(550, 100, headerAt)
	if err != nil {
		t.Fatalf("BeaconSeed: %v", err)
	}
	if seed1 == seed3 {
		t.Fatalf("expected different sampling windows to produce different seeds")
	}
}

func TestBeaconSeedRejectsZeroInterval(t *testing.T) {
	if _, err := BeaconSeed(10, 0, func(uint64) (chainhash.Hash, error) { return chainhash.Hash{}, nil }); err == nil {
		t.Fatalf("expected an error for a zero sampling interval")
	}
}
