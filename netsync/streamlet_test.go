// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/streamlet"
)

func TestStreamletDiffServesCoreContents(t *testing.T) {
	n := newTestNode(t)

	core := streamlet.NewCore()
	m := streamlet.Sign(streamlet.Msg{Kind: streamlet.MsgVote, Height: 1, Body: []byte("proposal")}, n.priv)
	if !core.Insert(m) {
		t.Fatalf("expected Insert to accept a freshly signed message")
	}
	n.server.StreamletCore = func(height uint64) *streamlet.Core {
		if height != 1 {
			return nil
		}
		return core
	}

	c := n.dial(t)
	msgs, err := c.GetStreamletDiff([16]byte{}, 1, nil)
	if err != nil {
		t.Fatalf("GetStreamletDiff: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Hash() != m.Hash() {
		t.Fatalf("expected the core's one message back, got %v", msgs)
	}

	// Asking about a height with no active round gets an empty diff, not
	// an error -- "nothing yet" is a normal state.
	msgs, err = c.GetStreamletDiff([16]byte{}, 2, nil)
	if err != nil {
		t.Fatalf("GetStreamletDiff (no round): %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages for a height with no active round, got %v", msgs)
	}

	// Summarizing what the caller already has excludes it from the diff.
	summary := map[chainhash.Hash]chainhash.Hash{m.Hash(): m.Hash()}
	msgs, err = c.GetStreamletDiff([16]byte{}, 1, summary)
	if err != nil {
		t.Fatalf("GetStreamletDiff (with summary): %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages once the caller's summary already lists it, got %v", msgs)
	}
}

func TestRemotePeerImplementsStreamletPeer(t *testing.T) {
	n := newTestNode(t)
	core := streamlet.NewCore()
	m := streamlet.Sign(streamlet.Msg{Kind: streamlet.MsgVote, Height: 5, Body: []byte("x")}, n.priv)
	core.Insert(m)
	n.server.StreamletCore = func(height uint64) *streamlet.Core {
		if height == 5 {
			return core
		}
		return nil
	}

	c := n.dial(t)
	var peer streamlet.Peer = RemotePeer{Client: c, Height: 5}
	msgs, err := peer.GetDiff(context.Background(), [16]byte{}, nil)
	if err != nil {
		t.Fatalf("GetDiff: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Hash() != m.Hash() {
		t.Fatalf("expected RemotePeer.GetDiff to surface the core's message, got %v", msgs)
	}
}

func TestSubmitConfirmAssemblesProofAboveTwoThirds(t *testing.T) {
	n := newTestNode(t)

	gatherer := streamlet.NewConsensusProofGatherer()
	var headerHash chainhash.Hash
	copy(headerHash[:], chainhash.H("decided-header")[:])

	pkA, skA, _ := ed25519.GenerateKey(nil)
	pkB, skB, _ := ed25519.GenerateKey(nil)
	pkC, skC, _ := ed25519.GenerateKey(nil)
	weights := map[string]*big.Int{
		string(pkA): big.NewInt(1),
		string(pkB): big.NewInt(1),
		string(pkC): big.NewInt(1),
	}
	gatherer.Start(9, headerHash, weights)

	var assembled chain.ConsensusProof
	assembledAt := uint64(0)
	n.server.ConfirmGatherer = gatherer
	n.server.OnProofAssembled = func(height uint64, hh chainhash.Hash, proof chain.ConsensusProof) {
		assembledAt = height
		assembled = proof
	}

	c := n.dial(t)
	type voter struct {
		pk ed25519.PublicKey
		sk ed25519.PrivateKey
	}
	for _, v := range []voter{{pkA, skA}, {pkB, skB}} {
		sig := ed25519.Sign(v.sk, headerHash[:])
		if err := c.SubmitConfirm(9, headerHash, v.pk, sig); err != nil {
			t.Fatalf("SubmitConfirm: %v", err)
		}
	}
	if assembled != nil {
		t.Fatalf("expected no proof yet at 2/3 of 3 equal voters, got %v", assembled)
	}

	sigC := ed25519.Sign(skC, headerHash[:])
	if err := c.SubmitConfirm(9, headerHash, pkC, sigC); err != nil {
		t.Fatalf("SubmitConfirm: %v", err)
	}
	if assembledAt != 9 || len(assembled) != 3 {
		t.Fatalf("expected an assembled 3-signature proof at height 9, got height %d len %d", assembledAt, len(assembled))
	}
}
