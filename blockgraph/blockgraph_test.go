// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockgraph

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
)

func newTestStore(t *testing.T) smt.Store {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return smt.NewLevelStore(db)
}

// staker is one of the three equal-stake validators spec §8 scenario 5
// drives consensus with.
type staker struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func threeEqualStakers(t *testing.T) []staker {
	t.Helper()
	out := make([]staker, 3)
	for i := range out {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		out[i] = staker{pub: pub, priv: priv}
	}
	return out
}

func genesisWithStakers(t *testing.T, stakers []staker) *state.SealedState {
	t.Helper()
	docs := make([]chain.StakeDoc, len(stakers))
	for i, s := range stakers {
		docs[i] = chain.StakeDoc{PubKey: s.pub, EStart: 0, EPostEnd: 1_000_000, SymsStaked: big.NewInt(100)}
	}
	s, err := state.Genesis(newTestStore(t), chaincfg.RegNetParams(), nil, nil, docs)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	sealed, err := s.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

// proposeAndVote builds the block extending parent by one height,
// inserts it as a proposal signed by proposer, then records a vote from
// every staker in voters.
func proposeAndVote(t *testing.T, g *Graph, parent *state.SealedState, proposer staker, voters []staker) (chain.Block, chainhash.Hash) {
	t.Helper()
	next := parent.NextState()
	action := &chain.ProposerAction{RewardDest: chainhash.H("proposer")}
	sealed, err := next.Seal(action)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blk := chain.Block{Header: sealed.Header, ProposerAction: action}
	blockHash := blk.Header.Hash()
	sig := ed25519.Sign(proposer.priv, blockHash[:])

	if err := g.InsertProposal(blk, proposer.pub, sig); err != nil {
		t.Fatalf("InsertProposal: %v", err)
	}
	for _, v := range voters {
		voteSig := ed25519.Sign(v.priv, blockHash[:])
		if err := g.InsertVote(blockHash, v.pub, voteSig); err != nil {
			t.Fatalf("InsertVote: %v", err)
		}
	}
	return blk, blockHash
}

func TestInsertProposalRejectsUnknownParent(t *testing.T) {
	stakers := threeEqualStakers(t)
	genesis := genesisWithStakers(t, stakers)
	g := New(genesis)

	orphan := chain.Block{Header: chain.Header{Height: 5, Previous: chainhash.H("nowhere")}}
	orphanHash := orphan.Header.Hash()
	sig := ed25519.Sign(stakers[0].priv, orphanHash[:])
	if err := g.InsertProposal(orphan, stakers[0].pub, sig); err == nil {
		t.Fatalf("expected ErrParentNotFound for an orphan proposal")
	}
}

func TestIsNotarizedRequiresTwoThirds(t *testing.T) {
	stakers := threeEqualStakers(t)
	genesis := genesisWithStakers(t, stakers)
	g := New(genesis)

	_, blockHash := proposeAndVote(t, g, genesis, stakers[0], stakers[:1])
	notarized, err := g.IsNotarized(blockHash)
	if err != nil {
		t.Fatalf("IsNotarized: %v", err)
	}
	if notarized {
		t.Fatalf("one of three equal-weight votes must not cross two-thirds")
	}

	// A second vote brings signing weight to exactly 2/3, still not
	// strictly greater.
	sig := ed25519.Sign(stakers[1].priv, blockHash[:])
	if err := g.InsertVote(blockHash, stakers[1].pub, sig); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}
	if notarized, err = g.IsNotarized(blockHash); err != nil {
		t.Fatalf("IsNotarized: %v", err)
	} else if notarized {
		t.Fatalf("exactly two-thirds of weight must not cross the strict threshold")
	}

	// The third vote crosses it.
	sig = ed25519.Sign(stakers[2].priv, blockHash[:])
	if err := g.InsertVote(blockHash, stakers[2].pub, sig); err != nil {
		t.Fatalf("InsertVote: %v", err)
	}
	if notarized, err = g.IsNotarized(blockHash); err != nil {
		t.Fatalf("IsNotarized: %v", err)
	} else if !notarized {
		t.Fatalf("all three equal-weight votes must cross two-thirds")
	}
}

func TestDrainFinalizedYieldsFirstOfNotarizedTriple(t *testing.T) {
	// Mirrors spec §8 scenario 5: three equal-stake stakers drive
	// consensus for heights 1, 2, 3 with the same validator set voting
	// every time; once height 3 is notarized, drain_finalized() must
	// yield exactly the block at height 1.
	stakers := threeEqualStakers(t)
	genesis := genesisWithStakers(t, stakers)
	g := New(genesis)

	blk1, _ := proposeAndVote(t, g, genesis, stakers[0], stakers)
	s1, err := genesis.ApplyBlock(blk1)
	if err != nil {
		t.Fatalf("applying block 1: %v", err)
	}
	blk2, _ := proposeAndVote(t, g, s1, stakers[1], stakers)
	s2, err := s1.ApplyBlock(blk2)
	if err != nil {
		t.Fatalf("applying block 2: %v", err)
	}
	proposeAndVote(t, g, s2, stakers[2], stakers)

	finalized, err := g.DrainFinalized()
	if err != nil {
		t.Fatalf("DrainFinalized: %v", err)
	}
	if len(finalized) != 1 {
		t.Fatalf("expected exactly one finalized block, got %d", len(finalized))
	}
	if finalized[0].Header.Height != 1 {
		t.Fatalf("expected finalized block at height 1, got height %d", finalized[0].Header.Height)
	}

	// A second drain with nothing new notarized must be a no-op.
	again, err := g.DrainFinalized()
	if err != nil {
		t.Fatalf("second DrainFinalized: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no newly finalized blocks, got %d", len(again))
	}
}

func TestSummarizeDiffRoundTrip(t *testing.T) {
	stakers := threeEqualStakers(t)
	genesis := genesisWithStakers(t, stakers)
	g := New(genesis)
	proposeAndVote(t, g, genesis, stakers[0], stakers[:2])

	peer := New(genesis)
	diff := g.Diff(peer.Summarize())
	if len(diff.Proposals) != 1 {
		t.Fatalf("expected peer to be missing exactly one proposal, got %d", len(diff.Proposals))
	}
	p := diff.Proposals[0]
	if err := peer.InsertProposal(p.Block, p.Proposer, p.Sig); err != nil {
		t.Fatalf("peer InsertProposal from diff: %v", err)
	}

	// After adopting the proposal, a re-diff against g's summary should
	// carry the votes g already has instead of another proposal.
	diff2 := g.Diff(peer.Summarize())
	if len(diff2.Proposals) != 0 {
		t.Fatalf("expected no further missing proposals, got %d", len(diff2.Proposals))
	}
	if len(diff2.Votes) != 1 {
		t.Fatalf("expected one block's votes to differ, got %d", len(diff2.Votes))
	}
}
