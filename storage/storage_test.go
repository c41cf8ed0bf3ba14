// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package storage

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	lvldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
)

func newTestDB(t *testing.T) *leveldb.DB {
	t.Helper()
	db, err := leveldb.Open(lvldbstorage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// genesisWithStaker builds a genesis SealedState carrying a single active
// staker, whose key is also returned, so tests can produce consensus
// proofs that validate.
func genesisWithStaker(t *testing.T) (*state.SealedState, ed25519.PublicKey, ed25519.PrivateKey, smt.Store) {
	t.Helper()
	db := newTestDB(t)
	store := smt.NewLevelStore(db)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	doc := chain.StakeDoc{PubKey: pub, EStart: 0, EPostEnd: 1_000_000, SymsStaked: big.NewInt(100)}
	s, err := state.Genesis(store, chaincfg.RegNetParams(), nil, nil, []chain.StakeDoc{doc})
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	sealed, err := s.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed, pub, priv, store
}

func signedProof(header chain.Header, pub ed25519.PublicKey, priv ed25519.PrivateKey) chain.ConsensusProof {
	h := header.Hash()
	var pk [ed25519.PublicKeySize]byte
	copy(pk[:], pub)
	return chain.ConsensusProof{pk: ed25519.Sign(priv, h[:])}
}

func TestOpenSeedsGenesisThenRestoresFromLastConfirmed(t *testing.T) {
	genesis, _, _, store := genesisWithStaker(t)
	db := newTestDB(t)

	s, err := Open(db, store, chaincfg.RegNetParams(), genesis)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Highest().Header.Height != 0 {
		t.Fatalf("expected fresh store to seed genesis at height 0, got %d", s.Highest().Header.Height)
	}

	// Reopening against the same db and smt store, with no genesis, must
	// restore the same tip via the last_confirmed header alone.
	s2, err := Open(db, store, chaincfg.RegNetParams(), nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if s2.Highest().Header.Hash() != s.Highest().Header.Hash() {
		t.Fatalf("restored tip does not match seeded genesis")
	}
}

func TestApplyBlockPersistsAndAdvancesTip(t *testing.T) {
	genesis, pub, priv, store := genesisWithStaker(t)
	db := newTestDB(t)
	s, err := Open(db, store, chaincfg.RegNetParams(), genesis)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	next := genesis.NextState()
	action := &chain.ProposerAction{RewardDest: chainhash.H("proposer")}
	sealed, err := next.Seal(action)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blk := chain.Block{Header: sealed.Header, ProposerAction: action}
	proof := signedProof(sealed.Header, pub, priv)

	if _, err := s.ApplyBlock(blk, proof); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if s.Highest().Header.Height != 1 {
		t.Fatalf("expected tip height 1 after ApplyBlock, got %d", s.Highest().Header.Height)
	}

	gotBlk, gotProof, err := s.GetBlock(1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if gotBlk.Header.Hash() != sealed.Header.Hash() {
		t.Fatalf("persisted block header does not match applied block")
	}
	if len(gotProof) != len(proof) {
		t.Fatalf("persisted proof has %d signatures, want %d", len(gotProof), len(proof))
	}

	// A restart must restore the tip at height 1, not genesis.
	s2, err := Open(db, store, chaincfg.RegNetParams(), nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if s2.Highest().Header.Height != 1 {
		t.Fatalf("expected restart to restore height 1, got %d", s2.Highest().Header.Height)
	}
}

func TestApplyBlockRejectsWrongHeight(t *testing.T) {
	genesis, pub, priv, store := genesisWithStaker(t)
	db := newTestDB(t)
	s, err := Open(db, store, chaincfg.RegNetParams(), genesis)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	bad := chain.Block{Header: chain.Header{Height: 5}}
	if _, err := s.ApplyBlock(bad, signedProof(bad.Header, pub, priv)); err == nil {
		t.Fatalf("expected height-mismatch rejection")
	}
}
