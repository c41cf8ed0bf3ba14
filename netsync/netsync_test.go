// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"crypto/ed25519"
	"math/big"
	"net"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	lvldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/covenant"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/mempool"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/storage"
)

// testNode wires up a Storage+Mempool-backed Server listening on a
// loopback port, the way a real node wires netsync against its state
// (spec §4.I/§5's single-writer split). Its genesis carries one funded
// coin owned by coinPub/coinPriv so send_tx tests have something real to
// spend.
type testNode struct {
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	coinPub  ed25519.PublicKey
	coinPriv ed25519.PrivateKey
	coinID   chain.CoinID
	coinPK   chain.Covenant
	storage  *storage.Storage
	mempool  *mempool.Mempool
	server   *Server
	ln       net.Listener
}

// genesisParams is everything deterministic about a genesis SealedState:
// building two independent testNodes from the same genesisParams yields
// two stores that agree on height 0, the way a real network's peers all
// start from the identical genesis block.
type genesisParams struct {
	pub, coinPub   ed25519.PublicKey
	priv, coinPriv ed25519.PrivateKey
	coinID         chain.CoinID
	coinPK         chain.Covenant
	coins          []chain.CoinDataHeight
	coinIDs        []chain.CoinID
	stakers        []chain.StakeDoc
}

func newGenesisParams(t *testing.T) genesisParams {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	doc := chain.StakeDoc{PubKey: pub, EStart: 0, EPostEnd: 1_000_000, SymsStaked: big.NewInt(100)}

	coinPub, coinPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating coin key: %v", err)
	}
	script := covenant.StdEd25519PK(coinPub)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx"), Index: 0}
	cdh := chain.CoinDataHeight{
		CoinData: chain.CoinData{Covhash: script.Hash(), Value: big.NewInt(5_000_000), Denom: denom.Mel},
	}

	return genesisParams{
		pub: pub, priv: priv, coinPub: coinPub, coinPriv: coinPriv,
		coinID: coinID, coinPK: script,
		coins: []chain.CoinDataHeight{cdh}, coinIDs: []chain.CoinID{coinID},
		stakers: []chain.StakeDoc{doc},
	}
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	return newTestNodeFrom(t, newGenesisParams(t))
}

func newTestNodeFrom(t *testing.T, gp genesisParams) *testNode {
	t.Helper()
	db, err := leveldb.Open(lvldbstorage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := smt.NewLevelStore(db)

	gs, err := state.Genesis(store, chaincfg.RegNetParams(), gp.coins, gp.coinIDs, gp.stakers)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	genesis, err := gs.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	st, err := storage.Open(db, store, chaincfg.RegNetParams(), genesis)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mp := mempool.New(genesis)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &Server{NetName: "regtest", Storage: st, Mempool: mp}
	go srv.Serve(ln)

	return &testNode{
		pub: gp.pub, priv: gp.priv,
		coinPub: gp.coinPub, coinPriv: gp.coinPriv, coinID: gp.coinID, coinPK: gp.coinPK,
		storage: st, mempool: mp, server: srv, ln: ln,
	}
}

func (n *testNode) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial("regtest", n.ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// applyBlock proposes, signs, and applies one block extending n's tip,
// returning the resulting sealed state.
func (n *testNode) applyBlock(t *testing.T) *state.SealedState {
	t.Helper()
	tip := n.storage.Highest()
	next := tip.NextState()
	action := &chain.ProposerAction{RewardDest: chainhash.H("proposer")}
	sealed, err := next.Seal(action)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	blk := chain.Block{Header: sealed.Header, ProposerAction: action}
	h := sealed.Header.Hash()
	var key [32]byte
	copy(key[:], n.pub)
	proof := chain.ConsensusProof{key: ed25519.Sign(n.priv, h[:])}
	if _, err := n.storage.ApplyBlock(blk, proof); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	return sealed
}

func TestGetSummaryReflectsTip(t *testing.T) {
	n := newTestNode(t)
	c := n.dial(t)

	summary, err := c.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.NetName != "regtest" || summary.Height != 0 {
		t.Fatalf("unexpected genesis summary: %+v", summary)
	}

	n.applyBlock(t)
	summary, err = c.GetSummary()
	if err != nil {
		t.Fatalf("GetSummary after apply: %v", err)
	}
	if summary.Height != 1 {
		t.Fatalf("expected summary height 1 after applying a block, got %d", summary.Height)
	}
}

func TestSendTxAdmitsAndForwards(t *testing.T) {
	n := newTestNode(t)
	c := n.dial(t)

	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{n.coinID},
		Outputs: []chain.CoinData{{Covhash: chainhash.H("dest"), Value: big.NewInt(4_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000),
		Scripts: []chain.Covenant{n.coinPK},
	}
	tx.Sign(0, n.coinPriv)

	var forwarded chain.Transaction
	got := make(chan struct{}, 1)
	n.server.Forward = func(t chain.Transaction) { forwarded = t; got <- struct{}{} }

	if err := c.SendTx(tx); err != nil {
		t.Fatalf("SendTx: %v", err)
	}
	<-got
	if forwarded.HashNosigs() != tx.HashNosigs() {
		t.Fatalf("expected forwarded tx to match submitted tx")
	}
	if err := c.SendTx(tx); err == nil {
		t.Fatalf("expected resubmission of the same tx to be rejected as a duplicate")
	}
}

func TestGetBlockAndAbbrBlockAfterApply(t *testing.T) {
	n := newTestNode(t)
	c := n.dial(t)
	sealed := n.applyBlock(t)

	blk, err := c.GetBlock(1)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if blk.Header.Hash() != sealed.Header.Hash() {
		t.Fatalf("fetched block does not match applied block")
	}

	abbr, err := c.GetAbbrBlock(1)
	if err != nil {
		t.Fatalf("GetAbbrBlock: %v", err)
	}
	if abbr.Abbr.Header.Hash() != sealed.Header.Hash() {
		t.Fatalf("fetched abbr block does not match applied block")
	}
}

func TestGetSMTBranchVerifiesAgainstRoot(t *testing.T) {
	n := newTestNode(t)
	c := n.dial(t)

	var key [32]byte
	copy(key[:], chainhash.H("genesis-stake", n.pub)[:])
	resp, err := c.GetSMTBranch(0, SubstateStakes, key)
	if err != nil {
		t.Fatalf("GetSMTBranch: %v", err)
	}
	if resp.Value == nil {
		t.Fatalf("expected a value for the seeded genesis staker")
	}
	root := n.storage.Highest().State().Stakes.Root
	if !VerifySMTBranch(root, key, resp) {
		t.Fatalf("expected inclusion proof to verify against the stakes root")
	}

	var absentKey [32]byte
	copy(absentKey[:], chainhash.H("nobody")[:])
	resp2, err := c.GetSMTBranch(0, SubstateStakes, absentKey)
	if err != nil {
		t.Fatalf("GetSMTBranch (absent): %v", err)
	}
	if resp2.Value != nil {
		t.Fatalf("expected no value for an unseeded key")
	}
	if !VerifySMTBranch(root, absentKey, resp2) {
		t.Fatalf("expected absence proof to verify against the stakes root")
	}
}

func TestGetStakersRawListsGenesisStaker(t *testing.T) {
	n := newTestNode(t)
	c := n.dial(t)

	stakers, err := c.GetStakersRaw(0)
	if err != nil {
		t.Fatalf("GetStakersRaw: %v", err)
	}
	var key [32]byte
	copy(key[:], chainhash.H("genesis-stake", n.pub)[:])
	if _, ok := stakers[key]; !ok {
		t.Fatalf("expected the seeded genesis staker's key among stakers_raw entries")
	}
}

func TestFastsyncRoundTrip(t *testing.T) {
	n := newTestNode(t)
	n.applyBlock(t)
	n.applyBlock(t)

	result, err := RequestFastsync("regtest", n.ln.Addr().String(), 0)
	if err != nil {
		t.Fatalf("RequestFastsync: %v", err)
	}
	if result.Base.Height != 0 {
		t.Fatalf("expected base summary at height 0, got %d", result.Base.Height)
	}
	if len(result.Blocks) != 2 {
		t.Fatalf("expected 2 blocks streamed above the base height, got %d", len(result.Blocks))
	}
	if result.Blocks[0].Block.Header.Height != 1 || result.Blocks[1].Block.Header.Height != 2 {
		t.Fatalf("expected blocks in height order, got heights %d,%d",
			result.Blocks[0].Block.Header.Height, result.Blocks[1].Block.Header.Height)
	}
	var key [32]byte
	copy(key[:], chainhash.H("genesis-stake", n.pub)[:])
	found := false
	for _, e := range result.Trees[SubstateStakes] {
		if e.Key == key {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the genesis staker's entry among the streamed Stakes tree dump")
	}
}
