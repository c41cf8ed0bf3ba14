// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/covenant"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/stdcode"
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

func freshGenesisSealed(t *testing.T) *state.SealedState {
	t.Helper()
	s, err := state.Genesis(newTestStore(t), chaincfg.RegNetParams(), nil, nil, nil)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	sealed, err := s.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

// fundCoin inserts a spendable coin directly into m's provisional Coins
// tree, bypassing the admission pipeline the way a genesis allocation
// would -- mempool has no exported putCoin, so tests reach into the
// provisional state's own exported Coins tree the same way state's own
// tests reach into its unexported helper.
func fundCoin(t *testing.T, m *Mempool, id chain.CoinID, pk ed25519.PublicKey, value int64) chain.Covenant {
	t.Helper()
	script := covenant.StdEd25519PK(pk)
	cdh := chain.CoinDataHeight{
		CoinData: chain.CoinData{Covhash: script.Hash(), Value: big.NewInt(value), Denom: denom.Mel},
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newRoot, err := m.provisional.Coins.Insert(id.Hash(), stdcode.Marshal(cdh))
	if err != nil {
		t.Fatalf("funding coin: %v", err)
	}
	m.provisional.Coins.Root = newRoot
	return script
}

func mkSpendTx(t *testing.T, coinID chain.CoinID, sk ed25519.PrivateKey, dest chainhash.Hash, script chain.Covenant) chain.Transaction {
	t.Helper()
	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: dest, Value: big.NewInt(4_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000),
		Scripts: []chain.Covenant{script},
	}
	tx.Sign(0, sk)
	return tx
}

func TestApplyTransactionAdmitsAndCaches(t *testing.T) {
	genesis := freshGenesisSealed(t)
	m := New(genesis)

	pk, sk, _ := ed25519.GenerateKey(nil)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx"), Index: 0}
	script := fundCoin(t, m, coinID, pk, 5_000_000)
	tx := mkSpendTx(t, coinID, sk, chainhash.H("dest"), script)

	if err := m.ApplyTransaction(tx); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	pending := m.Pending()
	if len(pending) != 1 || pending[0].HashNosigs() != tx.HashNosigs() {
		t.Fatalf("expected tx in pending set, got %v", pending)
	}
	if got, ok := m.Lookup(tx.HashNosigs()); !ok || got.HashNosigs() != tx.HashNosigs() {
		t.Fatalf("expected tx to be looked up from recent cache")
	}
}

func TestApplyTransactionRejectsDoubleSpend(t *testing.T) {
	genesis := freshGenesisSealed(t)
	m := New(genesis)

	pk, sk, _ := ed25519.GenerateKey(nil)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx"), Index: 0}
	script := fundCoin(t, m, coinID, pk, 5_000_000)
	tx := mkSpendTx(t, coinID, sk, chainhash.H("dest"), script)

	if err := m.ApplyTransaction(tx); err != nil {
		t.Fatalf("first ApplyTransaction: %v", err)
	}
	again := mkSpendTx(t, coinID, sk, chainhash.H("dest2"), script)
	if err := m.ApplyTransaction(again); err == nil {
		t.Fatalf("expected double-spend of the same coin to be rejected")
	}
	if len(m.Pending()) != 1 {
		t.Fatalf("rejected tx must not be added to pending")
	}
}

func TestRebaseDropsNowInvalidTransactions(t *testing.T) {
	genesis := freshGenesisSealed(t)
	m := New(genesis)

	pk, sk, _ := ed25519.GenerateKey(nil)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx"), Index: 0}
	script := fundCoin(t, m, coinID, pk, 5_000_000)
	tx := mkSpendTx(t, coinID, sk, chainhash.H("dest"), script)

	if err := m.ApplyTransaction(tx); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	// Rebasing onto a fresh next_state that never had the funding coin
	// inserted must drop the now-unspendable transaction.
	m.Rebase(genesis.NextState())
	if len(m.Pending()) != 0 {
		t.Fatalf("expected rebase to drop the now-invalid tx, got %d pending", len(m.Pending()))
	}
	// It remains available via the recent cache for backfill queries.
	if _, ok := m.Lookup(tx.HashNosigs()); !ok {
		t.Fatalf("expected dropped tx to remain in the recent cache")
	}
}
