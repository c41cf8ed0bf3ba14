// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package state

import (
	"crypto/ed25519"
	"errors"
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

func testParams() *chaincfg.Params {
	return chaincfg.RegNetParams()
}

func freshGenesisState(t *testing.T) *State {
	t.Helper()
	store := newTestStore(t)
	s, err := Genesis(store, testParams(), nil, nil, nil)
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	return s
}

func sealAndCheck(t *testing.T, s *State) *SealedState {
	t.Helper()
	sealed, err := s.Seal(nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

func TestGenesisSealsCleanly(t *testing.T) {
	s := freshGenesisState(t)
	sealed := sealAndCheck(t, s)
	if sealed.Header.Height != 0 {
		t.Fatalf("expected height 0, got %d", sealed.Header.Height)
	}
	if sealed.Header.Hash().IsZero() {
		t.Fatalf("genesis header hash should not be zero")
	}
}

// mkFundedCoin builds a CoinDataHeight spendable by a std-ed25519-pk
// covenant for pk, and returns the covenant too.
func mkFundedCoin(pk ed25519.PublicKey, value int64, d denom.Denom, height uint64) (chain.CoinDataHeight, chain.Covenant) {
	script := covenant.StdEd25519PK(pk)
	cdh := chain.CoinDataHeight{
		CoinData: chain.CoinData{
			Covhash: script.Hash(),
			Value:   big.NewInt(value),
			Denom:   d,
		},
		Height: height,
	}
	return cdh, script
}

func TestApplyTransactionSpendsFundedCoin(t *testing.T) {
	pk, sk, _ := ed25519.GenerateKey(nil)
	cdh, script := mkFundedCoin(pk, 5_000_000, denom.Mel, 0)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx"), Index: 0}

	s := freshGenesisState(t)
	if err := s.putCoin(coinID, cdh); err != nil {
		t.Fatalf("seeding coin: %v", err)
	}

	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: script.Hash(), Value: big.NewInt(4_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000),
		Scripts: []chain.Covenant{script},
	}
	tx.Sign(0, sk)

	if err := s.ApplyTransaction(tx); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	if _, ok, err := s.getCoin(coinID); err != nil || ok {
		t.Fatalf("spent coin should no longer exist, ok=%v err=%v", ok, err)
	}
	outID := tx.OutputCoinID(0)
	out, ok, err := s.getCoin(outID)
	if err != nil || !ok {
		t.Fatalf("expected output coin to exist: ok=%v err=%v", ok, err)
	}
	if out.CoinData.Value.Cmp(big.NewInt(4_000_000)) != 0 {
		t.Fatalf("unexpected output value %s", out.CoinData.Value)
	}
}

func TestApplyTransactionRejectsUnbalanced(t *testing.T) {
	pk, sk, _ := ed25519.GenerateKey(nil)
	cdh, script := mkFundedCoin(pk, 5_000_000, denom.Mel, 0)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx-2"), Index: 0}

	s := freshGenesisState(t)
	if err := s.putCoin(coinID, cdh); err != nil {
		t.Fatalf("seeding coin: %v", err)
	}

	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: script.Hash(), Value: big.NewInt(4_900_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000), // 4.9M + 1M fee > 5M input: unbalanced
		Scripts: []chain.Covenant{script},
	}
	tx.Sign(0, sk)

	err := s.ApplyTransaction(tx)
	if err == nil {
		t.Fatalf("expected unbalanced rejection")
	}
	var ruleErr chain.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Kind != chain.ErrUnbalancedInOut {
		t.Fatalf("expected ErrUnbalancedInOut, got %v", err)
	}
}

func TestApplyTransactionRejectsBadSignature(t *testing.T) {
	pk, _, _ := ed25519.GenerateKey(nil)
	_, wrongSk, _ := ed25519.GenerateKey(nil)
	cdh, script := mkFundedCoin(pk, 5_000_000, denom.Mel, 0)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx-3"), Index: 0}

	s := freshGenesisState(t)
	if err := s.putCoin(coinID, cdh); err != nil {
		t.Fatalf("seeding coin: %v", err)
	}

	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: script.Hash(), Value: big.NewInt(4_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000),
		Scripts: []chain.Covenant{script},
	}
	tx.Sign(0, wrongSk)

	err := s.ApplyTransaction(tx)
	if err == nil {
		t.Fatalf("expected covenant rejection for wrong signature")
	}
	var ruleErr chain.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Kind != chain.ErrViolatesScript {
		t.Fatalf("expected ErrViolatesScript, got %v", err)
	}
}

func TestApplyTransactionRejectsLowFee(t *testing.T) {
	pk, sk, _ := ed25519.GenerateKey(nil)
	cdh, script := mkFundedCoin(pk, 5_000_000, denom.Mel, 0)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx-4"), Index: 0}

	s := freshGenesisState(t)
	if err := s.putCoin(coinID, cdh); err != nil {
		t.Fatalf("seeding coin: %v", err)
	}

	tx := chain.Transaction{
		Kind:    chain.TxNormal,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: script.Hash(), Value: big.NewInt(5_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(0),
		Scripts: []chain.Covenant{script},
	}
	tx.Sign(0, sk)

	err := s.ApplyTransaction(tx)
	if err == nil {
		t.Fatalf("expected insufficient fee rejection")
	}
	var ruleErr chain.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Kind != chain.ErrInsufficientFees {
		t.Fatalf("expected ErrInsufficientFees, got %v", err)
	}
}

func TestApplyTransactionStakeLocksPrincipal(t *testing.T) {
	pk, sk, _ := ed25519.GenerateKey(nil)
	cdh, script := mkFundedCoin(pk, 10_000_000, denom.Mel, 0)
	coinID := chain.CoinID{TxHash: chainhash.H("seed-tx-5"), Index: 0}

	s := freshGenesisState(t)
	s.Height = 0
	if err := s.putCoin(coinID, cdh); err != nil {
		t.Fatalf("seeding coin: %v", err)
	}

	stakePK, _, _ := ed25519.GenerateKey(nil)
	doc := chain.StakeDoc{PubKey: stakePK, EStart: 1, EPostEnd: 5, SymsStaked: big.NewInt(10_000_000)}
	stakeBytes := stdcode.Marshal(doc)

	tx := chain.Transaction{
		Kind:    chain.TxStake,
		Inputs:  []chain.CoinID{coinID},
		Outputs: []chain.CoinData{{Covhash: script.Hash(), Value: big.NewInt(10_000_000), Denom: denom.Mel}},
		Fee:     big.NewInt(1_000_000),
		Scripts: []chain.Covenant{script},
		Data:    stakeBytes,
	}
	tx.Sign(0, sk)

	if err := s.ApplyTransaction(tx); err != nil {
		t.Fatalf("ApplyTransaction stake: %v", err)
	}

	principal := tx.OutputCoinID(0)
	outCDH, ok, err := s.getCoin(principal)
	if err != nil || !ok {
		t.Fatalf("stake principal coin missing: ok=%v err=%v", ok, err)
	}
	locked, err := s.isLockedStakeCoin(principal, outCDH)
	if err != nil {
		t.Fatalf("isLockedStakeCoin: %v", err)
	}
	if !locked {
		t.Fatalf("expected stake principal to be locked at epoch 0")
	}

	s.Height = chaincfg.StakeEpoch * 10 // well past e_post_end
	locked, err = s.isLockedStakeCoin(principal, outCDH)
	if err != nil {
		t.Fatalf("isLockedStakeCoin after expiry: %v", err)
	}
	if locked {
		t.Fatalf("expected stake principal to be unlocked after e_post_end")
	}
}

func TestSealWithProposerActionCreditsRewardCoin(t *testing.T) {
	s := freshGenesisState(t)
	s.FeePool = big.NewInt(1_000_000)
	s.TipsCache = big.NewInt(0)

	dest := chainhash.H("reward-dest")
	sealed, err := s.Seal(&chain.ProposerAction{FeeMultiplierDelta: 1, RewardDest: dest})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed.Header.FeeMultiplier.Cmp(big.NewInt(1_000_000)) <= 0 {
		t.Fatalf("expected fee multiplier to increase, got %s", sealed.Header.FeeMultiplier)
	}
}

func TestSealedStateApplyBlockRejectsWrongHeight(t *testing.T) {
	s := freshGenesisState(t)
	sealed := sealAndCheck(t, s)

	blk := chain.Block{
		Header: chain.Header{Height: 5},
	}
	if _, err := sealed.ApplyBlock(blk); err == nil {
		t.Fatalf("expected height-mismatch rejection")
	}
}

func TestSealedStateApplyBlockReappliesCleanly(t *testing.T) {
	s := freshGenesisState(t)
	genesis := sealAndCheck(t, s)

	next := genesis.NextState()
	action := &chain.ProposerAction{RewardDest: chainhash.H("proposer")}
	sealed, err := next.Seal(action)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	blk := chain.Block{
		Header:         sealed.Header,
		Transactions:   nil,
		ProposerAction: action,
	}
	reapplied, err := genesis.ApplyBlock(blk)
	if err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if reapplied.Header.Hash() != sealed.Header.Hash() {
		t.Fatalf("re-applied header does not match sealed header")
	}
}

func TestWeightSaturatesAtZero(t *testing.T) {
	tx := chain.Transaction{Kind: chain.TxNormal, Fee: big.NewInt(0), Inputs: make([]chain.CoinID, 200)}
	if Weight(tx) != 0 {
		t.Fatalf("expected weight to saturate at 0 for a heavily-input-weighted tx, got %d", Weight(tx))
	}
}
