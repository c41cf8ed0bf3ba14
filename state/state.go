// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package state implements the deterministic state transition function
// (spec.md §4.B-§4.D): the admission pipeline a single transaction runs
// through, the pre-seal AMM passes, and the sealing step that turns a
// provisional State into an immutable SealedState. It plays the role the
// teacher's internal/blockchain/ska_emission.go ordered-validation-pipeline
// and internal/fees/feecalc.go fee-rate arithmetic play, generalized from
// Decred's per-kind SKA emission checks to bismuth's Normal/Stake/DoscMint/
// Swap/LiqDeposit/LiqWithdraw/Faucet kinds.
package state

import (
	"fmt"
	"math/big"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/covenant"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/melmint"
	"github.com/bismuthchain/bismuth/melpow"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// minDoscMintAge is the minimum number of blocks a DoscMint's input coin
// must have existed for before it can be spent as a proof-of-sequential-
// work input (spec §4.B: "input 0 must be an existing coin of age ≥ 100
// blocks").
const minDoscMintAge = 100

// State is a provisional, not-yet-sealed view of the chain: the five
// authenticated mappings (spec §3) plus the scalar fields a Header commits
// to, plus the fee/AMM accumulators a block-in-progress carries between
// apply_transaction calls and the final Seal.
type State struct {
	Params   *chaincfg.Params
	Network  uint8
	Height   uint64
	Previous chainhash.Hash

	// LastHeader is the header of height-1 -- the block this State extends
	// -- and is what every ApplyTransaction call's covenant environment
	// sees as env.last_header (spec §4.B step 4). It is the zero Header at
	// genesis, since there is no height-1 to reference.
	LastHeader chain.Header

	Coins        smt.Tree
	Transactions smt.Tree
	Pools        smt.Tree
	Stakes       smt.Tree
	History      smt.Tree

	FeePool       *big.Int
	FeeMultiplier *big.Int
	DoscSpeed     *big.Int

	// TipsCache and FeePoolCache accumulate this block's fee contributions
	// across every apply_transaction call, consumed once at Seal (spec
	// §4.D).
	TipsCache    *big.Int
	FeePoolCache *big.Int

	// AllowFaucet gates the Faucet transaction kind (spec §4.B), enabled
	// on every network except mainnet (params.Name != "mainnet"); Params
	// has no per-network switch for it.
	AllowFaucet bool

	pendingSwaps       []pendingTx
	pendingDeposits    []pendingTx
	pendingWithdrawals []pendingTx
}

// pendingTx pairs a deferred Swap/LiqDeposit/LiqWithdraw transaction with
// the coins its inputs spent, so the pre-seal AMM pass (spec §4.C) can see
// each participant's contribution without re-deriving it from a tree that
// no longer holds the now-deleted input coins.
type pendingTx struct {
	tx    chain.Transaction
	spent []chain.CoinDataHeight
}

// Genesis builds the initial provisional State for params, seeding the
// Coins and Stakes trees from cfg's parsed genesis coins/stakers. The
// caller must Seal the result to obtain height-0's SealedState.
func Genesis(store smt.Store, params *chaincfg.Params, coins []chain.CoinDataHeight, coinIDs []chain.CoinID, stakers []chain.StakeDoc) (*State, error) {
	s := &State{
		Params:        params,
		Network:       params.NetworkByte,
		Height:        0,
		Previous:      chainhash.ZeroHash,
		LastHeader:    chain.Header{},
		Coins:         smt.New(store),
		Transactions:  smt.New(store),
		Pools:         smt.New(store),
		Stakes:        smt.New(store),
		History:       smt.New(store),
		FeePool:       big.NewInt(0),
		FeeMultiplier: big.NewInt(1_000_000),
		DoscSpeed:     big.NewInt(1),
		TipsCache:     big.NewInt(0),
		FeePoolCache:  big.NewInt(0),
		AllowFaucet:   params.Name != "mainnet",
	}
	for i, cdh := range coins {
		if err := s.putCoin(coinIDs[i], cdh); err != nil {
			return nil, err
		}
	}
	for _, doc := range stakers {
		key := chainhash.H("genesis-stake", doc.PubKey)
		raw := stdcode.Marshal(doc)
		newRoot, err := s.Stakes.Insert(key, raw)
		if err != nil {
			return nil, err
		}
		s.Stakes.Root = newRoot
	}
	return s, nil
}

// NextState returns a fresh provisional State extending s by one height,
// sharing every tree's structure with s (spec §4.F: "mempool owns a
// mutable State initialized as tip.next_state()").
func (s *State) NextState() *State {
	return &State{
		Params:        s.Params,
		Network:       s.Network,
		Height:        s.Height + 1,
		Previous:      s.headerHashHint(),
		LastHeader:    s.LastHeader,
		Coins:         s.Coins,
		Transactions:  s.Transactions,
		Pools:         s.Pools,
		Stakes:        s.Stakes,
		History:       s.History,
		FeePool:       new(big.Int).Set(s.FeePool),
		FeeMultiplier: new(big.Int).Set(s.FeeMultiplier),
		DoscSpeed:     new(big.Int).Set(s.DoscSpeed),
		TipsCache:     big.NewInt(0),
		FeePoolCache:  big.NewInt(0),
		AllowFaucet:   s.AllowFaucet,
	}
}

// headerHashHint is overridden by SealedState.NextState with the real
// header hash; a bare State (e.g. Genesis before its first Seal) has no
// header yet, so Previous stays the zero hash.
func (s *State) headerHashHint() chainhash.Hash {
	return chainhash.ZeroHash
}

// Epoch returns floor(height / StakeEpoch), the stake-set stability unit
// (GLOSSARY).
func (s *State) Epoch() uint64 {
	return s.Height / chaincfg.StakeEpoch
}

// Weight computes spec §4.B's weight(tx) formula: stdcode length plus
// covenant evaluation weights plus a per-output/per-input adjustment,
// saturating at zero.
func Weight(tx chain.Transaction) uint64 {
	w := int64(len(stdcode.Marshal(tx)))
	for _, s := range tx.Scripts {
		w += int64(covenant.Weight(s))
	}
	w += 1000 * int64(len(tx.Outputs))
	w -= 1000 * int64(len(tx.Inputs))
	if w < 0 {
		return 0
	}
	return uint64(w)
}

// BaseFee computes spec §4.B's base_fee(tx, mult, ballast) formula:
// (weight(tx) + ballast) * mult / 2^16.
func BaseFee(tx chain.Transaction, mult *big.Int, ballast uint64) *big.Int {
	w := new(big.Int).SetUint64(Weight(tx) + ballast)
	w.Mul(w, mult)
	w.Rsh(w, 16)
	return w
}

// ApplyTransaction runs the admission pipeline of spec §4.B against tx,
// mutating s's trees and fee accumulators in place. It returns a
// *chain.RuleError (or a wrapped I/O error) without partially applying tx:
// every step that could fail is checked before any tree mutation for that
// step is committed, except where spec §4.B's own ordering requires
// outputs to land before inputs are processed.
func (s *State) ApplyTransaction(tx chain.Transaction) error {
	if err := tx.WellFormed(); err != nil {
		return err
	}
	if tx.Kind == chain.TxFaucet && !s.AllowFaucet {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "faucet transactions are disabled on this network"}
	}

	base := BaseFee(tx, s.FeeMultiplier, 0)
	if tx.Kind != chain.TxFaucet && tx.Fee.Cmp(base) < 0 {
		return chain.RuleError{
			Kind:        chain.ErrInsufficientFees,
			Description: fmt.Sprintf("fee %s below required base fee %s", tx.Fee, base),
		}
	}
	tips := new(big.Int).Sub(tx.Fee, base)
	if tips.Sign() < 0 {
		tips.SetInt64(0)
	}

	txHash := tx.HashNosigs()

	// Step 3: insert every non-burned output into coins.
	for i, out := range tx.Outputs {
		if out.Covhash == chain.CoinHashDestroy {
			continue
		}
		id := chain.CoinID{TxHash: txHash, Index: uint8(i)}
		if err := s.putCoin(id, chain.CoinDataHeight{CoinData: out, Height: s.Height}); err != nil {
			return err
		}
	}

	// Step 4: process inputs, checking the covenant for each and removing
	// the spent coin.
	spent := make([]chain.CoinDataHeight, len(tx.Inputs))
	for i, id := range tx.Inputs {
		cdh, ok, err := s.getCoin(id)
		if err != nil {
			return err
		}
		if !ok {
			return chain.RuleError{Kind: chain.ErrNonexistentCoin, Description: fmt.Sprintf("input %d: coin %s does not exist", i, id.Hash())}
		}
		locked, err := s.isLockedStakeCoin(id, cdh)
		if err != nil {
			return err
		}
		if locked {
			return chain.RuleError{Kind: chain.ErrCoinLocked, Description: fmt.Sprintf("input %d: coin is a locked stake", i)}
		}
		script, ok := tx.CovenantFor(cdh.CoinData.Covhash)
		if !ok {
			return chain.RuleError{Kind: chain.ErrNonexistentScript, Description: fmt.Sprintf("input %d: no script matches covhash %s", i, cdh.CoinData.Covhash)}
		}
		env := covenant.Env{
			ParentCoinID: id,
			ParentCDH:    cdh,
			SpenderIndex: i,
			LastHeader:   s.LastHeader,
		}
		if !covenant.Check(script, tx, env) {
			return chain.RuleError{Kind: chain.ErrViolatesScript, Description: fmt.Sprintf("input %d: covenant rejected", i)}
		}
		spent[i] = cdh
		if err := s.deleteCoin(id); err != nil {
			return err
		}
	}

	// Step 5: balance check, except for the kinds §3/§4.B exempt.
	if tx.Kind != chain.TxFaucet && tx.Kind != chain.TxDoscMint &&
		tx.Kind != chain.TxSwap && tx.Kind != chain.TxLiqDeposit && tx.Kind != chain.TxLiqWithdraw {
		if err := checkBalance(tx, spent); err != nil {
			return err
		}
	}

	// Step 6: kind-specific effects.
	switch tx.Kind {
	case chain.TxFaucet:
		// No input balance check; outputs already credited above.
	case chain.TxDoscMint:
		if err := s.applyDoscMint(tx, spent); err != nil {
			return err
		}
	case chain.TxStake:
		if err := s.applyStake(tx); err != nil {
			return err
		}
	case chain.TxSwap:
		s.pendingSwaps = append(s.pendingSwaps, pendingTx{tx: tx, spent: spent})
	case chain.TxLiqDeposit:
		s.pendingDeposits = append(s.pendingDeposits, pendingTx{tx: tx, spent: spent})
	case chain.TxLiqWithdraw:
		s.pendingWithdrawals = append(s.pendingWithdrawals, pendingTx{tx: tx, spent: spent})
	}

	// Record the transaction body itself for blksync lookup.
	if newRoot, err := s.Transactions.Insert(txHash, stdcode.Marshal(tx)); err != nil {
		return err
	} else {
		s.Transactions.Root = newRoot
	}

	if tx.Kind == chain.TxFaucet {
		base = big.NewInt(0)
	}
	s.FeePoolCache.Add(s.FeePoolCache, base)
	s.TipsCache.Add(s.TipsCache, tips)
	return nil
}

func checkBalance(tx chain.Transaction, spent []chain.CoinDataHeight) error {
	in := map[denom.Denom]*big.Int{}
	for _, cdh := range spent {
		d := cdh.CoinData.Denom
		if in[d] == nil {
			in[d] = big.NewInt(0)
		}
		in[d].Add(in[d], cdh.CoinData.Value)
	}
	out := map[denom.Denom]*big.Int{}
	for _, o := range tx.Outputs {
		if o.Denom.IsBalanceExempt() {
			continue
		}
		if out[o.Denom] == nil {
			out[o.Denom] = big.NewInt(0)
		}
		out[o.Denom].Add(out[o.Denom], o.Value)
	}
	denoms := map[denom.Denom]bool{}
	for d := range in {
		denoms[d] = true
	}
	for d := range out {
		denoms[d] = true
	}
	for d := range denoms {
		want := new(big.Int)
		if o, ok := out[d]; ok {
			want.Add(want, o)
		}
		if d.Equal(denom.Mel) {
			want.Add(want, tx.Fee)
		}
		got := big.NewInt(0)
		if i, ok := in[d]; ok {
			got.Set(i)
		}
		if got.Cmp(want) != 0 {
			return chain.RuleError{
				Kind:        chain.ErrUnbalancedInOut,
				Description: fmt.Sprintf("denom %s: inputs %s != outputs+fee %s", d, got, want),
			}
		}
	}
	return nil
}

func (s *State) applyDoscMint(tx chain.Transaction, spent []chain.CoinDataHeight) error {
	if len(tx.Inputs) == 0 {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "dosc_mint requires an input coin"}
	}
	coin := spent[0]
	if coin.Height > s.Height || s.Height-coin.Height < minDoscMintAge {
		return chain.RuleError{Kind: chain.ErrInvalidMelPoW, Description: "dosc_mint input coin is too young"}
	}
	value, _, err := s.History.Get(historyKey(coin.Height))
	if err != nil {
		return err
	}
	if value == nil {
		return chain.RuleError{Kind: chain.ErrInvalidMelPoW, Description: "no history entry for dosc_mint input's creation height"}
	}
	var entry HistoryEntry
	if err := stdcode.Unmarshal(value, &entry); err != nil {
		return err
	}

	r := stdcode.NewReader(tx.Data)
	difficulty, err := r.Uvarint()
	if err != nil {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "dosc_mint data missing difficulty"}
	}
	proofBytes, err := r.Bytes()
	if err != nil {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "dosc_mint data missing proof"}
	}
	var proof melpow.Proof
	if err := stdcode.Unmarshal(proofBytes, &proof); err != nil {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "dosc_mint proof malformed"}
	}

	inputEncoded := stdcode.Marshal(tx.Inputs[0])
	chi := chainhash.H("pow_chi", entry.HeaderHash[:], inputEncoded)
	if !melpow.Verify(chi, difficulty, proof) {
		return chain.RuleError{Kind: chain.ErrInvalidMelPoW, Description: "proof of sequential work failed to verify"}
	}

	elapsed := s.Height - coin.Height
	speed := new(big.Int).Lsh(big.NewInt(1), uint(difficulty))
	speed.Div(speed, new(big.Int).SetUint64(elapsed))
	reward := melmint.Reward(speed, s.DoscSpeed, difficulty)
	minted := melmint.DoscInflateR2N(s.Height, reward)

	got := big.NewInt(0)
	for _, o := range tx.Outputs {
		if o.Denom.Equal(denom.NomDosc) {
			got.Add(got, o.Value)
		}
	}
	if got.Cmp(minted) != 0 {
		return chain.RuleError{
			Kind:        chain.ErrUnbalancedInOut,
			Description: fmt.Sprintf("dosc_mint claims %s NomDosc, proof justifies %s", got, minted),
		}
	}
	return nil
}

func (s *State) applyStake(tx chain.Transaction) error {
	var doc chain.StakeDoc
	if err := stdcode.Unmarshal(tx.Data, &doc); err != nil {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "stake data does not decode to a StakeDoc"}
	}
	if err := doc.WellFormed(); err != nil {
		return err
	}
	if doc.EStart <= s.Epoch() {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "stake e_start must be in a future epoch"}
	}
	if len(tx.Outputs) == 0 || !tx.Outputs[0].Denom.Equal(denom.Mel) || tx.Outputs[0].Value.Cmp(doc.SymsStaked) != 0 {
		return chain.RuleError{Kind: chain.ErrMalformedTx, Description: "stake output 0 must be Mel equal to syms_staked"}
	}
	key := tx.HashNosigs()
	newRoot, err := s.Stakes.Insert(key, stdcode.Marshal(doc))
	if err != nil {
		return err
	}
	s.Stakes.Root = newRoot
	return nil
}

// isLockedStakeCoin reports whether id names the locked principal output
// (index 0) of a Stake transaction whose stake has not ended yet (current
// epoch < e_post_end, so a stake that is still pending activation locks its
// principal too): such a coin is visible in the coins mapping but not
// spendable (spec §4.B step 4, §4.D Stake).
func (s *State) isLockedStakeCoin(id chain.CoinID, cdh chain.CoinDataHeight) (bool, error) {
	if id.Index != 0 {
		return false, nil
	}
	raw, _, err := s.Stakes.Get(id.TxHash)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var doc chain.StakeDoc
	if err := stdcode.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	return s.Epoch() < doc.EPostEnd, nil
}

func (s *State) putCoin(id chain.CoinID, cdh chain.CoinDataHeight) error {
	newRoot, err := s.Coins.Insert(id.Hash(), stdcode.Marshal(cdh))
	if err != nil {
		return err
	}
	s.Coins.Root = newRoot
	return nil
}

func (s *State) getCoin(id chain.CoinID) (chain.CoinDataHeight, bool, error) {
	raw, _, err := s.Coins.Get(id.Hash())
	if err != nil {
		return chain.CoinDataHeight{}, false, err
	}
	if raw == nil {
		return chain.CoinDataHeight{}, false, nil
	}
	var cdh chain.CoinDataHeight
	if err := stdcode.Unmarshal(raw, &cdh); err != nil {
		return chain.CoinDataHeight{}, false, err
	}
	return cdh, true, nil
}

func (s *State) deleteCoin(id chain.CoinID) error {
	newRoot, err := s.Coins.Insert(id.Hash(), nil)
	if err != nil {
		return err
	}
	s.Coins.Root = newRoot
	return nil
}
