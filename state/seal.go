// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package state

import (
	"fmt"
	"math/big"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/bismuthchain/bismuth/melmint"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// rewardFraction is the share of this block's accumulated tips routed to
// the proposer alongside the full fee pool (spec §4.D: "fee_pool +
// tips * reward_fraction"). The remainder stays in fee_pool for the next
// block's proposer.
var rewardFractionNum = big.NewInt(1)
var rewardFractionDen = big.NewInt(2)

// SealedState is an immutable State with a synthesized Header, produced by
// Seal. Its tree roots are final; no further ApplyTransaction calls are
// permitted against it (spec §3: "SealedState ... finalized so a header
// can be produced").
type SealedState struct {
	inner  State
	Header chain.Header
}

// runPreSealAMM executes the three pooled-liquidity passes of spec §4.C,
// in order, against s's Pools and Coins trees. It mutates s in place and
// must run exactly once, immediately before Seal synthesizes the header.
func (s *State) runPreSealAMM() error {
	if err := s.processSwaps(); err != nil {
		return err
	}
	if err := s.processDeposits(); err != nil {
		return err
	}
	if err := s.processWithdrawals(); err != nil {
		return err
	}
	s.pendingSwaps = nil
	s.pendingDeposits = nil
	s.pendingWithdrawals = nil
	return nil
}

// swapParticipant is one Swap transaction's contribution to its pool's
// aggregated flow: the coin it spent (fixing the "in" amount and denom)
// and the output coin id whose value the pass will overwrite.
type swapParticipant struct {
	outputID chain.CoinID
	covhash  chainhash.Hash
	inMel    *big.Int
	inTok    *big.Int
}

func (s *State) processSwaps() error {
	byPool := map[denom.Denom][]swapParticipant{}
	for _, p := range s.pendingSwaps {
		if len(p.tx.Outputs) == 0 || len(p.spent) == 0 {
			continue
		}
		tok, _, err := denom.Parse(p.tx.Data)
		if err != nil {
			continue
		}
		inMel, inTok := big.NewInt(0), big.NewInt(0)
		for _, cdh := range p.spent {
			if cdh.CoinData.Denom.Equal(denom.Mel) {
				inMel.Add(inMel, cdh.CoinData.Value)
			} else if cdh.CoinData.Denom.Equal(tok) {
				inTok.Add(inTok, cdh.CoinData.Value)
			}
		}
		id := chain.CoinID{TxHash: p.tx.HashNosigs(), Index: 0}
		byPool[tok] = append(byPool[tok], swapParticipant{
			outputID: id,
			covhash:  p.tx.Outputs[0].Covhash,
			inMel:    inMel,
			inTok:    inTok,
		})
	}

	for tok, participants := range byPool {
		pool, err := s.getPool(tok)
		if err != nil {
			return err
		}
		totalMelIn, totalTokIn := big.NewInt(0), big.NewInt(0)
		for _, p := range participants {
			totalMelIn.Add(totalMelIn, p.inMel)
			totalTokIn.Add(totalTokIn, p.inTok)
		}
		mp := pool.toMelmintPool()
		melOut, tokOut := mp.SwapMany(totalMelIn, totalTokIn)
		for _, p := range participants {
			var value *big.Int
			var outDenom denom.Denom
			if p.inTok.Sign() > 0 {
				value = melmint.ProportionalSplit(melOut, p.inTok, totalTokIn)
				outDenom = denom.Mel
			} else {
				value = melmint.ProportionalSplit(tokOut, p.inMel, totalMelIn)
				outDenom = tok
			}
			if err := s.putCoin(p.outputID, chain.CoinDataHeight{
				CoinData: chain.CoinData{Covhash: p.covhash, Value: value, Denom: outDenom},
				Height:   s.Height,
			}); err != nil {
				return err
			}
		}
		pool = fromMelmintPool(mp)
		if err := s.putPool(tok, pool); err != nil {
			return err
		}
	}
	return nil
}

type depositParticipant struct {
	outputID chain.CoinID
	covhash  chainhash.Hash
	mel      *big.Int
	tok      *big.Int
}

func (s *State) processDeposits() error {
	byPool := map[denom.Denom][]depositParticipant{}
	for _, p := range s.pendingDeposits {
		if len(p.tx.Outputs) < 2 {
			continue
		}
		melOut, tokOut := p.tx.Outputs[0], p.tx.Outputs[1]
		if !melOut.Denom.Equal(denom.Mel) {
			continue
		}
		tok := tokOut.Denom
		txHash := p.tx.HashNosigs()
		byPool[tok] = append(byPool[tok], depositParticipant{
			outputID: chain.CoinID{TxHash: txHash, Index: 0},
			covhash:  melOut.Covhash,
			mel:      melOut.Value,
			tok:      tokOut.Value,
		})
		// The second output is consumed by this pass: its coin becomes the
		// liquidity-token coin stored at index 0 instead.
		if err := s.deleteCoin(chain.CoinID{TxHash: txHash, Index: 1}); err != nil {
			return err
		}
	}

	for tok, participants := range byPool {
		pool, err := s.getPool(tok)
		if err != nil {
			return err
		}
		totalMel, totalTok := big.NewInt(0), big.NewInt(0)
		weights := make([]*big.Int, len(participants))
		weightSum := big.NewInt(0)
		for i, p := range participants {
			totalMel.Add(totalMel, p.mel)
			totalTok.Add(totalTok, p.tok)
			weights[i] = melmint.ShareNumerator(p.mel, p.tok)
			weightSum.Add(weightSum, weights[i])
		}
		mp := pool.toMelmintPool()
		minted := mp.Deposit(totalMel, totalTok)
		liqDenom := denom.LiquidityDenom(tok)
		for i, p := range participants {
			share := melmint.ProportionalSplit(minted, weights[i], weightSum)
			if err := s.putCoin(p.outputID, chain.CoinDataHeight{
				CoinData: chain.CoinData{Covhash: p.covhash, Value: share, Denom: liqDenom},
				Height:   s.Height,
			}); err != nil {
				return err
			}
		}
		if err := s.putPool(tok, fromMelmintPool(mp)); err != nil {
			return err
		}
	}
	return nil
}

type withdrawParticipant struct {
	txHash  chainhash.Hash
	covhash chainhash.Hash
	liqs    *big.Int
}

func (s *State) processWithdrawals() error {
	byPool := map[denom.Denom][]withdrawParticipant{}
	for _, p := range s.pendingWithdrawals {
		if len(p.tx.Outputs) == 0 {
			continue
		}
		out := p.tx.Outputs[0]
		if out.Denom.Kind() != denom.KindCustom {
			continue
		}
		tok, _, err := denom.Parse(p.tx.Data)
		if err != nil || !denom.LiquidityDenom(tok).Equal(out.Denom) {
			continue
		}
		byPool[tok] = append(byPool[tok], withdrawParticipant{
			txHash:  p.tx.HashNosigs(),
			covhash: out.Covhash,
			liqs:    out.Value,
		})
	}

	for tok, participants := range byPool {
		pool, err := s.getPool(tok)
		if err != nil {
			return err
		}
		totalLiqs := big.NewInt(0)
		for _, p := range participants {
			totalLiqs.Add(totalLiqs, p.liqs)
		}
		mp := pool.toMelmintPool()
		mel, tokAmt := mp.Withdraw(totalLiqs)
		for _, p := range participants {
			melShare := melmint.ProportionalSplit(mel, p.liqs, totalLiqs)
			tokShare := melmint.ProportionalSplit(tokAmt, p.liqs, totalLiqs)
			if err := s.putCoin(chain.CoinID{TxHash: p.txHash, Index: 0}, chain.CoinDataHeight{
				CoinData: chain.CoinData{Covhash: p.covhash, Value: melShare, Denom: denom.Mel},
				Height:   s.Height,
			}); err != nil {
				return err
			}
			if err := s.putCoin(chain.CoinID{TxHash: p.txHash, Index: 1}, chain.CoinDataHeight{
				CoinData: chain.CoinData{Covhash: p.covhash, Value: tokShare, Denom: tok},
				Height:   s.Height,
			}); err != nil {
				return err
			}
		}
		if err := s.putPool(tok, fromMelmintPool(mp)); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) getPool(tok denom.Denom) (PoolState, error) {
	raw, _, err := s.Pools.Get(poolKey(tok))
	if err != nil {
		return PoolState{}, err
	}
	if raw == nil {
		return PoolState{MelReserve: big.NewInt(0), TokReserve: big.NewInt(0), LiqSupply: big.NewInt(0)}, nil
	}
	var ps PoolState
	if err := stdcode.Unmarshal(raw, &ps); err != nil {
		return PoolState{}, err
	}
	return ps, nil
}

func (s *State) putPool(tok denom.Denom, ps PoolState) error {
	newRoot, err := s.Pools.Insert(poolKey(tok), stdcode.Marshal(ps))
	if err != nil {
		return err
	}
	s.Pools.Root = newRoot
	return nil
}

// Seal runs the pre-seal AMM passes, applies action (if any), computes the
// five tree roots, and synthesizes this block's Header (spec §4.D). The
// receiver must not be reused afterward; callers should discard it in
// favor of the returned SealedState.
func (s *State) Seal(action *chain.ProposerAction) (*SealedState, error) {
	if err := s.runPreSealAMM(); err != nil {
		return nil, err
	}

	if action != nil {
		delta := big.NewInt(int64(action.FeeMultiplierDelta))
		step := new(big.Int).Rsh(s.FeeMultiplier, 7)
		delta.Mul(delta, step)
		s.FeeMultiplier.Add(s.FeeMultiplier, delta)
		if s.FeeMultiplier.Sign() < 0 {
			s.FeeMultiplier.SetInt64(0)
		}

		reward := new(big.Int).Set(s.FeePool)
		tipsShare := new(big.Int).Mul(s.TipsCache, rewardFractionNum)
		tipsShare.Div(tipsShare, rewardFractionDen)
		reward.Add(reward, tipsShare)

		id := chain.CoinID{TxHash: chainhash.H("reward_coin_pseudoid", s.heightBytes()), Index: 0}
		if err := s.putCoin(id, chain.CoinDataHeight{
			CoinData: chain.CoinData{Covhash: action.RewardDest, Value: reward, Denom: denom.Mel},
			Height:   s.Height,
		}); err != nil {
			return nil, err
		}
		s.FeePool.SetInt64(0)
		leftoverTips := new(big.Int).Sub(s.TipsCache, tipsShare)
		s.FeePool.Add(s.FeePool, leftoverTips)
	} else {
		s.FeePool.Add(s.FeePool, s.TipsCache)
	}
	s.FeePool.Add(s.FeePool, s.FeePoolCache)

	header := chain.Header{
		Network:          s.Network,
		Previous:         s.Previous,
		Height:           s.Height,
		HistoryHash:      s.History.Root,
		CoinsHash:        s.Coins.Root,
		TransactionsHash: s.Transactions.Root,
		PoolsHash:        s.Pools.Root,
		StakesHash:       s.Stakes.Root,
		FeePool:          new(big.Int).Set(s.FeePool),
		FeeMultiplier:    new(big.Int).Set(s.FeeMultiplier),
		DoscSpeed:        new(big.Int).Set(s.DoscSpeed),
	}

	entry := HistoryEntry{HeaderHash: header.Hash()}
	newHistRoot, err := s.History.Insert(historyKey(s.Height), stdcode.Marshal(entry))
	if err != nil {
		return nil, err
	}
	s.History.Root = newHistRoot
	header.HistoryHash = s.History.Root

	return &SealedState{inner: *s, Header: header}, nil
}

func (s *State) heightBytes() []byte {
	w := stdcode.NewWriter()
	w.PutU64BE(s.Height)
	return w.Bytes()
}

// FromHeader reconstructs the SealedState header identifies, reading its
// five trees back out of store by the roots header already commits to. It
// is how the storage layer restores `highest` from the "last_confirmed"
// partial encoding on restart (spec §4.H, §6) without replaying the chain
// from genesis: a Header alone is enough, since Seal never leaves anything
// load-bearing outside of it.
func FromHeader(store smt.Store, params *chaincfg.Params, header chain.Header) *SealedState {
	inner := State{
		Params:        params,
		Network:       header.Network,
		Height:        header.Height,
		Previous:      header.Previous,
		Coins:         smt.Tree{Store: store, Root: header.CoinsHash},
		Transactions:  smt.Tree{Store: store, Root: header.TransactionsHash},
		Pools:         smt.Tree{Store: store, Root: header.PoolsHash},
		Stakes:        smt.Tree{Store: store, Root: header.StakesHash},
		History:       smt.Tree{Store: store, Root: header.HistoryHash},
		FeePool:       new(big.Int).Set(header.FeePool),
		FeeMultiplier: new(big.Int).Set(header.FeeMultiplier),
		DoscSpeed:     new(big.Int).Set(header.DoscSpeed),
		TipsCache:     big.NewInt(0),
		FeePoolCache:  big.NewInt(0),
		AllowFaucet:   params.Name != "mainnet",
	}
	return &SealedState{inner: inner, Header: header}
}

// NextState returns a fresh provisional State extending ss by one height.
// ss.Header becomes n's LastHeader, the height-1 header every transaction
// applied to n sees in its covenant environment (spec §4.B step 4).
func (ss *SealedState) NextState() *State {
	n := ss.inner.NextState()
	n.Previous = ss.Header.Hash()
	n.LastHeader = ss.Header
	return n
}

// State exposes the underlying provisional view for read-only queries
// (balance lookups, SMT proofs) once sealed.
func (ss *SealedState) State() *State {
	return &ss.inner
}

// String identifies a sealed block by height and header hash, for logging.
func (ss *SealedState) String() string {
	h := ss.Header.Hash()
	return fmt.Sprintf("block %d (%s)", ss.Header.Height, h.String())
}

// Roots returns the five SMT roots that together make up ss's view of
// chain state, in the fixed order storage.Storage pins and unpins them as
// a unit (spec §4.A/§9: refcounted nodes are retired per sealed state,
// not per tree).
func (ss *SealedState) Roots() []chainhash.Hash {
	return []chainhash.Hash{
		ss.inner.Coins.Root,
		ss.inner.Transactions.Root,
		ss.inner.Pools.Root,
		ss.inner.Stakes.Root,
		ss.inner.History.Root,
	}
}
