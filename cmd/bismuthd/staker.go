// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/mempool"
	"github.com/bismuthchain/bismuth/netsync"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/stdcode"
	"github.com/bismuthchain/bismuth/storage"
	"github.com/bismuthchain/bismuth/streamlet"
)

// roundInterval is the wall-clock budget given to each height's Decider
// round before the staker moves on and re-seeds against whatever tip
// storage now reports (spec §4.G: rounds that never decide simply expire
// and get retried at the next tip).
const roundInterval = 10 * time.Second

// staker drives consensus for one node's own key: generate or vote on
// proposals via streamlet.Decider, gather confirm signatures via
// streamlet.ConsensusProofGatherer, and apply the result to storage once
// assembled (spec §4.G/§4.H). blockgraph.Graph's candidate-DAG view of
// the same round (spec §4.E) is this implementation's auditor-side
// accounting, not this binary's path to finality -- see DESIGN.md.
type staker struct {
	store    *storage.Storage
	mpool    *mempool.Mempool
	params   *chaincfg.Params
	sk       ed25519.PrivateKey
	netName  string
	rewardTo chainhash.Hash

	gatherer *streamlet.ConsensusProofGatherer

	mu      sync.Mutex
	peers   []string
	pending map[uint64]chain.Block
}

func newStaker(store *storage.Storage, mpool *mempool.Mempool, params *chaincfg.Params, sk ed25519.PrivateKey, netName string, rewardTo chainhash.Hash) *staker {
	return &staker{
		store:    store,
		mpool:    mpool,
		params:   params,
		sk:       sk,
		netName:  netName,
		rewardTo: rewardTo,
		gatherer: streamlet.NewConsensusProofGatherer(),
		pending:  map[uint64]chain.Block{},
	}
}

// setPeers replaces the set of addresses this staker dials for
// consensus-round gossip (--staker-bootstrap).
func (st *staker) setPeers(addrs []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.peers = append([]string(nil), addrs...)
}

func (st *staker) peerAddrs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.peers...)
}

// Run drives one round of consensus per height forever, until ctx is
// canceled.
func (st *staker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := st.runOneHeight(ctx); err != nil {
			stakerLog.Warnf("round failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (st *staker) runOneHeight(ctx context.Context) error {
	tip := st.store.Highest()
	height := tip.Header.Height + 1

	weights, err := st.voteWeights(tip, height)
	if err != nil {
		return fmt.Errorf("computing vote weights for height %d: %w", height, err)
	}
	if len(weights) == 0 {
		return fmt.Errorf("height %d: no active stakers", height)
	}

	seed, err := st.beaconSeed(tip, height)
	if err != nil {
		return fmt.Errorf("deriving beacon seed for height %d: %w", height, err)
	}

	peers := make([]streamlet.Peer, 0, len(st.peerAddrs()))
	var clients []*netsync.Client
	for _, addr := range st.peerAddrs() {
		c, err := netsync.Dial(st.netName, addr)
		if err != nil {
			stakerLog.Debugf("dialing staker peer %s: %v", addr, err)
			continue
		}
		clients = append(clients, c)
		peers = append(peers, netsync.RemotePeer{Client: c, Height: height})
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	roundCtx, cancel := context.WithTimeout(ctx, roundInterval)
	defer cancel()

	decider := streamlet.NewDecider(streamlet.Config{
		GenerateProposal: func() ([]byte, error) { return st.generateProposal(tip) },
		VerifyProposal:   func(body []byte) bool { return st.verifyProposal(tip, body) },
		VoteWeights:      func() map[string]*big.Int { return weights },
		MySecret:         st.sk,
		Seed:             seed,
		Height:           height,
		Peers:            peers,
	})

	body, err := decider.TickToEnd(roundCtx)
	if err != nil {
		return fmt.Errorf("round for height %d: %w", height, err)
	}

	var blk chain.Block
	if err := stdcode.Unmarshal(body, &blk); err != nil {
		return fmt.Errorf("decoding decided block at height %d: %w", height, err)
	}
	headerHash := blk.Header.Hash()

	st.mu.Lock()
	st.pending[height] = blk
	st.mu.Unlock()

	st.gatherer.Start(height, headerHash, weights)
	mySig := ed25519.Sign(st.sk, headerHash[:])
	myPub := st.sk.Public().(ed25519.PublicKey)
	if sigs, done := st.gatherer.AddSignature(height, myPub, mySig); done {
		return st.finalize(height, headerHash, consensusProofFromSigs(sigs))
	}
	for _, c := range clients {
		if err := c.SubmitConfirm(height, headerHash, myPub, mySig); err != nil {
			stakerLog.Debugf("submitting confirm to peer: %v", err)
		}
	}
	return nil
}

// onProofAssembled is wired to netsync.Server.OnProofAssembled so that a
// submit_confirm arriving from a peer can finish a round this node
// already decided locally but hadn't yet gathered enough signatures for.
func (st *staker) onProofAssembled(height uint64, headerHash chainhash.Hash, proof chain.ConsensusProof) {
	if err := st.finalize(height, headerHash, proof); err != nil {
		stakerLog.Warnf("finalizing height %d: %v", height, err)
	}
}

// consensusProofFromSigs converts a gatherer's map<raw_pubkey_string,sig>
// into the fixed-array-keyed shape chain.ConsensusProof and storage.
// ApplyBlock expect.
func consensusProofFromSigs(sigs map[string][]byte) chain.ConsensusProof {
	proof := make(chain.ConsensusProof, len(sigs))
	for pk, sig := range sigs {
		var key [32]byte
		copy(key[:], pk)
		proof[key] = sig
	}
	return proof
}

func (st *staker) finalize(height uint64, headerHash chainhash.Hash, proof chain.ConsensusProof) error {
	st.mu.Lock()
	blk, ok := st.pending[height]
	delete(st.pending, height)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending block cached for height %d", height)
	}
	if blk.Header.Hash() != headerHash {
		return fmt.Errorf("assembled proof's header hash does not match the cached block at height %d", height)
	}
	if _, err := st.store.ApplyBlock(blk, proof); err != nil {
		return fmt.Errorf("applying decided block at height %d: %w", height, err)
	}
	stakerLog.Infof("finalized height %d (%d transactions)", height, len(blk.Transactions))
	return nil
}

// generateProposal builds this node's candidate block for height+1 atop
// tip: a fresh NextState (never the live mempool snapshot, since Seal
// mutates/consumes its receiver) replaying the mempool's pending
// transactions in admission order.
func (st *staker) generateProposal(tip *state.SealedState) ([]byte, error) {
	next := tip.NextState()

	var applied []chain.Transaction
	for _, tx := range st.mpool.Pending() {
		if err := next.ApplyTransaction(tx); err != nil {
			continue
		}
		applied = append(applied, tx)
	}

	action := &chain.ProposerAction{RewardDest: st.rewardTo}
	sealed, err := next.Seal(action)
	if err != nil {
		return nil, fmt.Errorf("sealing proposal: %w", err)
	}

	return stdcode.Marshal(chain.Block{
		Header:         sealed.Header,
		Transactions:   applied,
		ProposerAction: action,
	}), nil
}

// verifyProposal decodes a peer's proposed block, checks that it chains
// onto tip (height and previous hash), and re-applies it against tip with
// SealedState.ApplyBlock, which re-runs every transaction and requires the
// recomputed header to equal the proposed one. tip itself is not modified.
func (st *staker) verifyProposal(tip *state.SealedState, body []byte) bool {
	var blk chain.Block
	if err := stdcode.Unmarshal(body, &blk); err != nil {
		return false
	}
	if blk.Header.Height != tip.Header.Height+1 || blk.Header.Previous != tip.Header.Hash() {
		return false
	}
	_, err := tip.ApplyBlock(blk)
	return err == nil
}

// voteWeights returns the active staker set for height's epoch, keyed by
// raw ed25519 public key bytes as streamlet.Config.VoteWeights requires.
func (st *staker) voteWeights(tip *state.SealedState, height uint64) (map[string]*big.Int, error) {
	epoch := height / chaincfg.StakeEpoch
	active, err := tip.ActiveStakers(epoch)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*big.Int, len(active))
	for pk, weight := range active {
		out[string(pk[:])] = weight
	}
	return out, nil
}

// beaconSeed resolves spec §9's majority-beacon open question: the round
// seed for height is derived from finalized header hashes sampled every
// BeaconSampleInterval blocks below height, rather than from height
// alone (see streamlet.BeaconSeed and DESIGN.md).
func (st *staker) beaconSeed(tip *state.SealedState, height uint64) ([16]byte, error) {
	interval := st.params.BeaconSampleInterval
	if interval == 0 {
		interval = chaincfg.DefaultBeaconSampleInterval
	}
	return streamlet.BeaconSeed(height, interval, func(h uint64) (chainhash.Hash, error) {
		if h == tip.Header.Height {
			return tip.Header.Hash(), nil
		}
		ss, err := st.store.HistoricalState(h)
		if err != nil {
			return chainhash.Hash{}, err
		}
		return ss.Header.Hash(), nil
	})
}
