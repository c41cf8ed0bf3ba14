// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blockgraph implements the candidate block DAG of spec.md §4.E:
// proposed blocks rooted at a known sealed state, accumulating votes until
// they cross the two-thirds-of-active-stake notarization threshold, with
// a gossip-friendly summarize/diff pair and a finality rule under which
// three consecutive height-strict-successor notarized blocks finalize the
// first of the three together with its not-yet-drained ancestors.
// It is grounded on the single-owner, RWMutex-guarded shape the state
// package's own SealedState/ApplyBlock pairing already establishes for
// re-running the state transition function against a candidate block.
package blockgraph

import (
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/stdcode"
)

// node is one proposed block in the DAG, plus the votes gathered for it so
// far and the SealedState obtained by re-applying it against its parent.
type node struct {
	block    chain.Block
	sealed   *state.SealedState
	parent   chainhash.Hash
	proposer [ed25519.PublicKeySize]byte
	sig      []byte
	votes    map[[ed25519.PublicKeySize]byte][]byte
}

// Graph is the candidate block DAG, rooted at a known sealed state that
// both participants already agree on (spec §4.E).
type Graph struct {
	mu sync.RWMutex

	nodes    map[chainhash.Hash]*node
	children map[chainhash.Hash][]chainhash.Hash

	root        chainhash.Hash
	finalizedTip chainhash.Hash
}

// New roots a Graph at root, the highest block both this node and its
// peers already consider final.
func New(root *state.SealedState) *Graph {
	h := root.Header.Hash()
	g := &Graph{
		nodes:    map[chainhash.Hash]*node{},
		children: map[chainhash.Hash][]chainhash.Hash{},
		root:     h,
	}
	g.nodes[h] = &node{sealed: root, votes: map[[ed25519.PublicKeySize]byte][]byte{}}
	g.finalizedTip = h
	return g
}

// InsertProposal attaches blk as a child of its named parent, failing
// ErrParentNotFound if the parent is unknown or ErrInvalidBlock if re-applying
// blk against the parent's sealed state does not reproduce blk.Header
// (spec §4.E) or if sig does not verify over the header hash under
// proposer.
func (g *Graph) InsertProposal(blk chain.Block, proposer ed25519.PublicKey, sig []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parentHash := blk.Header.Previous
	parent, ok := g.nodes[parentHash]
	if !ok {
		return chain.RuleError{Kind: chain.ErrParentNotFound, Description: fmt.Sprintf("unknown parent %s", parentHash)}
	}

	blockHash := blk.Header.Hash()
	if !ed25519.Verify(proposer, blockHash[:], sig) {
		return chain.RuleError{Kind: chain.ErrInvalidBlock, Description: "proposer signature does not verify"}
	}
	sealed, err := parent.sealed.ApplyBlock(blk)
	if err != nil {
		return chain.RuleError{Kind: chain.ErrInvalidBlock, Description: fmt.Sprintf("re-applying proposal: %v", err)}
	}

	var pk [ed25519.PublicKeySize]byte
	copy(pk[:], proposer)
	n := &node{
		block:    blk,
		sealed:   sealed,
		parent:   parentHash,
		proposer: pk,
		sig:      append([]byte(nil), sig...),
		votes:    map[[ed25519.PublicKeySize]byte][]byte{},
	}
	if _, exists := g.nodes[blockHash]; !exists {
		g.children[parentHash] = append(g.children[parentHash], blockHash)
	}
	g.nodes[blockHash] = n
	return nil
}

// InsertVote records voterPK's signature over blockHash, after verifying
// it (spec §4.E).
func (g *Graph) InsertVote(blockHash chainhash.Hash, voterPK ed25519.PublicKey, sig []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[blockHash]
	if !ok {
		return fmt.Errorf("blockgraph: unknown block %s", blockHash)
	}
	if !ed25519.Verify(voterPK, blockHash[:], sig) {
		return fmt.Errorf("blockgraph: invalid vote signature for %s", blockHash)
	}
	var pk [ed25519.PublicKeySize]byte
	copy(pk[:], voterPK)
	n.votes[pk] = append([]byte(nil), sig...)
	return nil
}

// IsNotarized reports whether h's votes carry more than two-thirds of the
// active stake at h's epoch (spec §4.E). The root is trivially notarized.
func (g *Graph) IsNotarized(h chainhash.Hash) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.isNotarizedLocked(h)
}

func (g *Graph) isNotarizedLocked(h chainhash.Hash) (bool, error) {
	n, ok := g.nodes[h]
	if !ok {
		return false, fmt.Errorf("blockgraph: unknown block %s", h)
	}
	if h == g.root {
		return true, nil
	}
	epoch := n.sealed.Header.Height / chaincfg.StakeEpoch
	active, err := n.sealed.ActiveStakers(epoch)
	if err != nil {
		return false, err
	}
	total := active.TotalStake()
	if total.Sign() == 0 {
		return false, nil
	}
	signing := big.NewInt(0)
	for pk, weight := range active {
		if _, voted := n.votes[pk]; voted {
			signing.Add(signing, weight)
		}
	}
	lhs := new(big.Int).Mul(signing, big.NewInt(3))
	rhs := new(big.Int).Mul(total, big.NewInt(2))
	return lhs.Cmp(rhs) > 0, nil
}

// DrainFinalized returns, in height order, every block newly finalized by
// the discovery of three consecutive height-strict-successor notarized
// blocks at heights h, h+1, h+2 (spec §4.E): the returned blocks are the
// path from the previous finalizedTip up through the block at height h,
// the first of that triple -- the middle and last blocks of the triple
// remain candidates, since their own finality still depends on what
// extends them. Competing branches along the drained path are pruned;
// the new finalizedTip's own descendants are left in place for consensus
// to continue extending.
func (g *Graph) DrainFinalized() ([]chain.Block, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path, err := g.findNotarizedTriple()
	if err != nil {
		return nil, err
	}
	if path == nil {
		return nil, nil
	}

	out := make([]chain.Block, len(path))
	cur := g.finalizedTip
	for i, h := range path {
		out[i] = g.nodes[h].block
		for _, sib := range g.children[cur] {
			if sib != h {
				g.pruneSubtree(sib)
			}
		}
		cur = h
	}
	g.finalizedTip = path[len(path)-1]
	return out, nil
}

// findNotarizedTriple performs a breadth-first search from finalizedTip
// for the shortest chain ending in three consecutive notarized blocks,
// returning the path (from finalizedTip's child) up to and including
// only the first of that triple -- the two blocks that complete the
// triple are trimmed off, since only the first is finalized by it.
func (g *Graph) findNotarizedTriple() ([]chainhash.Hash, error) {
	type frame struct {
		hash   chainhash.Hash
		path   []chainhash.Hash
		runLen int
	}
	queue := []frame{{hash: g.finalizedTip}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		for _, child := range g.children[f.hash] {
			notarized, err := g.isNotarizedLocked(child)
			if err != nil {
				return nil, err
			}
			run := 0
			if notarized {
				run = f.runLen + 1
			}
			path := make([]chainhash.Hash, len(f.path)+1)
			copy(path, f.path)
			path[len(path)-1] = child
			if run >= 3 {
				return path[:len(path)-2], nil
			}
			queue = append(queue, frame{hash: child, path: path, runLen: run})
		}
	}
	return nil, nil
}

func (g *Graph) pruneSubtree(h chainhash.Hash) {
	for _, child := range g.children[h] {
		g.pruneSubtree(child)
	}
	delete(g.children, h)
	delete(g.nodes, h)
}

// Proposal is a block graph entry missing from a peer, as returned by
// Diff: enough to call their InsertProposal directly.
type Proposal struct {
	Block    chain.Block
	Proposer ed25519.PublicKey
	Sig      []byte
}

// Diff is what a peer whose summary was theirs is missing relative to g.
type Diff struct {
	Proposals []Proposal
	// Votes maps a block both sides know about to the full vote set g
	// holds for it, when that set's hash disagrees with theirs.
	Votes map[chainhash.Hash]map[[ed25519.PublicKeySize]byte][]byte
}

// Summarize returns map<block_hash, H(votes_encoding)> for every block g
// knows about (spec §4.E), for a peer's get_diff/summary exchange.
func (g *Graph) Summarize() map[chainhash.Hash]chainhash.Hash {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[chainhash.Hash]chainhash.Hash, len(g.nodes))
	for h, n := range g.nodes {
		out[h] = hashVotes(n.votes)
	}
	return out
}

// Diff computes what a peer who last reported theirs is missing: either
// proposals they could immediately accept (because they already have the
// parent), or votes for blocks they already have but whose vote set
// differs from ours (spec §4.E).
func (g *Graph) Diff(theirs map[chainhash.Hash]chainhash.Hash) Diff {
	g.mu.RLock()
	defer g.mu.RUnlock()

	d := Diff{Votes: map[chainhash.Hash]map[[ed25519.PublicKeySize]byte][]byte{}}
	for h, n := range g.nodes {
		if h == g.root {
			continue
		}
		theirVoteHash, known := theirs[h]
		if !known {
			_, parentKnown := theirs[n.parent]
			if parentKnown || n.parent == g.root {
				d.Proposals = append(d.Proposals, Proposal{
					Block:    n.block,
					Proposer: append(ed25519.PublicKey(nil), n.proposer[:]...),
					Sig:      n.sig,
				})
			}
			continue
		}
		if hashVotes(n.votes) != theirVoteHash {
			clone := make(map[[ed25519.PublicKeySize]byte][]byte, len(n.votes))
			for pk, sig := range n.votes {
				clone[pk] = sig
			}
			d.Votes[h] = clone
		}
	}
	return d
}

func hashVotes(votes map[[ed25519.PublicKeySize]byte][]byte) chainhash.Hash {
	keys := make([][ed25519.PublicKeySize]byte, 0, len(votes))
	for pk := range votes {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	w := stdcode.NewWriter()
	w.PutUvarint(uint64(len(keys)))
	for _, pk := range keys {
		w.PutFixed(pk[:])
		w.PutBytes(votes[pk])
	}
	return chainhash.H("votes", w.Bytes())
}
