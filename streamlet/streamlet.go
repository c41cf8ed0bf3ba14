// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package streamlet implements the Streamlette consensus decider of
// spec.md §4.G: one round decides the bytes of the next block by
// accumulating signed Proposal/Vote/Confirm messages in a content-
// addressed Core, exchanged with peers via a summary/diff digest so that
// a round converges without every participant needing every message
// up front. It is grounded on the blockgraph package's own
// notarization arithmetic (two-thirds-of-active-stake, integer cross-
// multiplication) and on state.StakeSet for vote weights.
package streamlet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// MsgKind distinguishes the three message kinds a round exchanges (spec
// §4.G step 1).
type MsgKind byte

const (
	MsgProposal MsgKind = iota
	MsgVote
	MsgConfirm
)

// Msg is one signed consensus message, content-addressed by its own hash.
type Msg struct {
	Kind   MsgKind
	Height uint64
	Seed   [16]byte
	// Body is the proposal bytes: for MsgProposal the proposal itself, for
	// MsgVote the bytes of the proposal voted for (votesFor matches on
	// them). Nothing in this package builds a MsgConfirm.
	Body   []byte
	Signer ed25519.PublicKey
	Sig    []byte
}

// Encode implements stdcode.Encoder, so Msg can travel over netsync's
// wire envelope during a round's digest/diff exchange (spec §4.G step 3).
func (m Msg) Encode(w *stdcode.Writer) {
	w.PutByte(byte(m.Kind))
	w.PutU64(m.Height)
	w.PutFixed(m.Seed[:])
	w.PutBytes(m.Body)
	w.PutBytes(m.Signer)
	w.PutBytes(m.Sig)
}

// Decode implements stdcode.Decoder.
func (m *Msg) Decode(r *stdcode.Reader) error {
	kind, err := r.Byte()
	if err != nil {
		return err
	}
	m.Kind = MsgKind(kind)
	if m.Height, err = r.U64(); err != nil {
		return err
	}
	seed, err := r.Fixed(16)
	if err != nil {
		return err
	}
	copy(m.Seed[:], seed)
	if m.Body, err = r.Bytes(); err != nil {
		return err
	}
	signer, err := r.Bytes()
	if err != nil {
		return err
	}
	m.Signer = ed25519.PublicKey(signer)
	m.Sig, err = r.Bytes()
	return err
}

// Hash content-addresses m for the Core's message store.
func (m Msg) Hash() chainhash.Hash {
	w := stdcode.NewWriter()
	w.PutByte(byte(m.Kind))
	w.PutU64(m.Height)
	w.PutFixed(m.Seed[:])
	w.PutBytes(m.Body)
	w.PutBytes(m.Signer)
	return chainhash.H("streamlet-msg", w.Bytes())
}

// signingPayload is what Sig is computed over: everything but the
// signature itself.
func (m Msg) signingPayload() []byte {
	w := stdcode.NewWriter()
	w.PutByte(byte(m.Kind))
	w.PutU64(m.Height)
	w.PutFixed(m.Seed[:])
	w.PutBytes(m.Body)
	return w.Bytes()
}

// Verify reports whether m.Sig verifies over m's signing payload under
// m.Signer.
func (m Msg) Verify() bool {
	if len(m.Signer) != ed25519.PublicKeySize || len(m.Sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(m.Signer, m.signingPayload(), m.Sig)
}

// Sign returns a copy of m signed by sk, with Signer set to its public
// half.
func Sign(m Msg, sk ed25519.PrivateKey) Msg {
	m.Signer = sk.Public().(ed25519.PublicKey)
	m.Sig = ed25519.Sign(sk, m.signingPayload())
	return m
}

// Core accumulates every message seen this round, indexed by content hash
// (spec §4.G step 2).
type Core struct {
	mu   sync.RWMutex
	msgs map[chainhash.Hash]Msg
}

// NewCore returns an empty Core.
func NewCore() *Core {
	return &Core{msgs: map[chainhash.Hash]Msg{}}
}

// Insert validates m's signature and adds it, returning false if already
// present or invalid.
func (c *Core) Insert(m Msg) bool {
	if !m.Verify() {
		return false
	}
	h := m.Hash()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.msgs[h]; ok {
		return false
	}
	c.msgs[h] = m
	return true
}

// Summary returns map<msg_hash, H(msg)> for every message held (spec
// §4.G step 3). Since messages are themselves content-addressed and
// immutable once inserted, H(msg) is just the message's own hash.
func (c *Core) Summary() map[chainhash.Hash]chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[chainhash.Hash]chainhash.Hash, len(c.msgs))
	for h := range c.msgs {
		out[h] = h
	}
	return out
}

// Diff returns the messages this Core holds that theirs does not.
func (c *Core) Diff(theirs map[chainhash.Hash]chainhash.Hash) []Msg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Msg
	for h, m := range c.msgs {
		if _, ok := theirs[h]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// ApplyDiff validates and inserts every message a peer's diff response
// supplied (spec §4.G step 3's apply_one_diff, batched).
func (c *Core) ApplyDiff(msgs []Msg) int {
	n := 0
	for _, m := range msgs {
		if c.Insert(m) {
			n++
		}
	}
	return n
}

// votesFor returns the set of distinct signers who voted for blockHash at
// height.
func (c *Core) votesFor(height uint64, blockHash []byte) map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]bool{}
	for _, m := range c.msgs {
		if m.Kind != MsgVote || m.Height != height {
			continue
		}
		if string(m.Body) != string(blockHash) {
			continue
		}
		out[string(m.Signer)] = true
	}
	return out
}

// proposalsAt returns every distinct proposal body broadcast at height.
func (c *Core) proposalsAt(height uint64) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	var out [][]byte
	for _, m := range c.msgs {
		if m.Kind != MsgProposal || m.Height != height {
			continue
		}
		if seen[string(m.Body)] {
			continue
		}
		seen[string(m.Body)] = true
		out = append(out, m.Body)
	}
	return out
}

// Peer is the minimal transport a Decider round needs: exchange digests
// and fetch the messages the other side turns out to hold that we don't
// (spec §4.G step 3's get_diff RPC).
type Peer interface {
	GetDiff(ctx context.Context, seed [16]byte, summary map[chainhash.Hash]chainhash.Hash) ([]Msg, error)
}

// Config wires a Decider to the rest of the node (spec §4.G).
type Config struct {
	GenerateProposal func() ([]byte, error)
	VerifyProposal   func([]byte) bool
	VoteWeights      func() map[string]*big.Int // keyed by raw ed25519 pubkey bytes
	MySecret         ed25519.PrivateKey
	Seed             [16]byte
	Height           uint64

	// TickInterval paces how often a round polls a peer for a digest
	// exchange; Peers is consulted round-robin.
	TickInterval time.Duration
	Peers        []Peer
}

// Decider drives one round of consensus to a decision (spec §4.G).
type Decider struct {
	cfg  Config
	core *Core
}

// NewDecider starts a fresh round with cfg.
func NewDecider(cfg Config) *Decider {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	return &Decider{cfg: cfg, core: NewCore()}
}

// TickToEnd drives the state machine until more than two-thirds of
// vote_weights() have cast a MsgVote for one proposal, or ctx is canceled
// (spec §4.G step 4). Only votes are counted: the decision has no separate
// phase sequence, and MsgConfirm messages play no part in it. It
// repeatedly: broadcasts our own
// proposal/vote once eligible, polls the next peer for a digest exchange,
// and checks the decision predicate.
func (d *Decider) TickToEnd(ctx context.Context) ([]byte, error) {
	if err := d.seedOwnProposal(); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	peerIdx := 0
	for {
		if decided, ok := d.checkDecision(); ok {
			return decided, nil
		}
		d.voteOnBestProposal()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if len(d.cfg.Peers) == 0 {
				continue
			}
			peer := d.cfg.Peers[peerIdx%len(d.cfg.Peers)]
			peerIdx++
			theirSummary := d.core.Summary()
			missing, err := peer.GetDiff(ctx, d.cfg.Seed, theirSummary)
			if err != nil {
				continue
			}
			d.core.ApplyDiff(missing)
		}
	}
}

func (d *Decider) seedOwnProposal() error {
	body, err := d.cfg.GenerateProposal()
	if err != nil {
		return fmt.Errorf("streamlet: generating proposal: %w", err)
	}
	m := Sign(Msg{Kind: MsgProposal, Height: d.cfg.Height, Seed: d.cfg.Seed, Body: body}, d.cfg.MySecret)
	d.core.Insert(m)
	return nil
}

// voteOnBestProposal casts our vote, if we haven't already, for the
// lexicographically-first verified proposal seen this round -- any
// deterministic tie-break is sound since honest voters converge once one
// proposal crosses the notarization threshold regardless of which valid
// proposal they initially favored.
func (d *Decider) voteOnBestProposal() {
	proposals := d.cfg.VerifyProposalFilter(d.core.proposalsAt(d.cfg.Height))
	if len(proposals) == 0 {
		return
	}
	sort.Slice(proposals, func(i, j int) bool { return string(proposals[i]) < string(proposals[j]) })
	best := proposals[0]
	myPK := d.cfg.MySecret.Public().(ed25519.PublicKey)
	if d.core.votesFor(d.cfg.Height, best)[string(myPK)] {
		return
	}
	m := Sign(Msg{Kind: MsgVote, Height: d.cfg.Height, Seed: d.cfg.Seed, Body: best}, d.cfg.MySecret)
	d.core.Insert(m)
}

// VerifyProposalFilter keeps only the proposals VerifyProposal accepts.
func (cfg Config) VerifyProposalFilter(bodies [][]byte) [][]byte {
	out := make([][]byte, 0, len(bodies))
	for _, b := range bodies {
		if cfg.VerifyProposal(b) {
			out = append(out, b)
		}
	}
	return out
}

// checkDecision reports whether any proposal at this height has crossed
// two-thirds of vote_weights() (spec §4.G step 4's decision predicate).
func (d *Decider) checkDecision() ([]byte, bool) {
	weights := d.cfg.VoteWeights()
	total := big.NewInt(0)
	for _, w := range weights {
		total.Add(total, w)
	}
	if total.Sign() == 0 {
		return nil, false
	}
	for _, body := range d.core.proposalsAt(d.cfg.Height) {
		voters := d.core.votesFor(d.cfg.Height, body)
		signing := big.NewInt(0)
		for pk := range voters {
			if w, ok := weights[pk]; ok {
				signing.Add(signing, w)
			}
		}
		lhs := new(big.Int).Mul(signing, big.NewInt(3))
		rhs := new(big.Int).Mul(total, big.NewInt(2))
		if lhs.Cmp(rhs) > 0 {
			return body, true
		}
	}
	return nil, false
}

// ConsensusProofGatherer collects per-height confirm signatures over a
// decided header hash until they cross two-thirds of active stake (spec
// §4.G "Consensus proof assembly"), bounded by an LRU keyed by height so a
// gatherer never accumulates unboundedly across heights it never finished
// before moving on.
type ConsensusProofGatherer struct {
	mu      sync.Mutex
	gathers *lru.Cache[uint64, *gatherState]
}

type gatherState struct {
	headerHash chainhash.Hash
	weights    map[string]*big.Int
	total      *big.Int
	sigs       map[string][]byte
}

// gathererCacheSize bounds how many in-flight heights a gatherer tracks
// at once.
const gathererCacheSize = 64

// NewConsensusProofGatherer returns an empty gatherer.
func NewConsensusProofGatherer() *ConsensusProofGatherer {
	cache, err := lru.New[uint64, *gatherState](gathererCacheSize)
	if err != nil {
		panic(err)
	}
	return &ConsensusProofGatherer{gathers: cache}
}

// Start registers height's decided header hash and the stake weights
// active for it, discarding any signatures gathered before Start was
// called for that height.
func (g *ConsensusProofGatherer) Start(height uint64, headerHash chainhash.Hash, weights map[string]*big.Int) {
	total := big.NewInt(0)
	for _, w := range weights {
		total.Add(total, w)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gathers.Add(height, &gatherState{
		headerHash: headerHash,
		weights:    weights,
		total:      total,
		sigs:       map[string][]byte{},
	})
}

// AddSignature records pk's signature over height's header hash, returning
// the resulting map<pk,sig> and true once it carries more than two-thirds
// of active stake.
func (g *ConsensusProofGatherer) AddSignature(height uint64, pk ed25519.PublicKey, sig []byte) (map[string][]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.gathers.Get(height)
	if !ok {
		return nil, false
	}
	if !ed25519.Verify(pk, st.headerHash[:], sig) {
		return nil, false
	}
	st.sigs[string(pk)] = sig

	signing := big.NewInt(0)
	for voter := range st.sigs {
		if w, ok := st.weights[voter]; ok {
			signing.Add(signing, w)
		}
	}
	lhs := new(big.Int).Mul(signing, big.NewInt(3))
	rhs := new(big.Int).Mul(st.total, big.NewInt(2))
	if lhs.Cmp(rhs) <= 0 {
		return nil, false
	}
	out := make(map[string][]byte, len(st.sigs))
	for k, v := range st.sigs {
		out[k] = v
	}
	return out, true
}

// BeaconSeed derives the per-height round seed by sampling finalized
// header hashes at every multiple of interval from 0 up to and including
// height and folding them
// together with a keyed hash, resolving spec §9's open question of what
// a "majority-beacon" seed should be rather than deriving it from height
// alone. headerAt looks up the header hash finalized at a given height;
// callers below interval simply get the genesis-rooted sample set.
func BeaconSeed(height, interval uint64, headerAt func(uint64) (chainhash.Hash, error)) ([16]byte, error) {
	if interval == 0 {
		return [16]byte{}, fmt.Errorf("streamlet: zero beacon sample interval")
	}
	var samples [][]byte
	for h := (height / interval) * interval; ; h -= interval {
		hash, err := headerAt(h)
		if err != nil {
			return [16]byte{}, fmt.Errorf("streamlet: sampling beacon header at %d: %w", h, err)
		}
		samples = append(samples, hash[:])
		if h < interval {
			break
		}
	}
	folded := chainhash.H("beacon-seed", samples...)
	var seed [16]byte
	copy(seed[:], folded[:16])
	return seed, nil
}
