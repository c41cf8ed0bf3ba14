// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/netsync/rpc"
	"github.com/bismuthchain/bismuth/stdcode"
	"github.com/bismuthchain/bismuth/streamlet"
)

// streamletDiffTimeout bounds one round's digest/diff exchange -- a round
// ticks every few hundred milliseconds, so a stalled peer must not be
// allowed to hold that up for long.
const streamletDiffTimeout = 3 * time.Second

// streamletDiffRequest is streamlet_diff's payload: the round identity
// (height, seed) and the caller's own message-hash summary, so the
// responder can answer with exactly what it holds that the caller
// doesn't (spec §4.G step 3).
type streamletDiffRequest struct {
	Height  uint64
	Seed    [16]byte
	Summary map[chainhash.Hash]chainhash.Hash
}

func (q streamletDiffRequest) Encode(w *stdcode.Writer) {
	w.PutU64(q.Height)
	w.PutFixed(q.Seed[:])
	w.PutUvarint(uint64(len(q.Summary)))
	for k, v := range q.Summary {
		w.PutFixed(k[:])
		w.PutFixed(v[:])
	}
}

func (q *streamletDiffRequest) Decode(r *stdcode.Reader) error {
	var err error
	if q.Height, err = r.U64(); err != nil {
		return err
	}
	seed, err := r.Fixed(16)
	if err != nil {
		return err
	}
	copy(q.Seed[:], seed)
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	q.Summary = make(map[chainhash.Hash]chainhash.Hash, n)
	for i := uint64(0); i < n; i++ {
		kb, err := r.Fixed(32)
		if err != nil {
			return err
		}
		vb, err := r.Fixed(32)
		if err != nil {
			return err
		}
		var k, v chainhash.Hash
		copy(k[:], kb)
		copy(v[:], vb)
		q.Summary[k] = v
	}
	return nil
}

// streamletDiffResponse carries the messages the responder holds that the
// requester's summary didn't list.
type streamletDiffResponse struct {
	Msgs []streamlet.Msg
}

func (r streamletDiffResponse) Encode(w *stdcode.Writer) {
	w.PutUvarint(uint64(len(r.Msgs)))
	for _, m := range r.Msgs {
		body := stdcode.Marshal(m)
		w.PutBytes(body)
	}
}

func (resp *streamletDiffResponse) Decode(r *stdcode.Reader) error {
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	resp.Msgs = make([]streamlet.Msg, n)
	for i := range resp.Msgs {
		body, err := r.Bytes()
		if err != nil {
			return err
		}
		if err := stdcode.Unmarshal(body, &resp.Msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

// StreamletCore, when set, lets this Server answer streamlet_diff RPCs
// against the caller's in-progress round -- nil means the node isn't
// acting as a staker this round (or at all) and the verb is answered with
// an empty diff rather than an error, since "no messages yet" is a valid
// state for a round that hasn't started locally.
func (s *Server) handleStreamletDiff(payload []byte) rpc.Response {
	var req streamletDiffRequest
	if err := stdcode.Unmarshal(payload, &req); err != nil {
		return rpc.ErrResponse(err)
	}
	if s.StreamletCore == nil {
		return rpc.OkResponse(stdcode.Marshal(streamletDiffResponse{}))
	}
	core := s.StreamletCore(req.Height)
	if core == nil {
		return rpc.OkResponse(stdcode.Marshal(streamletDiffResponse{}))
	}
	return rpc.OkResponse(stdcode.Marshal(streamletDiffResponse{Msgs: core.Diff(req.Summary)}))
}

// GetStreamletDiff issues one streamlet_diff RPC against the peer c is
// connected to.
func (c *Client) GetStreamletDiff(seed [16]byte, height uint64, summary map[chainhash.Hash]chainhash.Hash) ([]streamlet.Msg, error) {
	req := streamletDiffRequest{Height: height, Seed: seed, Summary: summary}
	resp, err := c.call(rpc.VerbStreamletDiff, stdcode.Marshal(req), streamletDiffTimeout)
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	var out streamletDiffResponse
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return nil, err
	}
	return out.Msgs, nil
}

// RemotePeer adapts a single dialed Client into a streamlet.Peer bound to
// one round's height, so a Decider can gossip against an ordinary netsync
// connection rather than a bespoke transport.
type RemotePeer struct {
	Client *Client
	Height uint64
}

// GetDiff implements streamlet.Peer.
func (p RemotePeer) GetDiff(ctx context.Context, seed [16]byte, summary map[chainhash.Hash]chainhash.Hash) ([]streamlet.Msg, error) {
	type result struct {
		msgs []streamlet.Msg
		err  error
	}
	done := make(chan result, 1)
	go func() {
		msgs, err := p.Client.GetStreamletDiff(seed, p.Height, summary)
		done <- result{msgs, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.msgs, r.err
	}
}

// confirmRequest is submit_confirm's payload: one staker's signature over
// a decided header hash, destined for the recipient's own
// ConsensusProofGatherer.
type confirmRequest struct {
	Height     uint64
	HeaderHash chainhash.Hash
	PubKey     ed25519.PublicKey
	Sig        []byte
}

func (q confirmRequest) Encode(w *stdcode.Writer) {
	w.PutU64(q.Height)
	w.PutFixed(q.HeaderHash[:])
	w.PutBytes(q.PubKey)
	w.PutBytes(q.Sig)
}

func (q *confirmRequest) Decode(r *stdcode.Reader) error {
	var err error
	if q.Height, err = r.U64(); err != nil {
		return err
	}
	if err := readHashField(r, &q.HeaderHash); err != nil {
		return err
	}
	pk, err := r.Bytes()
	if err != nil {
		return err
	}
	q.PubKey = ed25519.PublicKey(pk)
	q.Sig, err = r.Bytes()
	return err
}

func readHashField(r *stdcode.Reader, dst *chainhash.Hash) error {
	b, err := r.Fixed(32)
	if err != nil {
		return err
	}
	copy(dst[:], b)
	return nil
}

// ConfirmGatherer, when set, lets this Server accept submit_confirm RPCs
// into a shared ConsensusProofGatherer. OnProofAssembled, if set, is
// called the instant a submission crosses two-thirds of active stake,
// with a ready-to-apply chain.ConsensusProof.
func (s *Server) handleSubmitConfirm(payload []byte) rpc.Response {
	var req confirmRequest
	if err := stdcode.Unmarshal(payload, &req); err != nil {
		return rpc.ErrResponse(err)
	}
	if s.ConfirmGatherer == nil {
		return rpc.OkResponse(nil)
	}
	sigs, done := s.ConfirmGatherer.AddSignature(req.Height, req.PubKey, req.Sig)
	if done && s.OnProofAssembled != nil {
		proof := make(chain.ConsensusProof, len(sigs))
		for pk, sig := range sigs {
			var key [32]byte
			copy(key[:], pk)
			proof[key] = sig
		}
		s.OnProofAssembled(req.Height, req.HeaderHash, proof)
	}
	return rpc.OkResponse(nil)
}

// SubmitConfirm sends one signature over a decided header hash to the
// peer c is connected to.
func (c *Client) SubmitConfirm(height uint64, headerHash chainhash.Hash, pub ed25519.PublicKey, sig []byte) error {
	req := confirmRequest{Height: height, HeaderHash: headerHash, PubKey: pub, Sig: sig}
	resp, err := c.call(rpc.VerbSubmitConfirm, stdcode.Marshal(req), streamletDiffTimeout)
	if err != nil {
		return err
	}
	return resp.AsError()
}
