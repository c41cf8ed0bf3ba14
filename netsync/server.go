// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netsync implements the node's P2P surface (spec.md §4.I/§4.J):
// a symmetric RPC server dispatching the fixed verb set over the
// netsync/rpc envelope, a background blksync loop that follows a peer's
// height with bounded-concurrency block fetches, and an optional
// fast-sync stream. Grounded on storage.Storage and mempool.Mempool as
// the only state a connection handler touches, matching the single-
// writer/many-reader split spec §5 requires.
package netsync

import (
	"fmt"
	"net"
	"time"

	"github.com/decred/slog"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/mempool"
	"github.com/bismuthchain/bismuth/netsync/rpc"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/stdcode"
	"github.com/bismuthchain/bismuth/storage"
	"github.com/bismuthchain/bismuth/streamlet"
)

var log = slog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger slog.Logger) {
	log = logger
}

// requestTimeout bounds how long a single request handler may run before
// the connection is dropped (spec §5: "Every RPC has a client-side
// deadline (5-15s depending on verb)" -- the server enforces the same
// budget so a misbehaving peer cannot hold a handler open indefinitely).
const requestTimeout = 15 * time.Second

// Server answers RPC requests against one node's storage and mempool.
type Server struct {
	NetName string
	Storage *storage.Storage
	Mempool *mempool.Mempool

	// Forward is called with every transaction send_tx admits, so the
	// caller can fan it out to peers (spec §4.I: "forwards to up to 16
	// random peers asynchronously"). May be nil.
	Forward func(tx chain.Transaction)

	// StreamletCore, when set, answers streamlet_diff RPCs against the
	// in-progress consensus round at the given height. May be nil if this
	// node isn't driving a round locally.
	StreamletCore func(height uint64) *streamlet.Core

	// ConfirmGatherer and OnProofAssembled wire submit_confirm RPCs into
	// this node's signature-gathering task (spec §5). Both nil is valid:
	// the node simply acknowledges submissions without acting on them.
	ConfirmGatherer  *streamlet.ConsensusProofGatherer
	OnProofAssembled func(height uint64, headerHash chainhash.Hash, proof chain.ConsensusProof)
}

// Serve accepts connections on ln until it errors (e.g. on Close),
// spawning one goroutine per connection (spec §5: "one task per open
// connection").
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		conn.SetReadDeadline(time.Now().Add(requestTimeout))
		var req rpc.Request
		if err := rpc.ReadFrame(conn, &req); err != nil {
			return
		}
		if req.ProtoVer != rpc.ProtoVersion {
			log.Debugf("closing connection: unsupported proto version %d", req.ProtoVer)
			return
		}
		if req.NetName != s.NetName {
			log.Debugf("closing connection: netname mismatch (%q != %q)", req.NetName, s.NetName)
			return
		}

		if req.Verb == rpc.VerbStreamFastsync {
			s.serveFastsync(conn, req.Payload)
			return
		}

		resp := s.dispatch(req)
		conn.SetWriteDeadline(time.Now().Add(requestTimeout))
		if err := rpc.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req rpc.Request) rpc.Response {
	switch req.Verb {
	case rpc.VerbSendTx:
		return s.handleSendTx(req.Payload)
	case rpc.VerbGetSummary:
		return s.handleGetSummary()
	case rpc.VerbGetAbbrBlock:
		return s.handleGetAbbrBlock(req.Payload)
	case rpc.VerbGetBlock:
		return s.handleGetBlock(req.Payload)
	case rpc.VerbGetSMTBranch:
		return s.handleGetSMTBranch(req.Payload)
	case rpc.VerbGetStakersRaw:
		return s.handleGetStakersRaw(req.Payload)
	case rpc.VerbStreamletDiff:
		return s.handleStreamletDiff(req.Payload)
	case rpc.VerbSubmitConfirm:
		return s.handleSubmitConfirm(req.Payload)
	default:
		return rpc.Response{Kind: rpc.KindNoVerb}
	}
}

func (s *Server) handleSendTx(payload []byte) rpc.Response {
	var env txEnvelope
	if err := stdcode.Unmarshal(payload, &env); err != nil {
		return rpc.ErrResponse(err)
	}
	if _, ok := s.Mempool.Lookup(env.Tx.HashNosigs()); ok {
		return rpc.ErrResponse(fmt.Errorf("duplicate"))
	}
	if err := s.Mempool.ApplyTransaction(env.Tx); err != nil {
		return rpc.ErrResponse(err)
	}
	if s.Forward != nil {
		go s.Forward(env.Tx)
	}
	return rpc.OkResponse(nil)
}

func (s *Server) handleGetSummary() rpc.Response {
	highest := s.Storage.Highest()
	var proof chain.ConsensusProof
	if highest.Header.Height != 0 {
		var err error
		if _, proof, err = s.Storage.GetBlock(highest.Header.Height); err != nil {
			return rpc.ErrResponse(err)
		}
	}
	summary := StateSummary{
		NetName: s.NetName,
		Height:  highest.Header.Height,
		Header:  highest.Header,
		Proof:   proof,
	}
	return rpc.OkResponse(stdcode.Marshal(summary))
}

func (s *Server) handleGetAbbrBlock(payload []byte) rpc.Response {
	var q HeightRange
	if err := stdcode.Unmarshal(payload, &q); err != nil {
		return rpc.ErrResponse(err)
	}
	blk, proof, err := s.Storage.GetBlock(q.Height)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	return rpc.OkResponse(stdcode.Marshal(AbbrBlockResponse{Abbr: blk.Abbreviate(), Proof: proof}))
}

func (s *Server) handleGetBlock(payload []byte) rpc.Response {
	var q HeightRange
	if err := stdcode.Unmarshal(payload, &q); err != nil {
		return rpc.ErrResponse(err)
	}
	blk, _, err := s.Storage.GetBlock(q.Height)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	return rpc.OkResponse(stdcode.Marshal(blk))
}

func (s *Server) handleGetSMTBranch(payload []byte) rpc.Response {
	var q SMTBranchRequest
	if err := stdcode.Unmarshal(payload, &q); err != nil {
		return rpc.ErrResponse(err)
	}
	st, err := s.stateAt(q.Height)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	tree, err := substateTree(st, q.Substate)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	value, proof, err := tree.Get(q.Key)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	return rpc.OkResponse(stdcode.Marshal(SMTBranchResponse{Value: value, Proof: proof}))
}

func (s *Server) handleGetStakersRaw(payload []byte) rpc.Response {
	var q HeightRange
	if err := stdcode.Unmarshal(payload, &q); err != nil {
		return rpc.ErrResponse(err)
	}
	st, err := s.stateAt(q.Height)
	if err != nil {
		return rpc.ErrResponse(err)
	}
	var out stakersRaw
	err = smt.Iter(st.Stakes, func(key [32]byte, value []byte) error {
		out.Entries = append(out.Entries, stakeEntry{Key: key, Value: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return rpc.ErrResponse(err)
	}
	return rpc.OkResponse(stdcode.Marshal(out))
}

// sealedStateAt returns the SealedState at height, pulling from the live
// tip when possible and falling back to historical reconstruction
// otherwise (spec §4.I: get_smt_branch/get_stakers_raw/stream_fastsync
// all take a height parameter, not just "current").
func (s *Server) sealedStateAt(height uint64) (*state.SealedState, error) {
	highest := s.Storage.Highest()
	if height == highest.Header.Height {
		return highest, nil
	}
	return s.Storage.HistoricalState(height)
}

// stateAt is sealedStateAt's State view, for callers that only need the
// substate trees.
func (s *Server) stateAt(height uint64) (*state.State, error) {
	ss, err := s.sealedStateAt(height)
	if err != nil {
		return nil, err
	}
	return ss.State(), nil
}

func substateTree(st *state.State, sub Substate) (smt.Tree, error) {
	switch sub {
	case SubstateCoins:
		return st.Coins, nil
	case SubstateHistory:
		return st.History, nil
	case SubstatePools:
		return st.Pools, nil
	case SubstateStakes:
		return st.Stakes, nil
	case SubstateTransactions:
		return st.Transactions, nil
	default:
		return smt.Tree{}, fmt.Errorf("netsync: unknown substate %d", sub)
	}
}
