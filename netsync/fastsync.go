// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"io"
	"net"
	"time"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/netsync/rpc"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// Fast-sync (spec §4.J) hijacks an ordinary connection once a peer asks
// for stream_fastsync: rather than one request/response pair, the server
// holds the connection open and pushes a sequence of frames -- a full
// leaf dump of every substate tree at the requested base height (so a
// fresh node with an empty store can rebuild the tree without a peer's
// help beyond this stream), the base height's own header, and then every
// subsequent block up to the server's tip. The same u32_be-length framing
// rpc.WriteFrame/ReadFrame already implement carries every message; only
// the first byte of each frame's body disambiguates message kind.
const (
	fastsyncMsgTree  byte = iota // body: treeDump
	fastsyncMsgBase              // body: StateSummary (the base height's header+proof)
	fastsyncMsgBlock             // body: blockAndProof, a full block plus its consensus proof
	fastsyncMsgDone              // body: empty
)

// fastsyncFrame is the generic envelope every fast-sync message travels
// in: a one-byte kind tag plus that kind's stdcode-encoded body.
type fastsyncFrame struct {
	Kind byte
	Body []byte
}

func (f fastsyncFrame) Encode(w *stdcode.Writer) {
	w.PutByte(f.Kind)
	w.PutBytes(f.Body)
}

func (f *fastsyncFrame) Decode(r *stdcode.Reader) error {
	var err error
	if f.Kind, err = r.Byte(); err != nil {
		return err
	}
	f.Body, err = r.Bytes()
	return err
}

// treeDump is a full leaf listing of one substate tree, enough for a
// receiver to rebuild it leaf-by-leaf via repeated smt.Tree.Insert calls.
type treeDump struct {
	Substate Substate
	Entries  []stakeEntry
}

func (d treeDump) Encode(w *stdcode.Writer) {
	w.PutByte(byte(d.Substate))
	w.PutUvarint(uint64(len(d.Entries)))
	for _, e := range d.Entries {
		w.PutFixed(e.Key[:])
		w.PutBytes(e.Value)
	}
}

func (d *treeDump) Decode(r *stdcode.Reader) error {
	sub, err := r.Byte()
	if err != nil {
		return err
	}
	d.Substate = Substate(sub)
	n, err := r.Uvarint()
	if err != nil {
		return err
	}
	d.Entries = make([]stakeEntry, n)
	for i := range d.Entries {
		key, err := r.Fixed(32)
		if err != nil {
			return err
		}
		copy(d.Entries[i].Key[:], key)
		if d.Entries[i].Value, err = r.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

// allSubstates lists every tree a SealedState carries, in the fixed order
// fast-sync dumps them.
var allSubstates = []Substate{
	SubstateCoins, SubstateHistory, SubstatePools, SubstateStakes, SubstateTransactions,
}

const fastsyncFrameTimeout = 30 * time.Second

// serveFastsync drives the server side of spec §4.J after a connection
// has asked for stream_fastsync: it owns conn for the rest of its life
// (the caller's handleConn loop returns once this function does).
func (s *Server) serveFastsync(conn net.Conn, payload []byte) {
	var req HeightRange
	if err := stdcode.Unmarshal(payload, &req); err != nil {
		return
	}

	st, err := s.stateAt(req.Height)
	if err != nil {
		log.Debugf("fastsync: base height %d unavailable: %v", req.Height, err)
		return
	}

	for _, sub := range allSubstates {
		tree, err := substateTree(st, sub)
		if err != nil {
			return
		}
		dump := treeDump{Substate: sub}
		err = smt.Iter(tree, func(key [32]byte, value []byte) error {
			dump.Entries = append(dump.Entries, stakeEntry{Key: key, Value: append([]byte(nil), value...)})
			return nil
		})
		if err != nil {
			return
		}
		if err := s.writeFastsyncFrame(conn, fastsyncMsgTree, dump); err != nil {
			return
		}
	}

	baseSealed, err := s.sealedStateAt(req.Height)
	if err != nil {
		return
	}
	_, baseProof, err := s.Storage.GetBlock(req.Height)
	if err != nil && req.Height != 0 {
		return
	}
	summary := StateSummary{NetName: s.NetName, Height: req.Height, Header: baseSealed.Header, Proof: baseProof}
	if err := s.writeFastsyncFrame(conn, fastsyncMsgBase, summary); err != nil {
		return
	}

	highest := s.Storage.Highest().Header.Height
	for h := req.Height + 1; h <= highest; h++ {
		blk, proof, err := s.Storage.GetBlock(h)
		if err != nil {
			return
		}
		if err := s.writeFastsyncFrame(conn, fastsyncMsgBlock, blockAndProof{Block: blk, Proof: proof}); err != nil {
			return
		}
	}

	s.writeFastsyncFrame(conn, fastsyncMsgDone, noBody{})
}

func (s *Server) writeFastsyncFrame(conn net.Conn, kind byte, v stdcode.Encoder) error {
	conn.SetWriteDeadline(time.Now().Add(fastsyncFrameTimeout))
	return rpc.WriteFrame(conn, fastsyncFrame{Kind: kind, Body: stdcode.Marshal(v)})
}

// blockAndProof pairs a full block with the consensus proof over its
// header, the unit fast-sync streams per height above the base.
type blockAndProof struct {
	Block chain.Block
	Proof chain.ConsensusProof
}

func (b blockAndProof) Encode(w *stdcode.Writer) {
	b.Block.Encode(w)
	b.Proof.Encode(w)
}

func (b *blockAndProof) Decode(r *stdcode.Reader) error {
	if err := b.Block.Decode(r); err != nil {
		return err
	}
	b.Proof = chain.ConsensusProof{}
	return b.Proof.Decode(r)
}

// noBody is the empty payload of a "done" frame.
type noBody struct{}

func (noBody) Encode(w *stdcode.Writer) {}

// FastsyncResult is everything a client accumulates from one fast-sync
// stream: the base height's full substate trees, its header, and every
// subsequent block.
type FastsyncResult struct {
	Trees  map[Substate][]stakeEntry
	Base   StateSummary
	Blocks []blockAndProof
}

// RequestFastsync dials addr and drives the client side of spec §4.J,
// blocking until the server sends its "done" frame or the connection
// errors.
func RequestFastsync(netname, addr string, baseHeight uint64) (*FastsyncResult, error) {
	client, err := Dial(netname, addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	client.conn.SetWriteDeadline(time.Now().Add(fastsyncFrameTimeout))
	req := rpc.Request{
		ProtoVer: rpc.ProtoVersion,
		NetName:  netname,
		Verb:     rpc.VerbStreamFastsync,
		Payload:  stdcode.Marshal(HeightRange{Height: baseHeight}),
	}
	if err := rpc.WriteFrame(client.conn, req); err != nil {
		return nil, err
	}

	out := &FastsyncResult{Trees: map[Substate][]stakeEntry{}}
	for {
		client.conn.SetReadDeadline(time.Now().Add(fastsyncFrameTimeout))
		var frame fastsyncFrame
		if err := rpc.ReadFrame(client.conn, &frame); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		switch frame.Kind {
		case fastsyncMsgTree:
			var dump treeDump
			if err := stdcode.Unmarshal(frame.Body, &dump); err != nil {
				return nil, err
			}
			out.Trees[dump.Substate] = dump.Entries
		case fastsyncMsgBase:
			if err := stdcode.Unmarshal(frame.Body, &out.Base); err != nil {
				return nil, err
			}
		case fastsyncMsgBlock:
			var bp blockAndProof
			if err := stdcode.Unmarshal(frame.Body, &bp); err != nil {
				return nil, err
			}
			out.Blocks = append(out.Blocks, bp)
		case fastsyncMsgDone:
			return out, nil
		}
	}
	return out, nil
}
