// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"net"
	"time"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/netsync/rpc"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/stdcode"
)

// Per-verb deadlines (spec §5: "5-15s depending on verb" -- cheap reads
// get 5s, block and SMT-branch fetches 10s, and the full stakers dump 15s).
const (
	dialTimeout       = 5 * time.Second
	summaryTimeout    = 5 * time.Second
	sendTxTimeout     = 5 * time.Second
	blockTimeout      = 10 * time.Second
	smtBranchTimeout  = 10 * time.Second
	stakersRawTimeout = 15 * time.Second
)

// Client is a single connection to one peer, issuing RPCs sequentially
// (spec §4.I: requests on a connection are answered in order, so a
// client that wants concurrency dials multiple connections).
type Client struct {
	NetName string
	conn    net.Conn
}

// Dial opens a connection to addr for use against netname.
func Dial(netname, addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{NetName: netname, conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(verb rpc.Verb, payload []byte, deadline time.Duration) (rpc.Response, error) {
	c.conn.SetDeadline(time.Now().Add(deadline))
	req := rpc.Request{ProtoVer: rpc.ProtoVersion, NetName: c.NetName, Verb: verb, Payload: payload}
	if err := rpc.WriteFrame(c.conn, req); err != nil {
		return rpc.Response{}, err
	}
	var resp rpc.Response
	if err := rpc.ReadFrame(c.conn, &resp); err != nil {
		return rpc.Response{}, err
	}
	return resp, nil
}

// SendTx submits tx to the peer's mempool.
func (c *Client) SendTx(tx chain.Transaction) error {
	resp, err := c.call(rpc.VerbSendTx, stdcode.Marshal(txEnvelope{Tx: tx}), sendTxTimeout)
	if err != nil {
		return err
	}
	return resp.AsError()
}

// GetSummary fetches the peer's current tip summary.
func (c *Client) GetSummary() (StateSummary, error) {
	resp, err := c.call(rpc.VerbGetSummary, nil, summaryTimeout)
	if err != nil {
		return StateSummary{}, err
	}
	if err := resp.AsError(); err != nil {
		return StateSummary{}, err
	}
	var out StateSummary
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return StateSummary{}, err
	}
	return out, nil
}

// GetAbbrBlock fetches the abbreviated block and consensus proof at height.
func (c *Client) GetAbbrBlock(height uint64) (AbbrBlockResponse, error) {
	resp, err := c.call(rpc.VerbGetAbbrBlock, stdcode.Marshal(HeightRange{Height: height}), blockTimeout)
	if err != nil {
		return AbbrBlockResponse{}, err
	}
	if err := resp.AsError(); err != nil {
		return AbbrBlockResponse{}, err
	}
	var out AbbrBlockResponse
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return AbbrBlockResponse{}, err
	}
	return out, nil
}

// GetBlock fetches the full block at height.
func (c *Client) GetBlock(height uint64) (chain.Block, error) {
	resp, err := c.call(rpc.VerbGetBlock, stdcode.Marshal(HeightRange{Height: height}), blockTimeout)
	if err != nil {
		return chain.Block{}, err
	}
	if err := resp.AsError(); err != nil {
		return chain.Block{}, err
	}
	var out chain.Block
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return chain.Block{}, err
	}
	return out, nil
}

// GetSMTBranch fetches a key's value and inclusion/absence proof from one
// of a height's substate trees.
func (c *Client) GetSMTBranch(height uint64, sub Substate, key [32]byte) (SMTBranchResponse, error) {
	req := SMTBranchRequest{Height: height, Substate: sub, Key: key}
	resp, err := c.call(rpc.VerbGetSMTBranch, stdcode.Marshal(req), smtBranchTimeout)
	if err != nil {
		return SMTBranchResponse{}, err
	}
	if err := resp.AsError(); err != nil {
		return SMTBranchResponse{}, err
	}
	var out SMTBranchResponse
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return SMTBranchResponse{}, err
	}
	return out, nil
}

// GetStakersRaw fetches every (key, value) pair of a height's Stakes tree.
func (c *Client) GetStakersRaw(height uint64) (map[[32]byte][]byte, error) {
	resp, err := c.call(rpc.VerbGetStakersRaw, stdcode.Marshal(HeightRange{Height: height}), stakersRawTimeout)
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	var out stakersRaw
	if err := stdcode.Unmarshal(resp.Body, &out); err != nil {
		return nil, err
	}
	m := make(map[[32]byte][]byte, len(out.Entries))
	for _, e := range out.Entries {
		m[e.Key] = e.Value
	}
	return m, nil
}

// VerifySMTBranch checks resp against the given root (a convenience
// wrapper so callers don't need to import smt separately).
func VerifySMTBranch(root [32]byte, key [32]byte, resp SMTBranchResponse) bool {
	if resp.Value == nil {
		return smt.VerifyAbsence(root, key, resp.Proof)
	}
	return smt.Verify(root, key, resp.Value, resp.Proof)
}
