// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/storage"
)

// blksyncFetchConcurrency bounds how many in-flight get_block/get_abbr_block
// calls a single sync pass issues at once (spec §4.J's "bounded-concurrency
// pipeline", reused here for ordinary catch-up rather than just fast-sync).
const blksyncFetchConcurrency = 8

// blksyncInterval is how often the background loop checks whether it is
// behind a peer (spec §4.I: "periodically").
const blksyncInterval = 2 * time.Second

// PeerSource supplies addresses to dial for a blksync pass. Implementations
// typically maintain their own address book; netsync only needs a way to
// pick one at a time.
type PeerSource interface {
	RandomPeer() (addr string, ok bool)
}

// fetchedBlock pairs a height's full block with the consensus proof its
// header was notarized under.
type fetchedBlock struct {
	height uint64
	blk    chain.Block
	proof  chain.ConsensusProof
}

// Blksync drives a node's ordinary catch-up sync against whatever peers
// peers supplies, applying each pass's fetched blocks to store in height
// order once all of them are fetched (spec §4.I/§5: a single background
// task, distinct from the
// per-connection request handlers).
type Blksync struct {
	NetName string
	Store   *storage.Storage
	Peers   PeerSource
}

// Run loops until ctx is done, periodically picking a random peer,
// comparing heights, and catching up if behind.
func (b *Blksync) Run(ctx context.Context) {
	ticker := time.NewTicker(blksyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.tryCatchUp(ctx); err != nil {
				log.Debugf("blksync: pass failed: %v", err)
			}
		}
	}
}

func (b *Blksync) tryCatchUp(ctx context.Context) error {
	addr, ok := b.Peers.RandomPeer()
	if !ok {
		return nil
	}
	client, err := Dial(b.NetName, addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer client.Close()

	summary, err := client.GetSummary()
	if err != nil {
		return fmt.Errorf("get_summary from %s: %w", addr, err)
	}

	ours := b.Store.Highest().Header.Height
	if summary.Height <= ours {
		return nil
	}

	return b.fetchAndApply(ctx, client, ours+1, summary.Height)
}

// fetchAndApply fetches heights [from, to] from client's peer with bounded
// concurrency, each fetch over its own connection since a Client answers
// requests in order, then applies them to store strictly in height order --
// concurrency only speeds up the network round trips, never the
// state-transition replay, which must stay sequential.
func (b *Blksync) fetchAndApply(ctx context.Context, client *Client, from, to uint64) error {
	results := make([]fetchedBlock, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(blksyncFetchConcurrency)
	for h := from; h <= to; h++ {
		h := h
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			c, err := Dial(client.NetName, client.conn.RemoteAddr().String())
			if err != nil {
				return fmt.Errorf("dialing for height %d: %w", h, err)
			}
			defer c.Close()
			blk, err := c.GetBlock(h)
			if err != nil {
				return fmt.Errorf("get_block(%d): %w", h, err)
			}
			abbr, err := c.GetAbbrBlock(h)
			if err != nil {
				return fmt.Errorf("get_abbr_block(%d): %w", h, err)
			}
			results[h-from] = fetchedBlock{height: h, blk: blk, proof: abbr.Proof}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, fb := range results {
		if _, err := b.Store.ApplyBlock(fb.blk, fb.proof); err != nil {
			return fmt.Errorf("applying block %d: %w", fb.height, err)
		}
	}
	log.Infof("blksync: caught up from height %d to %d", from-1, to)
	return nil
}
