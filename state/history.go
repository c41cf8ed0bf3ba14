// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package state

import (
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/stdcode"
)

// HistoryEntry is the value stored in a State's History tree, keyed by
// height: the hash of the header sealed at that height, looked up by
// DoscMint's chi derivation (spec §4.B: "history[coin.height].hash").
type HistoryEntry struct {
	HeaderHash chainhash.Hash
}

// Encode implements stdcode.Encoder.
func (h HistoryEntry) Encode(w *stdcode.Writer) {
	w.PutFixed(h.HeaderHash[:])
}

// Decode implements stdcode.Decoder.
func (h *HistoryEntry) Decode(r *stdcode.Reader) error {
	b, err := r.Fixed(chainhash.HashSize)
	if err != nil {
		return err
	}
	return h.HeaderHash.SetBytes(b)
}

// historyKey derives the History tree's SMT key for a given height. Hashing
// the height rather than using its raw bytes keeps History's keys spread
// uniformly over the key space like every other tree's, rather than
// clustering in the low end for a young chain.
func historyKey(height uint64) [32]byte {
	w := stdcode.NewWriter()
	w.PutU64BE(height)
	return chainhash.H("history-key", w.Bytes())
}
