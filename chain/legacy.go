// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

// Legacy auction transaction kinds (spec §9): these appear in older state-
// transition branches and are not reachable in the current TxKind set. They
// are retained here only so that replaying a historical chain segment that
// predates the AMM fails with a clear, dedicated error instead of an
// ambiguous "unknown transaction kind" or a missing-case panic.
const (
	txAuctionBid    TxKind = 0x20
	txAuctionBuyout TxKind = 0x21
	txAuctionFill   TxKind = 0x22
)

// CovhashAbid is the legacy auction-bid special covenant address. It has no
// active role in bismuth's current state transition; the legacy-kind
// rejection in Transaction.WellFormed does not refer to it.
var CovhashAbid = func() [32]byte {
	// Deliberately not computed via chainhash.H: this is a pinned
	// historical constant, not a live domain-separated hash, matching how
	// spec §6 lists "ABID" purely as an obsolete domain tag.
	return [32]byte{}
}()

// IsObsoleteKind reports whether k is one of the legacy auction kinds that
// apply_block must reject outright (spec §9).
func IsObsoleteKind(k TxKind) bool {
	switch k {
	case txAuctionBid, txAuctionBuyout, txAuctionFill:
		return true
	default:
		return false
	}
}
