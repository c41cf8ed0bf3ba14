// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chaincfg defines the network-level constants and genesis
// parameters a node needs before it can apply a single block: the network
// byte carried in every header, the epoch length the stake set is stable
// over, the majority-beacon sampling interval, and the genesis block
// itself.
package chaincfg

import (
	"math/big"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
)

// Network byte values, carried in chain.Header.Network. A node rejects any
// header whose Network does not match its configured Params.
const (
	NetworkMain uint8 = 0x01
	NetworkTest uint8 = 0x02
	NetworkReg  uint8 = 0x03
)

// StakeEpoch is the number of blocks a stake set is stable for: the epoch
// a height belongs to is floor(height / StakeEpoch). It is a network-wide
// constant, not a per-network parameter, since §4.B's stake-doc validity
// windows (EStart/EPostEnd) are expressed in epochs and must mean the same
// thing on every network for test vectors to translate.
const StakeEpoch uint64 = 200

// DefaultBeaconSampleInterval is the number of blocks between headers
// sampled into the majority-beacon consensus seed (spec.md's resolved open
// question on Streamlet nonce derivation: seed from a majority beacon over
// prior-epoch headers rather than the height alone).
const DefaultBeaconSampleInterval uint64 = 197

// Params bundles the constants that distinguish one logical network from
// another: its genesis block, its listen defaults, and its beacon sampling
// cadence (left overridable per network since a fast-iteration testnet may
// want a shorter beacon period than mainnet).
type Params struct {
	Name                 string
	NetworkByte          uint8
	DefaultPort          string
	BeaconSampleInterval uint64
	GenesisBlock         chain.Block
}

// GenesisHash is the header hash of p's genesis block.
func (p *Params) GenesisHash() chainhash.Hash {
	return p.GenesisBlock.Header.Hash()
}

func zeroU128() *big.Int { return new(big.Int) }

func emptyGenesisHeader(network uint8) chain.Header {
	return chain.Header{
		Network:          network,
		Previous:         chainhash.ZeroHash,
		Height:           0,
		HistoryHash:      chainhash.ZeroHash,
		CoinsHash:        chainhash.ZeroHash,
		TransactionsHash: chainhash.ZeroHash,
		PoolsHash:        chainhash.ZeroHash,
		StakesHash:       chainhash.ZeroHash,
		FeePool:          zeroU128(),
		FeeMultiplier:    big.NewInt(1_000_000),
		DoscSpeed:        big.NewInt(1),
	}
}

// MainNetParams returns the parameters for the production Bismuth network.
// Its genesis block carries no coins and no stakers of its own; real
// deployments always start from a GenesisConfig loaded with
// LoadGenesisConfig, which seeds the initial coin set and stake set this
// bare header cannot express on its own (the CoinsHash/StakesHash roots
// depend on the SMT store the genesis config is applied against).
func MainNetParams() *Params {
	return &Params{
		Name:                 "mainnet",
		NetworkByte:          NetworkMain,
		DefaultPort:          "18900",
		BeaconSampleInterval: DefaultBeaconSampleInterval,
		GenesisBlock:         chain.Block{Header: emptyGenesisHeader(NetworkMain)},
	}
}

// TestNetParams returns the parameters for the public test network. The
// beacon sampling interval is shortened so test deployments finalize a
// usable beacon without waiting out a mainnet-length epoch.
func TestNetParams() *Params {
	return &Params{
		Name:                 "testnet",
		NetworkByte:          NetworkTest,
		DefaultPort:          "18901",
		BeaconSampleInterval: 20,
		GenesisBlock:         chain.Block{Header: emptyGenesisHeader(NetworkTest)},
	}
}

// RegNetParams returns the parameters for a single-process regression test
// network: the beacon sampling interval is shortened to 4 blocks so a test
// suite crosses several beacon boundaries in a handful of blocks.
// StakeEpoch is network-wide and is not shortened here.
func RegNetParams() *Params {
	return &Params{
		Name:                 "regnet",
		NetworkByte:          NetworkReg,
		DefaultPort:          "18902",
		BeaconSampleInterval: 4,
		GenesisBlock:         chain.Block{Header: emptyGenesisHeader(NetworkReg)},
	}
}

// ByName returns the well-known Params for name ("mainnet", "testnet", or
// "regnet"), or nil if name is not recognized.
func ByName(name string) *Params {
	switch name {
	case "mainnet":
		return MainNetParams()
	case "testnet":
		return TestNetParams()
	case "regnet":
		return RegNetParams()
	default:
		return nil
	}
}
