// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/denom"
	"github.com/pelletier/go-toml/v2"
)

// GenesisConfig is the TOML document pointed to by --genesis-config (spec
// §6's CLI surface). It is deliberately a flat, serialization-only shape --
// building the actual genesis SealedState from it (inserting each coin and
// stake doc into a fresh SMT) is the job of the state package, since only
// state knows how to fold a CoinData into the coins mapping.
type GenesisConfig struct {
	Network              string           `toml:"network"`
	BeaconSampleInterval  uint64           `toml:"beacon_sample_interval"`
	InitialCoins          []GenesisCoin    `toml:"coins"`
	InitialStakers        []GenesisStaker  `toml:"stakers"`
}

// GenesisCoin seeds one entry of the genesis coins mapping.
type GenesisCoin struct {
	Covhash string `toml:"covhash"` // hex-encoded chainhash.Hash
	Value   string `toml:"value"`  // decimal, parsed as a big.Int
	Denom   string `toml:"denom"`  // "MEL", "SYM", "NOMDOSC", or "NEWCOIN"
}

// GenesisStaker seeds one entry of the genesis stake set, valid from epoch
// 0 through EPostEnd.
type GenesisStaker struct {
	PubKey     string `toml:"pubkey"` // hex-encoded ed25519 public key
	SymsStaked string `toml:"syms_staked"`
	EPostEnd   uint64 `toml:"e_post_end"`
}

// LoadGenesisConfig reads and parses the TOML genesis document at path.
func LoadGenesisConfig(path string) (*GenesisConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chaincfg: reading genesis config: %w", err)
	}
	var cfg GenesisConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("chaincfg: parsing genesis config %s: %w", path, err)
	}
	return &cfg, nil
}

// Params resolves the network named in the config to its well-known
// Params, overriding BeaconSampleInterval when the config sets a nonzero
// value.
func (c *GenesisConfig) Params() (*Params, error) {
	p := ByName(c.Network)
	if p == nil {
		return nil, fmt.Errorf("chaincfg: unknown network %q in genesis config", c.Network)
	}
	if c.BeaconSampleInterval != 0 {
		p.BeaconSampleInterval = c.BeaconSampleInterval
	}
	return p, nil
}

// Coins parses InitialCoins into CoinID/CoinData pairs keyed by a
// deterministic synthetic CoinID (the hash of the coin's position in the
// genesis list), so the state package can insert them into a fresh coins
// mapping without needing a real founding transaction.
func (c *GenesisConfig) Coins() ([]chain.CoinDataHeight, []chain.CoinID, error) {
	ids := make([]chain.CoinID, len(c.InitialCoins))
	cdhs := make([]chain.CoinDataHeight, len(c.InitialCoins))
	for i, gc := range c.InitialCoins {
		covhash, err := parseHash(gc.Covhash)
		if err != nil {
			return nil, nil, fmt.Errorf("chaincfg: genesis coin %d: %w", i, err)
		}
		value, ok := new(big.Int).SetString(gc.Value, 10)
		if !ok {
			return nil, nil, fmt.Errorf("chaincfg: genesis coin %d: bad value %q", i, gc.Value)
		}
		d, err := parseDenomName(gc.Denom)
		if err != nil {
			return nil, nil, fmt.Errorf("chaincfg: genesis coin %d: %w", i, err)
		}
		cdhs[i] = chain.CoinDataHeight{
			CoinData: chain.CoinData{Covhash: covhash, Value: value, Denom: d},
			Height:   0,
		}
		ids[i] = chain.CoinID{TxHash: chainhash.H("genesis-coin", []byte{byte(i)}), Index: 0}
	}
	return cdhs, ids, nil
}

// Stakers parses InitialStakers into StakeDocs valid from epoch 0.
func (c *GenesisConfig) Stakers() ([]chain.StakeDoc, error) {
	out := make([]chain.StakeDoc, len(c.InitialStakers))
	for i, gs := range c.InitialStakers {
		pkBytes, err := hex.DecodeString(gs.PubKey)
		if err != nil || len(pkBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("chaincfg: genesis staker %d: bad pubkey", i)
		}
		staked, ok := new(big.Int).SetString(gs.SymsStaked, 10)
		if !ok {
			return nil, fmt.Errorf("chaincfg: genesis staker %d: bad syms_staked %q", i, gs.SymsStaked)
		}
		out[i] = chain.StakeDoc{
			PubKey:     ed25519.PublicKey(pkBytes),
			EStart:     0,
			EPostEnd:   gs.EPostEnd,
			SymsStaked: staked,
		}
	}
	return out, nil
}

func parseDenomName(s string) (denom.Denom, error) {
	switch s {
	case "MEL":
		return denom.Mel, nil
	case "SYM":
		return denom.Sym, nil
	case "NOMDOSC":
		return denom.NomDosc, nil
	case "NEWCOIN":
		return denom.NewCoin, nil
	default:
		return denom.Denom{}, fmt.Errorf("unknown genesis denom %q", s)
	}
}

func parseHash(s string) (chainhash.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("bad hex: %w", err)
	}
	var h chainhash.Hash
	if err := h.SetBytes(b); err != nil {
		return chainhash.Hash{}, err
	}
	return h, nil
}
