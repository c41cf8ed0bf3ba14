// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command bismuthd runs one node of the core chain: the deterministic
// state transition function, sparse Merkle tree storage, mempool,
// Streamlet-style consensus, and block-sync gossip (spec §6). It omits
// the wallet CLI, standalone PoW minter, and metrics exporter, which
// are out of this binary's scope.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/bismuthchain/bismuth/chain"
	"github.com/bismuthchain/bismuth/chainhash"
	"github.com/bismuthchain/bismuth/covenant"
	"github.com/bismuthchain/bismuth/mempool"
	"github.com/bismuthchain/bismuth/netsync"
	"github.com/bismuthchain/bismuth/smt"
	"github.com/bismuthchain/bismuth/state"
	"github.com/bismuthchain/bismuth/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, _, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		return 1
	}

	if err := initLogRotator(cfg.LogDir); err != nil {
		fmt.Fprintln(os.Stderr, "initializing log rotator:", err)
		return 1
	}
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, "parsing --debuglevel:", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0700); err != nil {
		log.Errorf("creating data directory: %v", err)
		return 1
	}

	genesisCfg, err := loadGenesis(cfg.GenesisConfig)
	if err != nil {
		log.Errorf("loading genesis config: %v", err)
		return 1
	}
	params, err := genesisCfg.Params()
	if err != nil {
		log.Errorf("resolving genesis params: %v", err)
		return 1
	}

	db, err := leveldb.OpenFile(cfg.Database, nil)
	if err != nil {
		log.Errorf("opening database at %s: %v", cfg.Database, err)
		return 1
	}
	defer db.Close()
	smtStore := smt.NewLevelStore(db)

	coins, coinIDs, err := genesisCfg.Coins()
	if err != nil {
		log.Errorf("parsing genesis coins: %v", err)
		return 1
	}
	stakers, err := genesisCfg.Stakers()
	if err != nil {
		log.Errorf("parsing genesis stakers: %v", err)
		return 1
	}
	genesisState, err := state.Genesis(smtStore, params, coins, coinIDs, stakers)
	if err != nil {
		log.Errorf("building genesis state: %v", err)
		return 1
	}
	genesis, err := genesisState.Seal(nil)
	if err != nil {
		log.Errorf("sealing genesis state: %v", err)
		return 1
	}

	store, err := storage.Open(db, smtStore, params, genesis)
	if err != nil {
		log.Errorf("opening storage: %v", err)
		return 1
	}
	defer store.Close()

	mpool := mempool.New(store.Highest())

	peers := newAddrBook(cfg.Bootstrap)

	srv := &netsync.Server{
		NetName: params.Name,
		Storage: store,
		Mempool: mpool,
		Forward: func(tx chain.Transaction) { forwardTx(params.Name, peers, tx) },
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Errorf("listening on %s: %v", cfg.Listen, err)
		return 1
	}
	defer ln.Close()
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Warnf("serve: %v", err)
		}
	}()
	log.Infof("listening for peers on %s", cfg.Listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blksync := &netsync.Blksync{NetName: params.Name, Store: store, Peers: peers}
	go blksync.Run(ctx)

	var stk *staker
	if cfg.StakerSK != "" || cfg.StakerListen != "" {
		sk, err := resolveStakerKey(cfg.StakerSK)
		if err != nil {
			log.Errorf("resolving staker key: %v", err)
			return 1
		}
		rewardTo, err := stakerRewardDest(sk)
		if err != nil {
			log.Errorf("deriving reward destination: %v", err)
			return 1
		}
		stk = newStaker(store, mpool, params, sk, params.Name, rewardTo)
		stk.setPeers(cfg.StakerBootstrap)
		srv.ConfirmGatherer = stk.gatherer
		srv.OnProofAssembled = stk.onProofAssembled

		if cfg.StakerListen != "" {
			stakerLn, err := net.Listen("tcp", cfg.StakerListen)
			if err != nil {
				log.Errorf("listening for staker peers on %s: %v", cfg.StakerListen, err)
				return 1
			}
			defer stakerLn.Close()
			stakerSrv := &netsync.Server{
				NetName:          params.Name,
				Storage:          store,
				Mempool:          mpool,
				ConfirmGatherer:  stk.gatherer,
				OnProofAssembled: stk.onProofAssembled,
			}
			go func() {
				if err := stakerSrv.Serve(stakerLn); err != nil {
					log.Warnf("staker serve: %v", err)
				}
			}()
			stakerLog.Infof("listening for consensus-round peers on %s", cfg.StakerListen)
		}

		go stk.Run(ctx)
	}

	waitForShutdown()
	log.Infof("shutting down")
	cancel()
	return 0
}

// addrBook is a minimal netsync.PeerSource over a fixed, config-supplied
// address list (spec §4.I leaves address discovery itself out of
// scope; --bootstrap is the node's whole address book).
type addrBook struct {
	mu    sync.Mutex
	addrs []string
}

func newAddrBook(addrs []string) *addrBook {
	return &addrBook{addrs: append([]string(nil), addrs...)}
}

func (b *addrBook) RandomPeer() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.addrs) == 0 {
		return "", false
	}
	return b.addrs[rand.Intn(len(b.addrs))], true
}

// resolveStakerKey decodes a hex-encoded Ed25519 secret key from the
// command line, or prompts for one without echoing it to the terminal
// if omitted (config.go's --staker-sk description).
func resolveStakerKey(hexSK string) (ed25519.PrivateKey, error) {
	if hexSK == "" {
		fmt.Fprint(os.Stderr, "staker secret key (hex): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading staker key: %w", err)
		}
		hexSK = string(raw)
	}
	sk, err := hex.DecodeString(hexSK)
	if err != nil || len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed staker secret key")
	}
	return ed25519.PrivateKey(sk), nil
}

// stakerRewardDest derives a covenant hash a staker's own key can spend
// (a standard single-signature covenant over its own public key) to use
// as ProposerAction.RewardDest when this node proposes a block.
func stakerRewardDest(sk ed25519.PrivateKey) (chainhash.Hash, error) {
	pub, ok := sk.Public().(ed25519.PublicKey)
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("invalid staker key")
	}
	return covenant.StdEd25519PK(pub).Hash(), nil
}

// forwardFanout bounds how many random peers a freshly admitted
// transaction is forwarded to (spec §4.I: "forwards to up to 16 random
// peers asynchronously").
const forwardFanout = 16

// forwardTx dials up to forwardFanout distinct peers from book and
// relays tx to each, best-effort.
func forwardTx(netName string, book *addrBook, tx chain.Transaction) {
	seen := map[string]bool{}
	for i := 0; i < forwardFanout; i++ {
		addr, ok := book.RandomPeer()
		if !ok || seen[addr] {
			continue
		}
		seen[addr] = true
		c, err := netsync.Dial(netName, addr)
		if err != nil {
			continue
		}
		if err := c.SendTx(tx); err != nil {
			log.Debugf("forwarding tx to %s: %v", addr, err)
		}
		c.Close()
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
