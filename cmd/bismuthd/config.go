// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/bismuthchain/bismuth/chaincfg"
	"github.com/bismuthchain/bismuth/sampleconfig"
)

const (
	defaultConfigFilename = "bismuthd.conf"
	defaultDataDirname    = "data"
	defaultLogFilename    = "bismuthd.log"
	defaultLogLevel       = "info"
	defaultListen         = "0.0.0.0:7780"
)

// config holds every CLI flag spec.md §6 names for the node binary, plus
// the ambient flags (config file, log directory, debug levels) every
// daemon in this family carries.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- may also be specified per-subsystem, e.g. STOR=debug,NETSYNC=info"`

	Listen    string   `long:"listen" description:"Address to listen for peer connections on"`
	Bootstrap []string `long:"bootstrap" description:"Address of a peer to bootstrap blksync from; may be specified multiple times"`
	Database  string   `long:"database" description:"Path to the node's leveldb directory" required:"true"`

	StakerSK        string   `long:"staker-sk" description:"Hex-encoded Ed25519 staker secret key; if omitted and staker-listen is set, prompted interactively"`
	StakerListen    string   `long:"staker-listen" description:"Address to listen for consensus-round peer connections on"`
	StakerBootstrap []string `long:"staker-bootstrap" description:"Address of a consensus-round peer; may be specified multiple times"`

	GenesisConfig string `long:"genesis-config" description:"Path to a TOML genesis configuration file" required:"true"`
}

// loadConfig parses CLI flags (and, if present, a config file) into a
// config, applying defaults the way dcrd's own loadConfig does: parse
// once to locate -C/--configfile, parse the file, then re-parse the
// command line so flags always win over the file.
func loadConfig() (*config, []string, error) {
	preCfg := config{
		DataDir: defaultDataDirPath(),
		LogDir:  defaultLogDirPath(),
	}
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	cfg := preCfg
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = filepath.Join(cfg.DataDir, defaultConfigFilename)
	}
	if err := createDefaultConfigFile(cfg.ConfigFile); err != nil {
		return nil, nil, fmt.Errorf("creating default config file: %w", err)
	}
	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		parser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, nil, fmt.Errorf("parsing config file %s: %w", cfg.ConfigFile, err)
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = defaultLogLevel
	}
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.DataDir, "chain")
	}

	return &cfg, remainingArgs, nil
}

// createDefaultConfigFile writes the embedded sample config (and a
// sample genesis document alongside it) the first time bismuthd runs
// against a data directory that doesn't have one yet, the way dcrd seeds
// a fresh install with something to edit instead of an empty file.
func createDefaultConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(sampleconfig.Bismuthd()), 0600); err != nil {
		return err
	}
	genesisPath := filepath.Join(filepath.Dir(path), "genesis.toml")
	if _, err := os.Stat(genesisPath); os.IsNotExist(err) {
		if err := os.WriteFile(genesisPath, []byte(sampleconfig.Genesis()), 0600); err != nil {
			return err
		}
	}
	return nil
}

func defaultDataDirPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".bismuthd", defaultDataDirname)
	}
	return filepath.Join(dir, ".bismuthd", defaultDataDirname)
}

func defaultLogDirPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".bismuthd", "logs")
	}
	return filepath.Join(dir, ".bismuthd", "logs")
}

// loadGenesis resolves the --genesis-config TOML file into network
// parameters and the coin/staker set a fresh data directory seeds its
// state with (spec §6's CLI surface; chaincfg.GenesisConfig does the
// actual TOML decoding and field validation).
func loadGenesis(path string) (*chaincfg.GenesisConfig, error) {
	gc, err := chaincfg.LoadGenesisConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading genesis config %s: %w", path, err)
	}
	return gc, nil
}
