// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sampleconfig embeds the commented example config files shipped
// alongside the bismuthd binary, the same way dcrd ships its own sample
// dcrd.conf for `bismuthd --configfile` users to copy and edit.
package sampleconfig

import (
	_ "embed"
)

// sampleBismuthdConf is a string containing the commented example config
// for bismuthd.
//
//go:embed sample-bismuthd.conf
var sampleBismuthdConf string

// sampleGenesisConf is a string containing a commented example
// --genesis-config TOML document.
//
//go:embed sample-genesis.toml
var sampleGenesisConf string

// Bismuthd returns a string containing the commented example config for
// bismuthd.
func Bismuthd() string {
	return sampleBismuthdConf
}

// Genesis returns a string containing a commented example
// --genesis-config TOML document.
func Genesis() string {
	return sampleGenesisConf
}
