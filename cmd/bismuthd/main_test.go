// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"
)

func TestAddrBookRandomPeerReturnsFalseWhenEmpty(t *testing.T) {
	b := newAddrBook(nil)
	if _, ok := b.RandomPeer(); ok {
		t.Fatalf("expected RandomPeer to report false for an empty book")
	}
}

func TestAddrBookRandomPeerOnlyEverReturnsSeededAddresses(t *testing.T) {
	addrs := []string{"peer1:7780", "peer2:7780", "peer3:7780"}
	b := newAddrBook(addrs)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		addr, ok := b.RandomPeer()
		if !ok {
			t.Fatalf("expected RandomPeer to succeed on a non-empty book")
		}
		seen[addr] = true
	}
	for addr := range seen {
		found := false
		for _, a := range addrs {
			if a == addr {
				found = true
			}
		}
		if !found {
			t.Fatalf("RandomPeer returned %q, not one of the seeded addresses", addr)
		}
	}
}

func TestResolveStakerKeyDecodesHexArgument(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	sk, err := resolveStakerKey(hex.EncodeToString(priv))
	if err != nil {
		t.Fatalf("resolveStakerKey: %v", err)
	}
	if sk.Equal(priv) == false {
		t.Fatalf("expected the decoded key to equal the original")
	}
}

func TestResolveStakerKeyRejectsMalformedHex(t *testing.T) {
	if _, err := resolveStakerKey("not-hex"); err == nil {
		t.Fatalf("expected an error for non-hex input")
	}
}

func TestResolveStakerKeyRejectsWrongLength(t *testing.T) {
	if _, err := resolveStakerKey(hex.EncodeToString([]byte("too short"))); err == nil {
		t.Fatalf("expected an error for a key of the wrong length")
	}
}

func TestStakerRewardDestIsDeterministicPerKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	dest1, err := stakerRewardDest(priv)
	if err != nil {
		t.Fatalf("stakerRewardDest: %v", err)
	}
	dest2, err := stakerRewardDest(priv)
	if err != nil {
		t.Fatalf("stakerRewardDest: %v", err)
	}
	if dest1 != dest2 {
		t.Fatalf("expected the same key to always derive the same reward destination")
	}

	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating second key: %v", err)
	}
	dest3, err := stakerRewardDest(otherPriv)
	if err != nil {
		t.Fatalf("stakerRewardDest: %v", err)
	}
	if dest1 == dest3 {
		t.Fatalf("expected different keys to derive different reward destinations")
	}
}
