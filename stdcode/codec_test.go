// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stdcode

import (
	"math/big"
	"testing"
)

func TestBytesRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutBytes([]byte("hello"))
	w.PutBytes(nil)
	w.PutU64(42)
	w.PutByte(7)

	r := NewReader(w.Bytes())
	b1, err := r.Bytes()
	if err != nil || string(b1) != "hello" {
		t.Fatalf("b1: %v %q", err, b1)
	}
	b2, err := r.Bytes()
	if err != nil || len(b2) != 0 {
		t.Fatalf("b2: %v %q", err, b2)
	}
	u, err := r.U64()
	if err != nil || u != 42 {
		t.Fatalf("u64: %v %d", err, u)
	}
	bt, err := r.Byte()
	if err != nil || bt != 7 {
		t.Fatalf("byte: %v %d", err, bt)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected no remaining bytes, got %d", r.Remaining())
	}
}

func TestU128RoundTrip(t *testing.T) {
	vals := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		new(big.Int).Lsh(big.NewInt(1), 120),
		new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)),
	}
	for _, v := range vals {
		w := NewWriter()
		if err := w.PutU128(v); err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		r := NewReader(w.Bytes())
		got, err := r.U128()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Cmp(v) != 0 {
			t.Fatalf("round trip mismatch: got %v want %v", got, v)
		}
	}
}

func TestU128Negative(t *testing.T) {
	w := NewWriter()
	if err := w.PutU128(big.NewInt(-1)); err == nil {
		t.Fatalf("expected error encoding negative u128")
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	type probe struct{ v uint64 }
	// Minimal Decoder that reads only one varint, leaving extra bytes.
	dec := decodeFunc(func(r *Reader) error {
		_, err := r.Uvarint()
		return err
	})
	w := NewWriter()
	w.PutUvarint(5)
	w.PutByte(0xAB)
	if err := Unmarshal(w.Bytes(), dec); err == nil {
		t.Fatalf("expected trailing-bytes error")
	}
}

type decodeFunc func(r *Reader) error

func (f decodeFunc) Decode(r *Reader) error { return f(r) }
