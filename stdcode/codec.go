// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package stdcode implements the deterministic, length-prefixed binary
// encoding used for every on-wire and on-disk value in bismuth (spec.md §6).
// It plays the role the teacher's wire package plays for Decred's MsgTx/
// MsgBlock: a hand-rolled Encode/Decode pair per struct built over a small
// set of primitive writers and readers, with no reflection-based framework.
package stdcode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
)

// Writer accumulates an encoding. It never returns an error: all encode
// paths that could fail (Write into an in-memory buffer) cannot actually
// fail in practice, matching the teacher's wire.MsgTx.BtcEncode idiom of
// treating serialization as infallible for in-memory buffers.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// PutUvarint appends x as an unsigned LEB128 varint.
func (w *Writer) PutUvarint(x uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	w.buf = append(w.buf, tmp[:n]...)
}

// PutByte appends a single byte.
func (w *Writer) PutByte(b byte) {
	w.buf = append(w.buf, b)
}

// PutU64 appends x as 8 little-endian bytes (used for fixed-width fields
// like Header.height where a varint would not be self-describing enough
// for the historical on-disk key format, spec §6).
func (w *Writer) PutU64(x uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], x)
	w.buf = append(w.buf, tmp[:]...)
}

// PutU64BE appends x as 8 big-endian bytes. state uses it for the height
// bytes it hashes into History tree keys and the reward pseudo-coin id;
// storage's "h"/"p" LevelDB keys use the same big-endian layout but are
// built with encoding/binary directly.
func (w *Writer) PutU64BE(x uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], x)
	w.buf = append(w.buf, tmp[:]...)
}

// PutBytes appends a length-prefixed byte string.
func (w *Writer) PutBytes(b []byte) {
	w.PutUvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// PutFixed appends b verbatim, with no length prefix; used for fixed-width
// fields such as a chainhash.Hash or an Ed25519 public key/signature.
func (w *Writer) PutFixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// PutU128 appends x, which must be non-negative and fit in 128 bits, as a
// fixed 16-byte little-endian field -- the wire representation of every
// u128 value in spec.md (coin values, fees, stake amounts).
func (w *Writer) PutU128(x *big.Int) error {
	if x.Sign() < 0 {
		return fmt.Errorf("stdcode: negative u128 value")
	}
	b := x.Bytes() // big-endian, no leading zeros
	if len(b) > 16 {
		return fmt.Errorf("stdcode: u128 value overflows 16 bytes")
	}
	var tmp [16]byte
	copy(tmp[16-len(b):], b)
	// Store little-endian on the wire, matching PutU64's byte order choice.
	for i, j := 0, 15; i < j; i, j = i+1, j-1 {
		tmp[i], tmp[j] = tmp[j], tmp[i]
	}
	w.buf = append(w.buf, tmp[:]...)
	return nil
}

// Reader consumes an encoding produced by Writer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Uvarint reads an unsigned LEB128 varint.
func (r *Reader) Uvarint() (uint64, error) {
	x, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.off += n
	return x, nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

// U64 reads 8 little-endian bytes.
func (r *Reader) U64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	x := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return x, nil
}

// U64BE reads 8 big-endian bytes.
func (r *Reader) U64BE() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	x := binary.BigEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return x, nil
}

// Bytes reads a length-prefixed byte string. The returned slice aliases the
// Reader's backing array; callers that retain it past further reads must
// copy.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("stdcode: length-prefixed field claims %d bytes, only %d remain", n, r.Remaining())
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Fixed reads exactly n bytes verbatim.
func (r *Reader) Fixed(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// U128 reads a fixed 16-byte little-endian field back into a *big.Int.
func (r *Reader) U128() (*big.Int, error) {
	b, err := r.Fixed(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = b[15-i]
	}
	return new(big.Int).SetBytes(be), nil
}

// Encoder is implemented by every stdcode-serializable bismuth type.
type Encoder interface {
	Encode(w *Writer)
}

// Decoder is implemented by every stdcode-deserializable bismuth type.
type Decoder interface {
	Decode(r *Reader) error
}

// Marshal encodes v to its canonical byte representation.
func Marshal(v Encoder) []byte {
	w := NewWriter()
	v.Encode(w)
	return w.Bytes()
}

// Unmarshal decodes b into v, returning an error if trailing bytes remain
// (stdcode framing is exact: spec §6 "Round-trip is exact").
func Unmarshal(b []byte, v Decoder) error {
	r := NewReader(b)
	if err := v.Decode(r); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("stdcode: %d trailing bytes after decode", r.Remaining())
	}
	return nil
}
