// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpc implements spec.md §4.I/§6's wire protocol: a length-
// prefixed, stdcode-framed request/response envelope carried over a
// keep-alive TCP connection. It plays the role the teacher's wire package
// plays for Decred's MsgTx/MsgBlock framing, generalized from a fixed
// message-type registry to a single generic (netname, verb, payload)
// envelope since bismuth's RPC surface is a small, fixed verb set rather
// than a full p2p protocol.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bismuthchain/bismuth/stdcode"
)

// MaxFrameSize bounds a single frame's payload (spec §6: "max payload
// 10 MiB"), guarding a peer from forcing an unbounded read-ahead
// allocation.
const MaxFrameSize = 10 << 20

// ProtoVersion is the only request envelope version this node emits or
// accepts.
const ProtoVersion = 1

// Verb names the RPC surface of spec §4.I.
type Verb string

const (
	VerbSendTx        Verb = "send_tx"
	VerbGetSummary     Verb = "get_summary"
	VerbGetAbbrBlock   Verb = "get_abbr_block"
	VerbGetBlock       Verb = "get_block"
	VerbGetSMTBranch   Verb = "get_smt_branch"
	VerbGetStakersRaw  Verb = "get_stakers_raw"
	VerbStreamFastsync Verb = "stream_fastsync"

	// VerbStreamletDiff carries one round's digest/diff exchange (spec
	// §4.G step 3) over the same request/response envelope as the rest
	// of the verb set -- gossip for an in-progress round is just another
	// RPC call, not a separate transport.
	VerbStreamletDiff Verb = "streamlet_diff"

	// VerbSubmitConfirm carries one staker's signature over a decided
	// header hash to a peer's signature-gathering task (spec §5: "one
	// signature-gathering task per finalized block awaiting its proof").
	VerbSubmitConfirm Verb = "submit_confirm"
)

// ResponseKind is the discriminant of a Response envelope (spec §6).
type ResponseKind string

const (
	KindOk      ResponseKind = "Ok"
	KindErr     ResponseKind = "Err"
	KindNoVerb  ResponseKind = "NoVerb"
)

// Request is the stdcode envelope of every call (spec §6).
type Request struct {
	ProtoVer uint8
	NetName  string
	Verb     Verb
	Payload  []byte
}

// Encode implements stdcode.Encoder.
func (r Request) Encode(w *stdcode.Writer) {
	w.PutByte(r.ProtoVer)
	w.PutBytes([]byte(r.NetName))
	w.PutBytes([]byte(r.Verb))
	w.PutBytes(r.Payload)
}

// Decode implements stdcode.Decoder.
func (r *Request) Decode(dr *stdcode.Reader) error {
	var err error
	if r.ProtoVer, err = dr.Byte(); err != nil {
		return err
	}
	name, err := dr.Bytes()
	if err != nil {
		return err
	}
	r.NetName = string(name)
	verb, err := dr.Bytes()
	if err != nil {
		return err
	}
	r.Verb = Verb(verb)
	if r.Payload, err = dr.Bytes(); err != nil {
		return err
	}
	return nil
}

// Response is the stdcode envelope of every reply (spec §6).
type Response struct {
	Kind ResponseKind
	Body []byte
}

// Encode implements stdcode.Encoder.
func (r Response) Encode(w *stdcode.Writer) {
	w.PutBytes([]byte(r.Kind))
	w.PutBytes(r.Body)
}

// Decode implements stdcode.Decoder.
func (r *Response) Decode(dr *stdcode.Reader) error {
	kind, err := dr.Bytes()
	if err != nil {
		return err
	}
	r.Kind = ResponseKind(kind)
	if r.Body, err = dr.Bytes(); err != nil {
		return err
	}
	return nil
}

// OkResponse wraps body in a successful envelope.
func OkResponse(body []byte) Response { return Response{Kind: KindOk, Body: body} }

// ErrResponse wraps an error's textual reason (spec §7: "sender informed
// via Err response body carrying the kind's textual name").
func ErrResponse(err error) Response { return Response{Kind: KindErr, Body: []byte(err.Error())} }

// AsError converts a non-Ok response into a Go error, or nil for Ok.
func (r Response) AsError() error {
	switch r.Kind {
	case KindOk:
		return nil
	case KindNoVerb:
		return fmt.Errorf("rpc: peer does not recognize this verb")
	default:
		return fmt.Errorf("rpc: %s", r.Body)
	}
}

// WriteFrame writes v's stdcode encoding length-prefixed by a u32_be
// (spec §6: "Frame: u32_be length || payload_bytes").
func WriteFrame(w io.Writer, v stdcode.Encoder) error {
	payload := stdcode.Marshal(v)
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func ReadFrame(r io.Reader, v stdcode.Decoder) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return fmt.Errorf("rpc: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return stdcode.Unmarshal(payload, v)
}
