// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/handle"
)

// HeaderSize is the fixed length of every packet header.
const HeaderSize = 16

// Kind is the packet type.
type Kind uint8

const (
	// KindHello carries the base-link handshake.
	KindHello Kind = 1 + iota
	// KindCall invokes a method on an exported object.
	KindCall
	// KindReturn carries a call's result back to the caller's slot.
	KindReturn
	// KindDelete frees an exported object. One-way.
	KindDelete
	// KindExchange carries the bootstrap handle-exchange batches.
	KindExchange
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindDelete:
		return "delete"
	case KindExchange:
		return "exchange"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool { return k >= KindHello && k <= KindExchange }

// Flag bits describe how the payload is encoded.
type Flag uint8

const (
	// FlagLZ4 marks an LZ4 block-compressed payload.
	FlagLZ4 Flag = 1 << iota
	// FlagZstd marks a zstd-compressed payload.
	FlagZstd

	knownFlags = FlagLZ4 | FlagZstd
)

// Header is the decoded packet header.
type Header struct {
	Kind   Kind
	Flags  Flag
	Trait  handle.TraitID
	Method handle.MethodID
	Object handle.ObjectID
	Slot   uint32
}

// Put writes h into buffer[:HeaderSize]. Panics if buffer is shorter
// than HeaderSize.
func (h Header) Put(buffer []byte) {
	_ = buffer[HeaderSize-1]
	buffer[0] = byte(h.Kind)
	buffer[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buffer[2:4], uint16(h.Trait))
	binary.BigEndian.PutUint32(buffer[4:8], uint32(h.Method))
	binary.BigEndian.PutUint32(buffer[8:12], uint32(h.Object))
	binary.BigEndian.PutUint32(buffer[12:16], h.Slot)
}

// ParseHeader splits frame into its header and payload.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes is shorter than the %d-byte header", len(frame), HeaderSize)}
	}
	h := Header{
		Kind:   Kind(frame[0]),
		Flags:  Flag(frame[1]),
		Trait:  handle.TraitID(binary.BigEndian.Uint16(frame[2:4])),
		Method: handle.MethodID(binary.BigEndian.Uint32(frame[4:8])),
		Object: handle.ObjectID(binary.BigEndian.Uint32(frame[8:12])),
		Slot:   binary.BigEndian.Uint32(frame[12:16]),
	}
	if !h.Kind.valid() {
		return Header{}, nil, &ProtocolError{Reason: fmt.Sprintf("unknown packet %s", h.Kind)}
	}
	if h.Flags&^knownFlags != 0 {
		return Header{}, nil, &ProtocolError{Reason: fmt.Sprintf("unknown flag bits %#x", uint8(h.Flags&^knownFlags))}
	}
	return h, frame[HeaderSize:], nil
}

// Bootstrap sentinels. Null-terminated ASCII.
var (
	SentinelInit      = []byte("#INIT\x00")
	SentinelTerminate = []byte("#TERMINATE\x00")
)

// IsSentinel reports whether frame is exactly sentinel.
func IsSentinel(frame, sentinel []byte) bool {
	return bytes.Equal(frame, sentinel)
}

// ProtocolError reports a frame a correct peer would never send.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol violation: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// maxDiagnostic bounds the payload rendering in a decode failure.
const maxDiagnostic = 128

// DecodeFailure returns a *ProtocolError for a payload that did not
// decode. The reason carries the payload in CBOR diagnostic notation, or
// its leading bytes in hex when it is not CBOR at all.
func DecodeFailure(what string, payload []byte, err error) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf("decoding %s (payload %s)", what, renderPayload(payload)), Err: err}
}

func renderPayload(payload []byte) string {
	if len(payload) == 0 {
		return "empty"
	}
	notation, err := codec.Diagnose(payload)
	if err != nil {
		shown := payload
		if len(shown) > maxDiagnostic/4 {
			shown = shown[:maxDiagnostic/4]
		}
		return fmt.Sprintf("%d bytes: % x", len(payload), shown)
	}
	if len(notation) > maxDiagnostic {
		notation = notation[:maxDiagnostic] + "..."
	}
	return notation
}

// Violation returns a *ProtocolError with a formatted reason.
func Violation(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
