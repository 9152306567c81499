// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding shared by every layer of the
// module RPC runtime.
//
// Everything that crosses a port is CBOR: call arguments and results,
// the base-link Hello, handle-exchange batches, and the bootstrap
// transport address passed to executees. Both ends of a link must
// encode identically, so the encoder uses Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items.
//
// Payloads are framed behind a fixed-size packet header. [MarshalAfter]
// encodes a value after a run of reserved bytes so the caller can fill
// in the header without copying the payload:
//
//	buffer, err := codec.MarshalAfter(wire.HeaderSize, args)
//	header.Put(buffer)
//
// [Unmarshal] rejects trailing bytes. A payload that decodes with
// leftover data is treated the same as a malformed one, since a correct
// peer never produces either.
//
// Wire types use `cbor` struct tags. They are never serialized as JSON.
package codec
