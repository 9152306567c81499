// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the raw duplex byte channels that ports
// run over.
//
// The runtime asks only three things of a channel: send a frame,
// receive a frame (optionally with a timeout), and deliver frames in
// order. [Conn] captures that contract. Two implementations exist:
//
//   - [SocketConn] frames bytes over a stream socket (unix or tcp) with
//     a 4-byte big-endian length prefix. A single reader goroutine
//     assembles whole frames, so a Recv that times out never leaves a
//     half-read frame behind.
//   - [MemoryPipe] connects two in-process ends through channels. Tests
//     use it directly, and the executor's thread mode reaches it through
//     a [MemoryHub] so in-process modules follow the same bootstrap
//     contract as spawned ones.
//
// An [Address] names a listening endpoint. Its [Address.Encode] form
// (hex over CBOR) is what a parent passes to a spawned module as
// argv[1].
//
// [PeerPID] reads SO_PEERCRED from a unix connection so a parent can
// confirm that the process that connected back is the process it
// launched.
package transport
