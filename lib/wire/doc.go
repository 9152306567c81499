// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the packet layout shared by both ends of a link.
//
// Every packet is a fixed [HeaderSize]-byte header followed by a CBOR
// payload:
//
//	offset  size  field
//	0       1     kind
//	1       1     flags (payload compression)
//	2       2     trait id
//	4       4     method id
//	8       4     object (slot token in the callee's table)
//	12      4     call slot (correlates a return with its call)
//
// All multi-byte fields are big endian. The transport delivers whole
// frames, so the payload is simply the rest of the frame.
//
// Two bootstrap sentinels travel out of band on the same channel:
// [SentinelInit] and [SentinelTerminate]. Both are shorter than
// HeaderSize, so a receiver can tell a sentinel from a packet by length
// alone. Anything that fails to parse is a [*ProtocolError]; the link
// that produced it cannot be resynchronized and must be torn down.
package wire
