// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package port wraps one transport.Conn with the packet protocol: the
// base-link handshake, header framing with optional payload
// compression, an ordered read loop, and the terminate sentinel
// exchange.
//
// A Port has three phases. After New, Handshake swaps Hello packets
// with the counterpart and refuses mismatched protocol versions or
// registries. Link then starts the read loop, which hands every
// packet to a Receiver in arrival order. Terminate or Close ends the
// link; Fail ends it because the counterpart sent something a correct
// peer never would.
//
// A Port never retries or reconnects. When the counterpart goes away,
// Done closes and Err reports why.
package port
