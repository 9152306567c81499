// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transport

// PeerPID is unsupported on this platform.
func PeerPID(Conn) (int, error) {
	return 0, ErrPeerCredentialsUnsupported
}
