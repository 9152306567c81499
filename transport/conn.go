// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/modrpc/lib/codec"
)

// MaxFrameSize bounds a single frame in either direction.
const MaxFrameSize = 64 << 20

var (
	// ErrClosed is returned once either end of the channel has closed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrTimeout is returned by Recv and Accept when the timeout
	// elapses first.
	ErrTimeout = errors.New("transport: timed out")

	// ErrFrameTooLarge is returned for frames over MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

	// ErrPeerCredentialsUnsupported is returned by PeerPID where the
	// platform has no SO_PEERCRED.
	ErrPeerCredentialsUnsupported = errors.New("transport: peer credentials are only available on linux")
)

// Conn is an ordered, reliable, framed duplex channel.
type Conn interface {
	// Send transmits one frame. Blocks only as long as the
	// underlying channel blocks. The caller may reuse data after
	// Send returns.
	Send(data []byte) error

	// Recv returns the next frame. A timeout <= 0 blocks until a
	// frame arrives or the channel closes.
	Recv(timeout time.Duration) ([]byte, error)

	// Close releases the channel. The peer's pending and future Recv
	// calls return ErrClosed once buffered frames are drained.
	// Idempotent.
	Close() error
}

// Networks an Address may name.
const (
	NetworkUnix   = "unix"
	NetworkTCP    = "tcp"
	NetworkMemory = "memory"
)

// Address names a listening endpoint.
type Address struct {
	Network string `cbor:"network"`
	Path    string `cbor:"path"`
}

func (a Address) String() string { return a.Network + ":" + a.Path }

// Validate checks that the network is known and the path non-empty.
func (a Address) Validate() error {
	switch a.Network {
	case NetworkUnix, NetworkTCP, NetworkMemory:
	default:
		return fmt.Errorf("transport: unknown network %q", a.Network)
	}
	if a.Path == "" {
		return fmt.Errorf("transport: %s address has an empty path", a.Network)
	}
	return nil
}

// Encode returns the hex form of the address's CBOR encoding.
func (a Address) Encode() string {
	data, err := codec.Marshal(a)
	if err != nil {
		// Two strings always encode.
		panic("transport: encoding address: " + err.Error())
	}
	return hex.EncodeToString(data)
}

// DecodeAddress parses the Encode form.
func DecodeAddress(encoded string) (Address, error) {
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return Address{}, fmt.Errorf("transport: bootstrap address is not hex: %w", err)
	}
	var address Address
	if err := codec.Unmarshal(data, &address); err != nil {
		return Address{}, fmt.Errorf("transport: bootstrap address is not a CBOR address: %w", err)
	}
	if err := address.Validate(); err != nil {
		return Address{}, err
	}
	return address, nil
}
