// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/bureau-foundation/modrpc/lib/clock"
)

// Compile-time interface check.
var _ Conn = (*SocketConn)(nil)

// frameBuffer is how many complete frames the reader may assemble
// ahead of Recv.
const frameBuffer = 64

// SocketConn frames a stream socket.
type SocketConn struct {
	conn  net.Conn
	clock clock.Clock

	writeMu sync.Mutex

	frames    chan []byte
	readErr   error // written before frames is closed
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocketConn wraps conn and starts its reader. c drives Recv
// timeouts; nil means wall-clock time.
func NewSocketConn(conn net.Conn, c clock.Clock) *SocketConn {
	s := &SocketConn{
		conn:   conn,
		clock:  clock.OrReal(c),
		frames: make(chan []byte, frameBuffer),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Send writes one length-prefixed frame.
func (s *SocketConn) Send(data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		if s.isClosed() || errors.Is(err, net.ErrClosed) || peerGone(err) {
			return ErrClosed
		}
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// Recv returns the next frame.
func (s *SocketConn) Recv(timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		expired = s.clock.After(timeout)
	}
	select {
	case frame, ok := <-s.frames:
		if !ok {
			return nil, s.readErr
		}
		return frame, nil
	case <-expired:
		return nil, ErrTimeout
	}
}

// Close closes the socket. The reader drains and exits.
func (s *SocketConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// NetConn returns the wrapped socket.
func (s *SocketConn) NetConn() net.Conn { return s.conn }

func (s *SocketConn) readLoop() {
	defer close(s.frames)

	var prefix [4]byte
	for {
		if _, err := io.ReadFull(s.conn, prefix[:]); err != nil {
			s.readErr = s.classify(err)
			return
		}
		size := binary.BigEndian.Uint32(prefix[:])
		if size > MaxFrameSize {
			s.readErr = ErrFrameTooLarge
			s.conn.Close()
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(s.conn, frame); err != nil {
			s.readErr = s.classify(err)
			return
		}
		select {
		case s.frames <- frame:
		case <-s.closed:
			s.readErr = ErrClosed
			return
		}
	}
}

func (s *SocketConn) classify(err error) error {
	if s.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || peerGone(err) {
		return ErrClosed
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("transport: peer closed mid-frame: %w", ErrClosed)
	}
	return fmt.Errorf("transport: reading frame: %w", err)
}

// peerGone reports whether err means the counterpart's end of the socket
// is gone rather than the stream being damaged.
func peerGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

func (s *SocketConn) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
