// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerPID returns the process id of the peer of a unix-socket Conn.
func PeerPID(conn Conn) (int, error) {
	socket, ok := conn.(*SocketConn)
	if !ok {
		return 0, errors.New("transport: peer credentials need a socket connection")
	}
	unixConn, ok := socket.NetConn().(*net.UnixConn)
	if !ok {
		return 0, errors.New("transport: peer credentials need a unix socket")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("transport: raw socket: %w", err)
	}

	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, fmt.Errorf("transport: socket control: %w", err)
	}
	if credentialsErr != nil {
		return 0, fmt.Errorf("transport: SO_PEERCRED: %w", credentialsErr)
	}
	return int(credentials.Pid), nil
}
