// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
)

// Listener accepts TCP connections, optionally terminating TLS.
type Listener struct {
	listener net.Listener
	secure   bool
}

// Listen binds address. A nil cfg serves plain TCP.
func Listen(address string, cfg *tls.Config) (*Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if cfg != nil {
		listener = tls.NewListener(listener, cfg)
	}
	return &Listener{listener: listener, secure: cfg != nil}, nil
}

// Accept waits for the next connection. TLS handshakes complete lazily on
// the first read of the returned stream.
func (l *Listener) Accept() (io.ReadWriteCloser, error) {
	return l.listener.Accept()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Listener) String() string {
	if l.secure {
		return "tls://" + l.listener.Addr().String()
	}
	return "tcp://" + l.listener.Addr().String()
}
