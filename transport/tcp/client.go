// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp provides TCP and TLS streams for channels and servers.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	tcpTimeout = 10 * time.Second
)

// Dialer connects to a remote server over TCP, optionally wrapped in TLS.
type Dialer struct {
	Address string
	// Timeout bounds connection establishment including the TLS handshake.
	Timeout time.Duration
	// TLS enables TLS when set.
	TLS *tls.Config
}

// NewDialer allocates a plain TCP dialer.
func NewDialer(address string) *Dialer {
	return &Dialer{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// NewTLSDialer allocates a dialer that performs a TLS handshake with cfg.
func NewTLSDialer(address string, cfg *tls.Config) *Dialer {
	d := NewDialer(address)
	d.TLS = cfg
	return d
}

func (d *Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if d.TLS == nil {
		conn, err := nd.DialContext(ctx, "tcp", d.Address)
		if err != nil {
			return nil, fmt.Errorf("modbus: failed to connect to %s: %w", d.Address, err)
		}
		return conn, nil
	}
	td := &tls.Dialer{NetDialer: nd, Config: d.TLS}
	conn, err := td.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("modbus: tls handshake with %s: %w", d.Address, err)
	}
	return conn, nil
}

func (d *Dialer) String() string {
	if d.TLS != nil {
		return "tls://" + d.Address
	}
	return "tcp://" + d.Address
}
