// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package node

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/transport"
	"github.com/ffutop/modbus-engine/transport/serial"
	"github.com/ffutop/modbus-engine/transport/tcp"
)

// Link types.
const (
	LinkTCP    = "tcp"
	LinkTLS    = "tls"
	LinkSerial = "serial"
)

func tlsOptions(c config.TLSConfig) *tcp.TLSOptions {
	return &tcp.TLSOptions{
		Mode:       tcp.CertificateMode(c.Mode),
		PeerCert:   c.PeerCert,
		LocalCert:  c.LocalCert,
		LocalKey:   c.LocalKey,
		ServerName: c.ServerName,
		MinVersion: c.MinVersion,
	}
}

// NewDialer maps a link section to a dialer. The returned silence is the
// RTU frame gap of serial links and zero otherwise.
func NewDialer(link config.LinkConfig) (transport.Dialer, time.Duration, error) {
	switch link.Type {
	case "", LinkTCP:
		return tcp.NewDialer(link.Tcp.Address), 0, nil
	case LinkTLS:
		cfg, err := tlsOptions(link.TLS).ClientConfig()
		if err != nil {
			return nil, 0, err
		}
		return tcp.NewTLSDialer(link.Tcp.Address, cfg), 0, nil
	case LinkSerial:
		d := serial.NewDialer(link.Serial)
		return d, d.Silence(), nil
	}
	return nil, 0, fmt.Errorf("unknown link type %q", link.Type)
}

func listen(address string, cfg *tls.Config) (transport.Listener, time.Duration, error) {
	l, err := tcp.Listen(address, cfg)
	if err != nil {
		return nil, 0, err
	}
	return l, 0, nil
}

// NewListener maps a link section to a bound listener.
func NewListener(link config.LinkConfig) (transport.Listener, time.Duration, error) {
	switch link.Type {
	case "", LinkTCP:
		return listen(link.Tcp.Address, nil)
	case LinkTLS:
		cfg, err := tlsOptions(link.TLS).ServerConfig()
		if err != nil {
			return nil, 0, err
		}
		return listen(link.Tcp.Address, cfg)
	case LinkSerial:
		l := serial.NewListener(link.Serial)
		return l, l.Silence(), nil
	}
	return nil, 0, fmt.Errorf("unknown link type %q", link.Type)
}
