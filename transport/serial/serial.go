// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial opens serial lines for RTU and ASCII framing.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/modbus/rtu"
	"github.com/grid-x/serial"
)

const (
	// Default read timeout. Reads that time out are retried, so this only
	// bounds how long a blocked read takes to notice a closed port.
	serialTimeout = 500 * time.Millisecond
)

// open is replaced in tests.
var open = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

func portConfig(cfg config.SerialConfig) serial.Config {
	c := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
		RS485: serial.RS485Config{
			Enabled:            cfg.RS485,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		},
	}
	if c.Timeout <= 0 {
		c.Timeout = serialTimeout
	}
	return c
}

// port hides read timeouts of the underlying device: a read returns only
// with data or with a real error.
type port struct {
	io.ReadWriteCloser
	release func()
	once    sync.Once
}

func (p *port) Read(b []byte) (int, error) {
	for {
		n, err := p.ReadWriteCloser.Read(b)
		if errors.Is(err, serial.ErrTimeout) && n == 0 {
			continue
		}
		return n, err
	}
}

func (p *port) Close() error {
	err := p.ReadWriteCloser.Close()
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
	return err
}

// Dialer opens the serial port for a channel session.
type Dialer struct {
	Config serial.Config
}

// NewDialer maps the serial section of the configuration.
func NewDialer(cfg config.SerialConfig) *Dialer {
	return &Dialer{Config: portConfig(cfg)}
}

func (d *Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	p, err := open(&d.Config)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", d.Config.Address, err)
	}
	return &port{ReadWriteCloser: p}, nil
}

// Silence returns the inter-frame gap at the configured baud rate.
func (d *Dialer) Silence() time.Duration {
	return rtu.FrameDelay(d.Config.BaudRate)
}

func (d *Dialer) String() string {
	return "serial://" + d.Config.Address
}

// Listener serves a serial line to a server. A line carries one stream at
// a time: Accept opens the port and blocks further calls until that stream
// is closed.
type Listener struct {
	Config serial.Config

	free   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewListener maps the serial section of the configuration.
func NewListener(cfg config.SerialConfig) *Listener {
	l := &Listener{
		Config: portConfig(cfg),
		free:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	l.free <- struct{}{}
	return l
}

func (l *Listener) Accept() (io.ReadWriteCloser, error) {
	select {
	case <-l.closed:
		return nil, fmt.Errorf("serial %s: %w", l.Config.Address, net.ErrClosed)
	case <-l.free:
	}
	select {
	case <-l.closed:
		l.free <- struct{}{}
		return nil, fmt.Errorf("serial %s: %w", l.Config.Address, net.ErrClosed)
	default:
	}
	p, err := open(&l.Config)
	if err != nil {
		l.free <- struct{}{}
		return nil, fmt.Errorf("could not open %s: %w", l.Config.Address, err)
	}
	return &port{ReadWriteCloser: p, release: func() { l.free <- struct{}{} }}, nil
}

// Silence returns the inter-frame gap at the configured baud rate.
func (l *Listener) Silence() time.Duration {
	return rtu.FrameDelay(l.Config.BaudRate)
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *Listener) String() string {
	return "serial://" + l.Config.Address
}
