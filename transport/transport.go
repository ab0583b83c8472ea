// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the byte stream capability the engine runs on.
// Sockets, TLS sessions and serial ports all reduce to an io.ReadWriteCloser
// once their own open or handshake step is done.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// Dialer opens a stream to a peer. A channel session calls Dial again after
// every link failure.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// Listener accepts streams from peers. Accept blocks until a stream is
// available or the listener is closed, in which case it returns an error
// wrapping net.ErrClosed.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	String() string
}

// IsClosed reports whether err is the result of using a closed stream.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

// Pump reads a stream on its own goroutine and delivers what it reads as
// chunks, so that the owner can select on inbound bytes alongside timers
// and submissions. The first read error ends the pump.
type Pump struct {
	data chan []byte
	errc chan error
	done chan struct{}
	once sync.Once
}

const pumpBufferSize = 512

// StartPump starts reading r.
func StartPump(r io.Reader) *Pump {
	p := &Pump{
		data: make(chan []byte),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go p.run(r)
	return p
}

func (p *Pump) run(r io.Reader) {
	for {
		buf := make([]byte, pumpBufferSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case p.data <- buf[:n]:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.errc <- err
			return
		}
	}
}

// Data delivers inbound chunks.
func (p *Pump) Data() <-chan []byte {
	return p.data
}

// Err delivers the read error that ended the pump.
func (p *Pump) Err() <-chan error {
	return p.errc
}

// Pending passes chunks that were already read but not yet received to
// feed, and reports whether there were any. A silence timer that fires
// while such a chunk waits does not mark the end of a frame.
func (p *Pump) Pending(feed func([]byte)) bool {
	fed := false
	for {
		select {
		case chunk := <-p.data:
			feed(chunk)
			fed = true
		default:
			return fed
		}
	}
}

// Stop releases the pump goroutine once the underlying stream is closed.
func (p *Pump) Stop() {
	p.once.Do(func() { close(p.done) })
}
