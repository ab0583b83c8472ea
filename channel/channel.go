// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package channel is the master side of the engine. A Channel owns one
// link to a remote server, keeps it connected, and runs the submitted
// requests over it one at a time, in submission order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/framing"
	"github.com/ffutop/modbus-engine/modbus/rtu"
	"github.com/ffutop/modbus-engine/transport"
	"github.com/google/uuid"
)

const (
	defaultTimeout          = time.Second
	defaultMaxQueued        = 16
	defaultMaxFramingErrors = 16
	defaultBackoffMin       = 500 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
	defaultBackoffFactor    = 2.0
)

// Backoff bounds the delay between reconnect attempts. The delay starts
// at Min and grows by Multiplier up to Max.
type Backoff struct {
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// Config of a Channel.
type Config struct {
	// Name identifies the channel in logs. Defaults to the dialer address.
	Name    string
	Framing modbus.Framing
	Dialer  transport.Dialer

	// Timeout is the response timeout of one attempt.
	Timeout time.Duration
	// Retries is the number of re-sends after a timed out attempt.
	Retries int
	// MaxQueued bounds the requests waiting on the channel, the one in
	// flight included. Further submitters block.
	MaxQueued int
	// Silence is the line quiescence that ends an RTU frame. Zero selects
	// the fixed high speed gap.
	Silence time.Duration
	// Pause is the minimum gap between the end of one transaction and the
	// next request, for slow serial devices.
	Pause   time.Duration
	Backoff Backoff
	// MaxFramingErrors consecutive desyncs are treated as a lost link. On
	// RTU and ASCII one noise burst is one desync. Negative disables the
	// check.
	MaxFramingErrors int

	Decode   modbus.DecodeLevel
	Logger   *slog.Logger
	Listener Listener
}

// Stats counts channel activity since creation.
type Stats struct {
	Requests      uint64
	Responses     uint64
	Exceptions    uint64
	Timeouts      uint64
	Retries       uint64
	FramingErrors uint64
	Unmatched     uint64
	Reconnects    uint64
}

type counters struct {
	requests      atomic.Uint64
	responses     atomic.Uint64
	exceptions    atomic.Uint64
	timeouts      atomic.Uint64
	retries       atomic.Uint64
	framingErrors atomic.Uint64
	unmatched     atomic.Uint64
	reconnects    atomic.Uint64
}

// call is a submission handed to the owner goroutine.
type call struct {
	ctx    context.Context
	unit   byte
	req    *modbus.Request
	pdu    modbus.ProtocolDataUnit
	result chan result
}

type result struct {
	resp *modbus.Response
	err  error
}

// Channel is a master session over one link. All link and queue state is
// owned by a single goroutine; callers only hand requests to it.
type Channel struct {
	cfg    Config
	logger *slog.Logger

	submit  chan *call
	stopped chan struct{}
	state   atomic.Int32
	stats   counters

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates a disabled channel. Start enables it.
func New(cfg Config) (*Channel, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("modbus: channel requires a dialer")
	}
	if cfg.Framing == "" {
		cfg.Framing = modbus.FramingTCP
	}
	if _, err := framing.New(cfg.Framing, modbus.Responses); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Dialer.String()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	if cfg.Silence <= 0 {
		cfg.Silence = rtu.FrameDelay(0)
	}
	if cfg.MaxFramingErrors == 0 {
		cfg.MaxFramingErrors = defaultMaxFramingErrors
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff.Min = defaultBackoffMin
	}
	if cfg.Backoff.Max < cfg.Backoff.Min {
		cfg.Backoff.Max = max(defaultBackoffMax, cfg.Backoff.Min)
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = defaultBackoffFactor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		logger:  logger.With("channel", cfg.Name, "id", uuid.NewString()[:8], "framing", string(cfg.Framing)),
		submit:  make(chan *call),
		stopped: make(chan struct{}),
	}, nil
}

// Name returns the channel name used in logs.
func (c *Channel) Name() string {
	return c.cfg.Name
}

// State returns the current link state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("Channel state changed", "state", s.String())
	if c.cfg.Listener != nil {
		c.cfg.Listener(s)
	}
}

// Stats returns a snapshot of the counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Requests:      c.stats.requests.Load(),
		Responses:     c.stats.responses.Load(),
		Exceptions:    c.stats.exceptions.Load(),
		Timeouts:      c.stats.timeouts.Load(),
		Retries:       c.stats.retries.Load(),
		FramingErrors: c.stats.framingErrors.Load(),
		Unmatched:     c.stats.unmatched.Load(),
		Reconnects:    c.stats.reconnects.Load(),
	}
}

// Start connects the channel in the background and keeps it connected
// until ctx is done or Close is called. A channel starts once.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("modbus: channel already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close shuts the channel down. Pending requests fail with
// ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.cancel = func() {}
		close(c.stopped)
		c.setState(Shutdown)
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	<-c.stopped
	return nil
}

// Submit sends req to unit and waits for the answer. A protocol exception
// is a successful outcome: it is returned in the Response, not as an
// error. Invalid requests fail with ErrInvalidRequest before anything is
// sent. If ctx ends first, Submit returns ctx.Err() while the request, if
// already on the wire, runs to its own completion.
//
// A broadcast (unit 0) is only allowed for writes; it resolves with an
// empty Response as soon as it is written. Units above 247 are only
// addressable over TCP.
func (c *Channel) Submit(ctx context.Context, unit byte, req *modbus.Request) (*modbus.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if unit == modbus.UnitBroadcast && !req.IsWrite() {
		return nil, fmt.Errorf("%w: broadcast of '%s' gets no response", modbus.ErrInvalidRequest, modbus.FunctionName(req.FunctionCode))
	}
	if unit > modbus.UnitMax && !framing.MatchesByTransactionID(c.cfg.Framing) {
		return nil, fmt.Errorf("%w: unit %d is reserved on serial framings", modbus.ErrInvalidRequest, unit)
	}
	pdu, err := modbus.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if c.State() != Connected {
		return nil, modbus.ErrChannelClosed
	}

	cl := &call{ctx: ctx, unit: unit, req: req, pdu: pdu, result: make(chan result, 1)}
	select {
	case c.submit <- cl:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopped:
		return nil, modbus.ErrChannelClosed
	}
	select {
	case r := <-cl.result:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func reject(cl *call) {
	cl.result <- result{err: modbus.ErrChannelClosed}
}

func (c *Channel) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Backoff.Min
	bo.MaxInterval = c.cfg.Backoff.Max
	bo.Multiplier = c.cfg.Backoff.Multiplier
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// run is the owner goroutine: connect, serve the link until it fails,
// wait, and connect again.
func (c *Channel) run(ctx context.Context) {
	defer close(c.stopped)
	defer c.setState(Shutdown)

	bo := c.newBackOff()
	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			c.logger.Warn("Failed to connect", "addr", c.cfg.Dialer.String(), "retry_in", delay, "err", err)
			c.setState(WaitAfterFailedConnect)
			if !c.idle(ctx, delay) {
				return
			}
			continue
		}

		bo.Reset()
		c.setState(Connected)
		c.logger.Info("Channel connected", "addr", c.cfg.Dialer.String())
		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			c.logger.Info("Channel closed")
			return
		}

		c.stats.reconnects.Add(1)
		delay := bo.NextBackOff()
		c.logger.Warn("Channel disconnected", "retry_in", delay, "err", err)
		c.setState(WaitAfterDisconnect)
		if !c.idle(ctx, delay) {
			return
		}
	}
}

// dial connects while rejecting submissions.
func (c *Channel) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	type dialed struct {
		conn io.ReadWriteCloser
		err  error
	}
	ch := make(chan dialed, 1)
	go func() {
		conn, err := c.cfg.Dialer.Dial(ctx)
		ch <- dialed{conn, err}
	}()
	for {
		select {
		case d := <-ch:
			return d.conn, d.err
		case cl := <-c.submit:
			reject(cl)
		case <-ctx.Done():
			go func() {
				if d := <-ch; d.conn != nil {
					d.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}

// idle waits d while rejecting submissions. It returns false once ctx is
// done.
func (c *Channel) idle(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case cl := <-c.submit:
			reject(cl)
		case <-ctx.Done():
			return false
		}
	}
}
