// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server answers Modbus requests from remote masters on behalf of
// one or more units, each backed by a DataMapping.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/framing"
	"github.com/ffutop/modbus-engine/modbus/rtu"
	"github.com/ffutop/modbus-engine/transport"
	"github.com/google/uuid"
)

const acceptRetryDelay = 100 * time.Millisecond

// Config of a Server.
type Config struct {
	Framing modbus.Framing
	// Silence is the line quiescence that ends an RTU frame. Zero selects
	// the fixed high speed gap.
	Silence time.Duration
	// MaxConns bounds concurrently served streams. Zero means unlimited.
	MaxConns int
	Decode   modbus.DecodeLevel
	Logger   *slog.Logger
}

// Stats counts server activity since creation.
type Stats struct {
	Connections   uint64
	Requests      uint64
	Exceptions    uint64
	Broadcasts    uint64
	Ignored       uint64
	FramingErrors uint64
}

type counters struct {
	connections   atomic.Uint64
	requests      atomic.Uint64
	exceptions    atomic.Uint64
	broadcasts    atomic.Uint64
	ignored       atomic.Uint64
	framingErrors atomic.Uint64
}

// Server implements a Modbus server over any transport.Listener.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	units map[byte]*Dispatcher

	slots chan struct{}
	stats counters

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server without units.
func New(cfg Config) *Server {
	if cfg.Framing == "" {
		cfg.Framing = modbus.FramingTCP
	}
	if cfg.Silence <= 0 {
		cfg.Silence = rtu.FrameDelay(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("framing", string(cfg.Framing)),
		units:  make(map[byte]*Dispatcher),
	}
	if cfg.MaxConns > 0 {
		s.slots = make(chan struct{}, cfg.MaxConns)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handle registers m as the storage of unit. Unit 0 is reserved for
// broadcast and cannot be registered.
func (s *Server) Handle(unit byte, m DataMapping) error {
	if unit == modbus.UnitBroadcast {
		return fmt.Errorf("modbus: unit id %d is reserved for broadcast", unit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[unit] = NewDispatcher(m)
	return nil
}

// Remove unregisters unit.
func (s *Server) Remove(unit byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.units, unit)
}

// Units returns the registered unit ids in ascending order.
func (s *Server) Units() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]byte, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:   s.stats.connections.Load(),
		Requests:      s.stats.requests.Load(),
		Exceptions:    s.stats.exceptions.Load(),
		Broadcasts:    s.stats.broadcasts.Load(),
		Ignored:       s.stats.ignored.Load(),
		FramingErrors: s.stats.framingErrors.Load(),
	}
}

// Start serves l in the background until Stop.
func (s *Server) Start(l transport.Listener) {
	s.lifeMu.Lock()
	ctx := s.ctx
	s.lifeMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ctx, l); err != nil {
			s.logger.Error("Modbus server stopped", "addr", l.String(), "err", err)
		}
	}()
}

// Stop closes every listener and stream started by Start and waits for
// them to finish. The server can be started again afterwards.
func (s *Server) Stop() {
	s.lifeMu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lifeMu.Unlock()
	s.wg.Wait()
}

// Serve accepts streams from l until ctx is done or l is closed.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	s.logger.Info("Modbus server listening", "addr", l.String())

	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Failed to accept connection", "addr", l.String(), "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		if !s.acquire() {
			s.logger.Warn("Connection limit reached, closing new connection", "max_conns", s.cfg.MaxConns)
			conn.Close()
			continue
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			defer s.release()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warn("Connection closed with error", "err", err)
			}
		}()
	}
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

// ServeConn answers requests arriving on conn until ctx is done or the
// stream ends. conn is closed on return.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()
	s.stats.connections.Add(1)

	logger := s.logger.With("conn", uuid.NewString())
	if nc, ok := conn.(net.Conn); ok {
		logger = logger.With("remote", nc.RemoteAddr().String())
	}
	logger.Info("New client connected")

	framer, err := framing.New(s.cfg.Framing, modbus.Requests)
	if err != nil {
		return err
	}
	pump := transport.StartPump(conn)
	defer pump.Stop()

	// Only RTU frames can end by silence alone.
	timed := s.cfg.Framing == modbus.FramingRTU
	silence := time.NewTimer(s.cfg.Silence)
	silence.Stop()
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pump.Err():
			if transport.IsClosed(err) {
				logger.Info("Client disconnected")
				return nil
			}
			return err
		case chunk := <-pump.Data():
			framer.Feed(chunk)
			if err := s.drain(conn, framer, logger); err != nil {
				return err
			}
			if timed {
				silence.Reset(s.cfg.Silence)
			}
		case <-silence.C:
			if pump.Pending(framer.Feed) {
				if err := s.drain(conn, framer, logger); err != nil {
					return err
				}
				silence.Reset(s.cfg.Silence)
				continue
			}
			framer.Flush()
			if err := s.drain(conn, framer, logger); err != nil {
				return err
			}
		}
	}
}

// drain answers every complete request buffered in framer.
func (s *Server) drain(w io.Writer, framer modbus.Framer, logger *slog.Logger) error {
	for {
		adu, err := framer.Next()
		if errors.Is(err, modbus.ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.stats.framingErrors.Add(1)
			logger.Debug("Discarded malformed request", "err", err)
			continue
		}
		s.cfg.Decode.Trace(logger, "Received request", adu, nil)

		resp, reply := s.Process(adu.UnitID, adu.Pdu)
		if !reply {
			continue
		}
		out := &modbus.ApplicationDataUnit{TransactionID: adu.TransactionID, UnitID: adu.UnitID, Pdu: resp}
		raw, err := framer.Encode(out)
		if err != nil {
			logger.Error("Failed to encode response", "err", err)
			continue
		}
		s.cfg.Decode.Trace(logger, "Sending response", out, raw)
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

// Process executes one request for unit and returns the response PDU.
// reply is false when nothing must be sent back: for broadcasts and for
// units this server does not own.
func (s *Server) Process(unit byte, pdu modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit, reply bool) {
	s.stats.requests.Add(1)
	if unit == modbus.UnitBroadcast {
		s.broadcast(pdu)
		return modbus.ProtocolDataUnit{}, false
	}

	s.mu.RLock()
	d := s.units[unit]
	s.mu.RUnlock()
	if d == nil {
		s.stats.ignored.Add(1)
		s.logger.Debug("Ignoring request for foreign unit", "unit", unit)
		return modbus.ProtocolDataUnit{}, false
	}

	resp = d.Dispatch(pdu)
	if modbus.IsException(resp.FunctionCode) {
		s.stats.exceptions.Add(1)
	}
	return resp, true
}

// broadcast applies a write to every unit. Broadcast reads are dropped.
func (s *Server) broadcast(pdu modbus.ProtocolDataUnit) {
	s.stats.broadcasts.Add(1)
	req, err := modbus.DecodeRequest(pdu)
	if err != nil {
		s.logger.Debug("Dropping undecodable broadcast", "err", err)
		return
	}
	if !req.IsWrite() {
		s.logger.Debug("Dropping broadcast of a read request", "func", modbus.FunctionName(req.FunctionCode))
		return
	}
	for _, unit := range s.Units() {
		s.mu.RLock()
		d := s.units[unit]
		s.mu.RUnlock()
		if d == nil {
			continue
		}
		if resp := d.Execute(req); resp.IsException() {
			s.logger.Debug("Broadcast rejected by unit", "unit", unit, "err", resp.Exception)
		}
	}
}
