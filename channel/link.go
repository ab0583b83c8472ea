// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/modbus-engine/internal/transaction"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/framing"
	"github.com/ffutop/modbus-engine/transport"
)

// link is the state of one connected stream. It lives on the owner
// goroutine only.
type link struct {
	*Channel
	conn      io.ReadWriteCloser
	framer    modbus.Framer
	tracker   *transaction.Tracker
	matchByID bool

	// callers holds the submitter context of every queued transaction.
	callers map[*transaction.Transaction]context.Context

	deadline  *time.Timer
	silence   *time.Timer
	pause     *time.Timer
	holdUntil time.Time

	// framingErrors counts desyncs since the last good frame. On framings
	// matched by order a desync lasts until the line goes quiet or the
	// next request is written, however many bytes it discards.
	framingErrors int
	desynced      bool
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// serve runs requests over conn until the link fails or ctx is done. Every
// transaction still pending on return fails with ErrChannelClosed.
func (c *Channel) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	framer, err := framing.New(c.cfg.Framing, modbus.Responses)
	if err != nil {
		return err
	}
	matchByID := framing.MatchesByTransactionID(c.cfg.Framing)
	l := &link{
		Channel: c,
		conn:    conn,
		framer:  framer,
		tracker: transaction.NewTracker(transaction.Config{
			Timeout:    c.cfg.Timeout,
			MaxRetries: c.cfg.Retries,
			MatchByID:  matchByID,
		}),
		matchByID: matchByID,
		callers:   make(map[*transaction.Transaction]context.Context),
		deadline:  stoppedTimer(),
		silence:   stoppedTimer(),
		pause:     stoppedTimer(),
	}
	defer l.close()

	pump := transport.StartPump(conn)
	defer pump.Stop()

	// Only RTU frames can end by silence alone.
	timed := c.cfg.Framing == modbus.FramingRTU
	for {
		// A full queue stops taking submissions; senders wait in order.
		submit := c.submit
		if l.tracker.Pending() >= c.cfg.MaxQueued {
			submit = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case cl := <-submit:
			l.enqueue(cl)
			if err := l.dispatch(); err != nil {
				return err
			}

		case chunk := <-pump.Data():
			l.framer.Feed(chunk)
			if err := l.receive(); err != nil {
				return err
			}
			if timed {
				l.silence.Reset(c.cfg.Silence)
			}

		case err := <-pump.Err():
			return fmt.Errorf("link read failed: %w", err)

		case <-l.silence.C:
			if pump.Pending(l.framer.Feed) {
				if err := l.receive(); err != nil {
					return err
				}
				l.silence.Reset(c.cfg.Silence)
				continue
			}
			l.framer.Flush()
			if err := l.receive(); err != nil {
				return err
			}
			l.desynced = false

		case <-l.deadline.C:
			if err := l.expire(); err != nil {
				return err
			}

		case <-l.pause.C:
			if err := l.dispatch(); err != nil {
				return err
			}
		}
	}
}

func (l *link) close() {
	l.deadline.Stop()
	l.silence.Stop()
	l.pause.Stop()
	if failed := l.tracker.FailAll(modbus.ErrChannelClosed); len(failed) > 0 {
		l.logger.Debug("Failed pending requests", "count", len(failed))
	}
}

func (l *link) enqueue(cl *call) {
	l.stats.requests.Add(1)
	tx := &transaction.Transaction{
		UnitID:  cl.unit,
		Request: cl.req,
		Pdu:     cl.pdu,
		OnDone: func(tx *transaction.Transaction) {
			cl.result <- result{resp: tx.Response, err: tx.Err}
		},
	}
	l.callers[tx] = cl.ctx
	l.tracker.Enqueue(tx)
}

// dispatch sends queued requests while nothing is in flight. Requests
// whose submitter already gave up are dropped unsent.
func (l *link) dispatch() error {
	for l.tracker.Active() == nil && l.tracker.Queued() > 0 {
		now := time.Now()
		if now.Before(l.holdUntil) {
			l.pause.Reset(l.holdUntil.Sub(now))
			return nil
		}
		tx := l.tracker.Next(now)
		ctx := l.callers[tx]
		delete(l.callers, tx)
		if err := ctx.Err(); err != nil {
			l.tracker.Fail(tx, err)
			continue
		}

		adu := &modbus.ApplicationDataUnit{TransactionID: tx.TransactionID, UnitID: tx.UnitID, Pdu: tx.Pdu}
		frame, err := l.framer.Encode(adu)
		if err != nil {
			l.tracker.Fail(tx, err)
			continue
		}
		tx.Frame = frame
		l.cfg.Decode.Trace(l.logger, "Sending request", adu, frame)
		if _, err := l.conn.Write(frame); err != nil {
			return fmt.Errorf("failed to write request: %w", err)
		}
		l.desynced = false

		if tx.UnitID == modbus.UnitBroadcast {
			l.tracker.Resolve(tx, &modbus.Response{FunctionCode: tx.Request.FunctionCode})
			l.finished()
			continue
		}
		l.arm()
	}
	return nil
}

// arm sets the deadline timer to the transaction in flight.
func (l *link) arm() {
	if d, ok := l.tracker.Deadline(); ok {
		l.deadline.Reset(time.Until(d))
		return
	}
	l.deadline.Stop()
}

// finished starts the pause after a completed transaction.
func (l *link) finished() {
	l.deadline.Stop()
	if l.cfg.Pause > 0 {
		l.holdUntil = time.Now().Add(l.cfg.Pause)
	}
}

// receive handles every complete frame buffered in the framer.
func (l *link) receive() error {
	for {
		adu, err := l.framer.Next()
		if errors.Is(err, modbus.ErrIncomplete) {
			return l.dispatch()
		}
		if err != nil {
			l.stats.framingErrors.Add(1)
			l.logger.Debug("Discarded malformed frame", "err", err)
			if l.desynced {
				continue
			}
			l.framingErrors++
			l.desynced = !l.matchByID
			if l.cfg.MaxFramingErrors > 0 && l.framingErrors >= l.cfg.MaxFramingErrors {
				return fmt.Errorf("%d consecutive framing errors: %w", l.framingErrors, err)
			}
			continue
		}
		l.framingErrors = 0
		l.desynced = false
		l.cfg.Decode.Trace(l.logger, "Received response", adu, nil)

		tx := l.tracker.Match(adu)
		if tx == nil {
			l.stats.unmatched.Add(1)
			l.logger.Debug("Dropping unmatched response", "unit", adu.UnitID, "tid", adu.TransactionID)
			continue
		}
		resp, err := modbus.DecodeResponse(tx.Request.FunctionCode, adu.Pdu)
		if err == nil {
			err = tx.Request.Verify(resp)
		}
		if err != nil {
			l.logger.Debug("Rejecting response", "unit", adu.UnitID, "tid", adu.TransactionID, "err", err)
			l.tracker.Fail(tx, err)
		} else {
			l.stats.responses.Add(1)
			if resp.IsException() {
				l.stats.exceptions.Add(1)
			}
			l.tracker.Resolve(tx, resp)
		}
		l.finished()
	}
}

// expire handles the deadline of the transaction in flight.
func (l *link) expire() error {
	tx := l.tracker.Expire(time.Now())
	if tx == nil {
		l.arm()
		return nil
	}
	l.resync()
	if l.tracker.Retry(tx) {
		l.stats.retries.Add(1)
		l.logger.Debug("Retrying request", "unit", tx.UnitID, "tid", tx.TransactionID, "attempt", tx.Retries+1)
		if _, err := l.conn.Write(tx.Frame); err != nil {
			return fmt.Errorf("failed to write request: %w", err)
		}
		l.desynced = false
		l.tracker.Resend(tx, time.Now())
		l.arm()
		return nil
	}
	l.stats.timeouts.Add(1)
	l.logger.Warn("Request timed out", "unit", tx.UnitID, "func", modbus.FunctionName(tx.Request.FunctionCode), "err", tx.Err)
	l.finished()
	return l.dispatch()
}

// resync drops a partial frame after a timeout. Frames matched by order
// cannot tell a late answer from the next one.
func (l *link) resync() {
	if !l.matchByID {
		l.framer.Reset()
	}
}
