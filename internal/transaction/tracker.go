// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transaction correlates requests with responses on one channel.
// The Tracker never starts goroutines or timers: callers pass the current
// time in, which keeps every transition testable without a clock.
package transaction

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
)

// State of a pending transaction.
type State int

const (
	Submitted State = iota
	AwaitingResponse
	Resolved
	TimedOut
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case AwaitingResponse:
		return "awaiting_response"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Resolved || s == Failed
}

// Transaction is one submitted request and its retry state.
type Transaction struct {
	UnitID  byte
	Request *modbus.Request
	Pdu     modbus.ProtocolDataUnit

	// TransactionID is assigned when the transaction is dispatched.
	TransactionID uint16
	// Frame holds the encoded ADU; a retry re-sends it unchanged.
	Frame []byte

	State    State
	Deadline time.Time
	Retries  int

	Response *modbus.Response
	Err      error

	// OnDone is invoked exactly once, on the transition to Resolved or Failed.
	OnDone func(*Transaction)
}

func (tx *Transaction) finish(state State, resp *modbus.Response, err error) {
	if tx.State.Terminal() {
		return
	}
	tx.State = state
	tx.Response = resp
	tx.Err = err
	if tx.OnDone != nil {
		tx.OnDone(tx)
	}
}

// Config of a Tracker.
type Config struct {
	Timeout time.Duration
	// MaxRetries is the number of re-sends after the first attempt timed out.
	MaxRetries int
	// MatchByID correlates responses by transaction id (TCP). Otherwise the
	// next frame answers the transaction in flight.
	MatchByID bool
}

// Tracker holds a FIFO of submitted transactions and at most one in flight.
type Tracker struct {
	cfg    Config
	queue  []*Transaction
	active *Transaction
	nextID uint16
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Enqueue appends tx in arrival order.
func (t *Tracker) Enqueue(tx *Transaction) {
	tx.State = Submitted
	t.queue = append(t.queue, tx)
}

// Queued returns the number of transactions waiting for dispatch.
func (t *Tracker) Queued() int {
	return len(t.queue)
}

// Pending returns queued plus in flight transactions.
func (t *Tracker) Pending() int {
	n := len(t.queue)
	if t.active != nil {
		n++
	}
	return n
}

// Active returns the transaction awaiting a response, or nil.
func (t *Tracker) Active() *Transaction {
	return t.active
}

// Next dispatches the oldest queued transaction if none is in flight. The
// returned transaction has its TransactionID assigned and its deadline
// armed; the caller encodes and sends it.
func (t *Tracker) Next(now time.Time) *Transaction {
	if t.active != nil || len(t.queue) == 0 {
		return nil
	}
	tx := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]

	t.nextID++
	tx.TransactionID = t.nextID
	tx.State = AwaitingResponse
	tx.Deadline = now.Add(t.cfg.Timeout)
	t.active = tx
	return tx
}

// Deadline returns the deadline of the transaction in flight.
func (t *Tracker) Deadline() (time.Time, bool) {
	if t.active == nil {
		return time.Time{}, false
	}
	return t.active.Deadline, true
}

// Match returns the in flight transaction that adu answers, or nil.
func (t *Tracker) Match(adu *modbus.ApplicationDataUnit) *Transaction {
	tx := t.active
	if tx == nil {
		return nil
	}
	if t.cfg.MatchByID && adu.TransactionID != tx.TransactionID {
		return nil
	}
	if !t.cfg.MatchByID && adu.UnitID != tx.UnitID {
		return nil
	}
	return tx
}

// Resolve completes the in flight transaction with a decoded response.
func (t *Tracker) Resolve(tx *Transaction, resp *modbus.Response) {
	t.release(tx)
	tx.finish(Resolved, resp, nil)
}

// Fail completes tx with err. tx may be queued or in flight.
func (t *Tracker) Fail(tx *Transaction, err error) {
	t.release(tx)
	for i, q := range t.queue {
		if q == tx {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
	tx.finish(Failed, nil, err)
}

func (t *Tracker) release(tx *Transaction) {
	if t.active == tx {
		t.active = nil
	}
}

// Expire moves the transaction in flight to TimedOut and returns it once
// now is past its deadline. Retry decides what happens next.
func (t *Tracker) Expire(now time.Time) *Transaction {
	tx := t.active
	if tx == nil || tx.State != AwaitingResponse || now.Before(tx.Deadline) {
		return nil
	}
	tx.State = TimedOut
	return tx
}

// Retry moves a timed out transaction to Retrying and reports true while
// retries remain. Otherwise tx fails with ErrResponseTimeout.
func (t *Tracker) Retry(tx *Transaction) bool {
	if tx.State != TimedOut {
		return false
	}
	if tx.Retries < t.cfg.MaxRetries {
		tx.State = Retrying
		tx.Retries++
		return true
	}
	t.release(tx)
	tx.finish(Failed, nil, fmt.Errorf("modbus: no response after %d attempts: %w", tx.Retries+1, modbus.ErrResponseTimeout))
	return false
}

// Resend re-arms a Retrying transaction once its frame is sent again.
func (t *Tracker) Resend(tx *Transaction, now time.Time) {
	if tx.State != Retrying {
		return
	}
	tx.State = AwaitingResponse
	tx.Deadline = now.Add(t.cfg.Timeout)
}

// FailAll fails the in flight and every queued transaction with err and
// returns them in dispatch order.
func (t *Tracker) FailAll(err error) []*Transaction {
	var failed []*Transaction
	if t.active != nil {
		failed = append(failed, t.active)
		t.active = nil
	}
	failed = append(failed, t.queue...)
	t.queue = nil
	for _, tx := range failed {
		tx.finish(Failed, nil, err)
	}
	return failed
}
