// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ascii implements the hex encoded, LRC checked serial framing.
package ascii

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/lrc"
)

const (
	start = ':'
	end   = "\r\n"

	// MaxSize is ':' + hex(unit, PDU, LRC) + CRLF.
	MaxSize = 1 + 2*(1+modbus.MaxPDUSize+1) + 2
	MinSize = 1 + 2*3 + 2
)

var hexUpper = []byte("0123456789ABCDEF")

// Framer reassembles ASCII frames.
type Framer struct {
	buf []byte
}

func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 2*MaxSize)}
}

// Encode encodes adu in an ASCII frame:
//
//	Start           : 1 char
//	Address         : 2 chars
//	Function        : 2 chars
//	Data            : 0 up to 2x252 chars
//	LRC             : 2 chars
//	End             : 2 chars
func (f *Framer) Encode(adu *modbus.ApplicationDataUnit) ([]byte, error) {
	if adu.Pdu.Len() > modbus.MaxPDUSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", adu.Pdu.Len(), modbus.MaxPDUSize)
	}
	var sum lrc.LRC
	sum.Reset().PushByte(adu.UnitID).PushByte(adu.Pdu.FunctionCode).PushBytes(adu.Pdu.Data)

	raw := make([]byte, 0, 1+2*(adu.Pdu.Len()+2)+2)
	raw = append(raw, start)
	raw = appendHex(raw, adu.UnitID)
	raw = appendHex(raw, adu.Pdu.FunctionCode)
	for _, b := range adu.Pdu.Data {
		raw = appendHex(raw, b)
	}
	raw = appendHex(raw, sum.Value())
	return append(raw, end...), nil
}

func appendHex(dst []byte, b byte) []byte {
	return append(dst, hexUpper[b>>4], hexUpper[b&0x0F])
}

func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next frame. Any failure discards the buffer through
// the CRLF that terminated the bad frame.
func (f *Framer) Next() (*modbus.ApplicationDataUnit, error) {
	i := bytes.IndexByte(f.buf, start)
	if i < 0 {
		f.buf = f.buf[:0]
		return nil, modbus.ErrIncomplete
	}
	f.discard(i)

	j := bytes.Index(f.buf, []byte(end))
	if j < 0 {
		if len(f.buf) > MaxSize {
			f.buf = f.buf[:0]
			return nil, fmt.Errorf("modbus: no frame end within '%v' bytes: %w", MaxSize, modbus.ErrMalformedFrame)
		}
		return nil, modbus.ErrIncomplete
	}
	body := f.buf[1:j]
	defer f.discard(j + len(end))

	if len(body)%2 != 0 {
		return nil, fmt.Errorf("modbus: odd number of hex digits '%v': %w", len(body), modbus.ErrMalformedFrame)
	}
	raw := make([]byte, len(body)/2)
	if _, err := hex.Decode(raw, body); err != nil {
		return nil, fmt.Errorf("modbus: %v: %w", err, modbus.ErrMalformedFrame)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v': %w", len(raw), 3, modbus.ErrMalformedFrame)
	}
	n := len(raw)
	if sum := lrc.Checksum(raw[:n-1]); sum != raw[n-1] {
		return nil, fmt.Errorf("modbus: response lrc '%v' does not match expected '%v': %w", raw[n-1], sum, modbus.ErrLRCMismatch)
	}
	data := raw[2 : n-1]
	if len(data) == 0 {
		data = nil
	}
	return &modbus.ApplicationDataUnit{
		UnitID: raw[0],
		Pdu:    modbus.ProtocolDataUnit{FunctionCode: raw[1], Data: data},
	}, nil
}

// Flush is a no-op: ASCII frames are delimited.
func (f *Framer) Flush() {}

func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) discard(n int) {
	f.buf = append(f.buf[:0], f.buf[n:]...)
}
