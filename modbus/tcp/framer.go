// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package tcp implements the MBAP framing used over TCP and TLS.
package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
)

const (
	HeaderSize = 7
	MinSize    = HeaderSize + 1
	MaxSize    = HeaderSize + modbus.MaxPDUSize

	protocolID = 0
)

// Framer reassembles MBAP frames from a byte stream.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty TCP framer.
func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 2*MaxSize)}
}

// Encode encodes adu in a TCP frame:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func (f *Framer) Encode(adu *modbus.ApplicationDataUnit) ([]byte, error) {
	length := HeaderSize + adu.Pdu.Len()
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, length)
	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], protocolID)
	binary.BigEndian.PutUint16(raw[4:], uint16(1+adu.Pdu.Len()))
	raw[6] = adu.UnitID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)
	return raw, nil
}

func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

// Next returns the next frame. A header with a non-zero protocol id or an
// impossible length costs one byte of the buffer before scanning resumes.
func (f *Framer) Next() (*modbus.ApplicationDataUnit, error) {
	if len(f.buf) < HeaderSize {
		return nil, modbus.ErrIncomplete
	}
	if pid := binary.BigEndian.Uint16(f.buf[2:]); pid != protocolID {
		f.discard(1)
		return nil, fmt.Errorf("modbus: protocol id '%v' must be '%v': %w", pid, protocolID, modbus.ErrInvalidProtocolID)
	}
	length := int(binary.BigEndian.Uint16(f.buf[4:]))
	if length < 2 || length > modbus.MaxPDUSize+1 {
		f.discard(1)
		return nil, fmt.Errorf("modbus: length in response header '%v' must be between '%v' and '%v': %w", length, 2, modbus.MaxPDUSize+1, modbus.ErrMalformedFrame)
	}
	total := HeaderSize - 1 + length
	if len(f.buf) < total {
		return nil, modbus.ErrIncomplete
	}
	adu := &modbus.ApplicationDataUnit{
		TransactionID: binary.BigEndian.Uint16(f.buf[0:]),
		UnitID:        f.buf[6],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: f.buf[7],
			Data:         append([]byte(nil), f.buf[8:total]...),
		},
	}
	f.discard(total)
	return adu, nil
}

// Flush is a no-op: MBAP frames are length prefixed.
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
