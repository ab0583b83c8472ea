// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package rtu implements the CRC checked binary framing of serial lines.
package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/crc"
)

var (
	errShortHeader   = errors.New("rtu: header too short to determine length")
	errUnknownLength = errors.New("rtu: length not derivable from header")
)

// CalculateResponseLength returns the expected total length of a
// response RTU ADU from its header.
func CalculateResponseLength(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, errShortHeader
	}
	funcCode := header[1]
	if modbus.IsException(funcCode) {
		return ExceptionSize, nil
	}
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters,
		modbus.FuncCodeReportServerID:
		if len(header) < 3 {
			return 0, errShortHeader
		}
		length := header[2]
		if int(length) > MaxSize-5 || length == 0 {
			return 0, &modbus.InvalidLengthError{Length: length}
		}
		// [SlaveID, Func, ByteCount, Data(N), CRC(2)]
		return 3 + int(length) + 2, nil
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		return 8, nil
	case modbus.FuncCodeMaskWriteRegister:
		return 10, nil
	}
	return 0, errUnknownLength
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d: %w", funcCode, len(header), errShortHeader)
		}
		return 7 + int(header[6]) + 2, nil
	case modbus.FuncCodeMaskWriteRegister:
		return 10, nil
	case modbus.FuncCodeReadWriteMultipleRegisters:
		// Req: [SlaveID, Func, RAddr(2), RQuant(2), WAddr(2), WQuant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 11 {
			return 0, fmt.Errorf("need 11 bytes to determine length for 0x%02X, got %d: %w", funcCode, len(header), errShortHeader)
		}
		return 11 + int(header[10]) + 2, nil
	case modbus.FuncCodeReportServerID:
		return MinSize, nil
	}
	return 0, fmt.Errorf("function code 0x%02X: %w", funcCode, errUnknownLength)
}

// Framer reassembles RTU frames. Frame boundaries come from the length
// derivable from the header; frames of undeterminable length are found
// by scanning for a valid CRC. Flush marks line silence: whatever is
// buffered then cannot be continued, and Next keeps discarding until the
// buffer is empty.
type Framer struct {
	dir   modbus.Direction
	buf   []byte
	quiet bool
}

// NewFramer returns a framer parsing frames travelling in direction dir.
func NewFramer(dir modbus.Direction) *Framer {
	return &Framer{dir: dir, buf: make([]byte, 0, 2*MaxSize)}
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (f *Framer) Encode(adu *modbus.ApplicationDataUnit) ([]byte, error) {
	length := adu.Pdu.Len() + 3
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, 0, length)
	raw = append(raw, adu.UnitID, adu.Pdu.FunctionCode)
	raw = append(raw, adu.Pdu.Data...)
	return crc.Append(raw), nil
}

func (f *Framer) Feed(p []byte) {
	f.buf = append(f.buf, p...)
}

func (f *Framer) Flush() {
	f.quiet = true
}

func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.quiet = false
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) Next() (*modbus.ApplicationDataUnit, error) {
	if len(f.buf) == 0 {
		f.quiet = false
		return nil, modbus.ErrIncomplete
	}
	if !plausibleUnit(f.buf[0]) {
		n := f.skipTo(0)
		return nil, fmt.Errorf("modbus: dropped %d bytes before a plausible unit id: %w", n, modbus.ErrMalformedFrame)
	}

	length, err := f.expectedLength()
	switch {
	case errors.Is(err, errShortHeader):
		return f.incomplete()
	case errors.Is(err, errUnknownLength):
		return f.scan()
	case err != nil:
		f.resync()
		return nil, err
	}
	if length > MaxSize {
		f.resync()
		return nil, fmt.Errorf("modbus: frame length '%v' exceeds '%v': %w", length, MaxSize, modbus.ErrMalformedFrame)
	}
	if len(f.buf) < length {
		return f.incomplete()
	}
	if !crc.Valid(f.buf[:length]) {
		f.resync()
		return nil, fmt.Errorf("modbus: frame of %d bytes: %w", length, modbus.ErrCRCMismatch)
	}
	return f.emit(length), nil
}

func (f *Framer) expectedLength() (int, error) {
	if f.dir == modbus.Responses {
		return CalculateResponseLength(f.buf)
	}
	if len(f.buf) < 2 {
		return 0, errShortHeader
	}
	return CalculateRequestLength(f.buf[1], f.buf)
}

// scan looks for the shortest prefix ending in a valid CRC.
func (f *Framer) scan() (*modbus.ApplicationDataUnit, error) {
	for n := MinSize; n <= len(f.buf) && n <= MaxSize; n++ {
		if crc.Valid(f.buf[:n]) {
			return f.emit(n), nil
		}
	}
	if f.quiet || len(f.buf) >= MaxSize {
		f.resync()
		return nil, fmt.Errorf("modbus: no valid frame in buffered bytes: %w", modbus.ErrCRCMismatch)
	}
	return nil, modbus.ErrIncomplete
}

// incomplete waits for more bytes unless the line went quiet, in which
// case the partial frame is dropped.
func (f *Framer) incomplete() (*modbus.ApplicationDataUnit, error) {
	if !f.quiet {
		return nil, modbus.ErrIncomplete
	}
	n := len(f.buf)
	f.buf = f.buf[:0]
	f.quiet = false
	return nil, fmt.Errorf("modbus: line silent after %d bytes of a frame: %w", n, modbus.ErrMalformedFrame)
}

func (f *Framer) emit(length int) *modbus.ApplicationDataUnit {
	adu := &modbus.ApplicationDataUnit{
		UnitID: f.buf[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: f.buf[1],
			Data:         append([]byte(nil), f.buf[2:length-2]...),
		},
	}
	f.buf = append(f.buf[:0], f.buf[length:]...)
	return adu
}

// resync drops the first buffered byte, then every byte up to the next
// plausible frame start.
func (f *Framer) resync() {
	f.skipTo(1)
}

func (f *Framer) skipTo(from int) int {
	i := from
	for ; i < len(f.buf); i++ {
		if !plausibleUnit(f.buf[i]) {
			continue
		}
		if i+1 < len(f.buf) && !f.plausibleFunction(f.buf[i+1]) {
			continue
		}
		break
	}
	f.buf = append(f.buf[:0], f.buf[i:]...)
	return i
}

func plausibleUnit(b byte) bool {
	return b <= modbus.UnitMax
}

func (f *Framer) plausibleFunction(b byte) bool {
	if f.dir == modbus.Responses && modbus.IsException(b) {
		return modbus.IsKnownFunction(b &^ 0x80)
	}
	return modbus.IsKnownFunction(b)
}
