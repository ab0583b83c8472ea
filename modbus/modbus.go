// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol data unit types, the function code
// payload codec and the framer contract shared by every transport.
package modbus

import (
	"fmt"
)

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeDiagnostics            = 0x08
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeReportServerID         = 0x11
	FuncCodeMaskWriteRegister      = 0x16

	FuncCodeReadWriteMultipleRegisters = 0x17

	// exceptionBit is set on the function code of an exception response.
	exceptionBit = 0x80
)

// Quantity limits per function code.
const (
	MaxReadBits                = 2000
	MaxReadRegisters           = 125
	MaxWriteBits               = 1968
	MaxWriteRegisters          = 123
	MaxReadWriteReadRegisters  = 125
	MaxReadWriteWriteRegisters = 121

	// MaxPDUSize is the largest PDU (function code included) any framing carries.
	MaxPDUSize = 253
)

// Coil values on the wire.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Unit identifiers.
const (
	UnitBroadcast byte = 0
	UnitMin       byte = 1
	UnitMax       byte = 247
	UnitTCPDevice byte = 255
)

// Diagnostics sub-functions handled by this package.
const (
	DiagReturnQueryData uint16 = 0x0000
)

var functionNames = map[byte]string{
	FuncCodeReadCoils:                  "ReadCoils",
	FuncCodeReadDiscreteInputs:         "ReadDiscreteInputs",
	FuncCodeReadHoldingRegisters:       "ReadHoldingRegisters",
	FuncCodeReadInputRegisters:         "ReadInputRegisters",
	FuncCodeWriteSingleCoil:            "WriteSingleCoil",
	FuncCodeWriteSingleRegister:        "WriteSingleRegister",
	FuncCodeDiagnostics:                "Diagnostics",
	FuncCodeWriteMultipleCoils:         "WriteMultipleCoils",
	FuncCodeWriteMultipleRegisters:     "WriteMultipleRegisters",
	FuncCodeReportServerID:             "ReportServerID",
	FuncCodeMaskWriteRegister:          "MaskWriteRegister",
	FuncCodeReadWriteMultipleRegisters: "ReadWriteMultipleRegisters",
}

// IsKnownFunction reports whether code is a function code this package
// can encode and decode.
func IsKnownFunction(code byte) bool {
	_, ok := functionNames[code]
	return ok
}

// IsException reports whether a function code carries the exception bit.
func IsException(code byte) bool {
	return code&exceptionBit != 0
}

// FunctionName returns a readable name for code, exception bit included.
func FunctionName(code byte) string {
	if name, ok := functionNames[code&^exceptionBit]; ok {
		if IsException(code) {
			return name + "Exception"
		}
		return name
	}
	return fmt.Sprintf("Function(0x%02X)", code)
}

// Table identifies one of the four addressable banks of a device.
type Table int

const (
	TableCoils Table = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t Table) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableHoldingRegisters:
		return "holding_registers"
	case TableInputRegisters:
		return "input_registers"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Bytes returns the PDU as it appears inside an ADU.
func (pdu ProtocolDataUnit) Bytes() []byte {
	raw := make([]byte, 1+len(pdu.Data))
	raw[0] = pdu.FunctionCode
	copy(raw[1:], pdu.Data)
	return raw
}

// Len is the encoded size of the PDU.
func (pdu ProtocolDataUnit) Len() int {
	return 1 + len(pdu.Data)
}

// ParsePDU splits raw PDU bytes into function code and data. The data
// slice aliases raw.
func ParsePDU(raw []byte) (ProtocolDataUnit, error) {
	if len(raw) == 0 {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: empty pdu: %w", ErrMalformedFrame)
	}
	if len(raw) > MaxPDUSize {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: pdu length '%v' exceeds '%v': %w", len(raw), MaxPDUSize, ErrMalformedFrame)
	}
	return ProtocolDataUnit{FunctionCode: raw[0], Data: raw[1:]}, nil
}
