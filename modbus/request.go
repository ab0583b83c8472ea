// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"fmt"
)

// Request is a typed function code payload. Which fields are meaningful
// depends on FunctionCode:
//
//	0x01-0x04 Address, Quantity
//	0x05,0x06 Address, Value
//	0x0F      Address, Quantity, Coils
//	0x10      Address, Quantity, Registers
//	0x16      Address, AndMask, OrMask
//	0x17      Address, Quantity (read), WriteAddress, Registers (write)
//	0x08      SubFunction, Data
//	0x11      none
type Request struct {
	FunctionCode byte
	Address      uint16
	Quantity     uint16
	Value        uint16
	Coils        []bool
	Registers    []uint16
	AndMask      uint16
	OrMask       uint16
	WriteAddress uint16
	SubFunction  uint16
	Data         []byte
}

func ReadCoils(address, quantity uint16) *Request {
	return &Request{FunctionCode: FuncCodeReadCoils, Address: address, Quantity: quantity}
}

func ReadDiscreteInputs(address, quantity uint16) *Request {
	return &Request{FunctionCode: FuncCodeReadDiscreteInputs, Address: address, Quantity: quantity}
}

func ReadHoldingRegisters(address, quantity uint16) *Request {
	return &Request{FunctionCode: FuncCodeReadHoldingRegisters, Address: address, Quantity: quantity}
}

func ReadInputRegisters(address, quantity uint16) *Request {
	return &Request{FunctionCode: FuncCodeReadInputRegisters, Address: address, Quantity: quantity}
}

func WriteSingleCoil(address uint16, value bool) *Request {
	v := CoilOff
	if value {
		v = CoilOn
	}
	return &Request{FunctionCode: FuncCodeWriteSingleCoil, Address: address, Value: v}
}

func WriteSingleRegister(address, value uint16) *Request {
	return &Request{FunctionCode: FuncCodeWriteSingleRegister, Address: address, Value: value}
}

func WriteMultipleCoils(address uint16, values []bool) *Request {
	return &Request{FunctionCode: FuncCodeWriteMultipleCoils, Address: address, Quantity: uint16(len(values)), Coils: values}
}

func WriteMultipleRegisters(address uint16, values []uint16) *Request {
	return &Request{FunctionCode: FuncCodeWriteMultipleRegisters, Address: address, Quantity: uint16(len(values)), Registers: values}
}

func MaskWriteRegister(address, andMask, orMask uint16) *Request {
	return &Request{FunctionCode: FuncCodeMaskWriteRegister, Address: address, AndMask: andMask, OrMask: orMask}
}

// ReadWriteMultipleRegisters writes values at writeAddress, then reads
// quantity registers at readAddress, in one transaction.
func ReadWriteMultipleRegisters(readAddress, quantity, writeAddress uint16, values []uint16) *Request {
	return &Request{
		FunctionCode: FuncCodeReadWriteMultipleRegisters,
		Address:      readAddress,
		Quantity:     quantity,
		WriteAddress: writeAddress,
		Registers:    values,
	}
}

// Diagnostics with sub-function 0 asks the server to echo data.
func Diagnostics(subFunction uint16, data []byte) *Request {
	return &Request{FunctionCode: FuncCodeDiagnostics, SubFunction: subFunction, Data: data}
}

func ReportServerID() *Request {
	return &Request{FunctionCode: FuncCodeReportServerID}
}

// IsWrite reports whether the request modifies the device.
func (r *Request) IsWrite() bool {
	switch r.FunctionCode {
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters,
		FuncCodeMaskWriteRegister:
		return true
	}
	return false
}

// Validate checks quantity bounds, address overflow and value rules.
// Every failure wraps ErrInvalidRequest.
func (r *Request) Validate() error {
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return checkRange(r.Address, r.Quantity, MaxReadBits)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return checkRange(r.Address, r.Quantity, MaxReadRegisters)
	case FuncCodeWriteSingleCoil:
		if r.Value != CoilOn && r.Value != CoilOff {
			return fmt.Errorf("%w: coil value '0x%04X' must be 0xFF00 or 0x0000", ErrInvalidRequest, r.Value)
		}
		return nil
	case FuncCodeWriteSingleRegister, FuncCodeMaskWriteRegister:
		return nil
	case FuncCodeWriteMultipleCoils:
		if int(r.Quantity) != len(r.Coils) {
			return fmt.Errorf("%w: quantity '%v' does not match %v coil values", ErrInvalidRequest, r.Quantity, len(r.Coils))
		}
		return checkRange(r.Address, r.Quantity, MaxWriteBits)
	case FuncCodeWriteMultipleRegisters:
		if int(r.Quantity) != len(r.Registers) {
			return fmt.Errorf("%w: quantity '%v' does not match %v register values", ErrInvalidRequest, r.Quantity, len(r.Registers))
		}
		return checkRange(r.Address, r.Quantity, MaxWriteRegisters)
	case FuncCodeReadWriteMultipleRegisters:
		if err := checkRange(r.Address, r.Quantity, MaxReadWriteReadRegisters); err != nil {
			return err
		}
		return checkRange(r.WriteAddress, uint16(len(r.Registers)), MaxReadWriteWriteRegisters)
	case FuncCodeDiagnostics:
		if len(r.Data) > MaxPDUSize-3 {
			return fmt.Errorf("%w: diagnostics data length '%v' too long", ErrInvalidRequest, len(r.Data))
		}
		return nil
	case FuncCodeReportServerID:
		return nil
	}
	return fmt.Errorf("%w: function code '0x%02X': %w", ErrInvalidRequest, r.FunctionCode, ErrUnknownFunctionCode)
}

func checkRange(address, quantity, max uint16) error {
	if quantity < 1 || quantity > max {
		return fmt.Errorf("%w: quantity '%v' must be between '%v' and '%v'", ErrInvalidRequest, quantity, 1, max)
	}
	if int(address)+int(quantity) > 0x10000 {
		return fmt.Errorf("%w: address range '%v'+'%v' overflows", ErrInvalidRequest, address, quantity)
	}
	return nil
}

// Verify checks resp against the request it answers: counts must match
// the requested quantity and write responses must echo the request.
// Bit values beyond the requested quantity are trimmed from resp.
func (r *Request) Verify(resp *Response) error {
	if resp.FunctionCode != r.FunctionCode {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v': %w", resp.FunctionCode, r.FunctionCode, ErrFunctionCodeMismatch)
	}
	if resp.Exception != 0 {
		return nil
	}
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if len(resp.Coils) != bitByteCount(int(r.Quantity))*8 {
			return fmt.Errorf("modbus: response carries %v bits, requested '%v': %w", len(resp.Coils), r.Quantity, ErrMalformedFrame)
		}
		resp.Coils = resp.Coils[:r.Quantity]
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		if len(resp.Registers) != int(r.Quantity) {
			return fmt.Errorf("modbus: response carries %v registers, requested '%v': %w", len(resp.Registers), r.Quantity, ErrMalformedFrame)
		}
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		if resp.Address != r.Address || resp.Value != r.Value {
			return echoMismatch(r.Address, r.Value, resp.Address, resp.Value)
		}
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if resp.Address != r.Address || resp.Quantity != r.Quantity {
			return echoMismatch(r.Address, r.Quantity, resp.Address, resp.Quantity)
		}
	case FuncCodeMaskWriteRegister:
		if resp.Address != r.Address || resp.AndMask != r.AndMask || resp.OrMask != r.OrMask {
			return echoMismatch(r.Address, r.AndMask, resp.Address, resp.AndMask)
		}
	case FuncCodeDiagnostics:
		if r.SubFunction == DiagReturnQueryData && (resp.SubFunction != r.SubFunction || string(resp.Data) != string(r.Data)) {
			return fmt.Errorf("modbus: diagnostics echo differs: %w: %w", ErrMalformedFrame, ErrReplyEchoMismatch)
		}
	}
	return nil
}

func echoMismatch(wantAddr, wantVal, gotAddr, gotVal uint16) error {
	return fmt.Errorf("modbus: response '%v'/'%v' does not echo request '%v'/'%v': %w: %w",
		gotAddr, gotVal, wantAddr, wantVal, ErrMalformedFrame, ErrReplyEchoMismatch)
}
