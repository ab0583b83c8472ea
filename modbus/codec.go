// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// EncodeRequest validates r and encodes its payload.
func EncodeRequest(r *Request) (ProtocolDataUnit, error) {
	if err := r.Validate(); err != nil {
		return ProtocolDataUnit{}, err
	}
	pdu := ProtocolDataUnit{FunctionCode: r.FunctionCode}
	switch r.FunctionCode {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters:
		pdu.Data = dataBlock(r.Address, r.Quantity)
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteSingleRegister:
		pdu.Data = dataBlock(r.Address, r.Value)
	case FuncCodeWriteMultipleCoils:
		pdu.Data = dataBlockSuffix(PackBits(r.Coils), r.Address, r.Quantity)
	case FuncCodeWriteMultipleRegisters:
		pdu.Data = dataBlockSuffix(packRegisters(r.Registers), r.Address, r.Quantity)
	case FuncCodeMaskWriteRegister:
		pdu.Data = dataBlock(r.Address, r.AndMask, r.OrMask)
	case FuncCodeReadWriteMultipleRegisters:
		pdu.Data = dataBlockSuffix(packRegisters(r.Registers), r.Address, r.Quantity, r.WriteAddress, uint16(len(r.Registers)))
	case FuncCodeDiagnostics:
		pdu.Data = append(dataBlock(r.SubFunction), r.Data...)
	case FuncCodeReportServerID:
	}
	return pdu, nil
}

// DecodeRequest parses an incoming request PDU. Unrecognised function
// codes fail with ErrUnknownFunctionCode; layout and quantity violations
// fail with ErrMalformedFrame.
func DecodeRequest(pdu ProtocolDataUnit) (*Request, error) {
	if IsException(pdu.FunctionCode) || !IsKnownFunction(pdu.FunctionCode) {
		return nil, fmt.Errorf("modbus: function code '0x%02X': %w", pdu.FunctionCode, ErrUnknownFunctionCode)
	}
	data := pdu.Data
	r := &Request{FunctionCode: pdu.FunctionCode}
	switch pdu.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Quantity = u16(data, 0), u16(data, 2)
		if err := checkQuantity(r.Quantity, MaxReadBits); err != nil {
			return nil, err
		}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Quantity = u16(data, 0), u16(data, 2)
		if err := checkQuantity(r.Quantity, MaxReadRegisters); err != nil {
			return nil, err
		}
	case FuncCodeWriteSingleCoil:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Value = u16(data, 0), u16(data, 2)
		if r.Value != CoilOn && r.Value != CoilOff {
			return nil, fmt.Errorf("modbus: coil value '0x%04X': %w", r.Value, ErrMalformedFrame)
		}
	case FuncCodeWriteSingleRegister:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Value = u16(data, 0), u16(data, 2)
	case FuncCodeWriteMultipleCoils:
		if err := expectMinLength(data, 5); err != nil {
			return nil, err
		}
		r.Address, r.Quantity = u16(data, 0), u16(data, 2)
		if err := checkQuantity(r.Quantity, MaxWriteBits); err != nil {
			return nil, err
		}
		if err := expectByteCount(data[4], bitByteCount(int(r.Quantity)), len(data)-5); err != nil {
			return nil, err
		}
		r.Coils = UnpackBits(data[5:], int(r.Quantity))
	case FuncCodeWriteMultipleRegisters:
		if err := expectMinLength(data, 5); err != nil {
			return nil, err
		}
		r.Address, r.Quantity = u16(data, 0), u16(data, 2)
		if err := checkQuantity(r.Quantity, MaxWriteRegisters); err != nil {
			return nil, err
		}
		if err := expectByteCount(data[4], int(r.Quantity)*2, len(data)-5); err != nil {
			return nil, err
		}
		r.Registers = unpackRegisters(data[5:])
	case FuncCodeMaskWriteRegister:
		if err := expectLength(data, 6); err != nil {
			return nil, err
		}
		r.Address, r.AndMask, r.OrMask = u16(data, 0), u16(data, 2), u16(data, 4)
	case FuncCodeReadWriteMultipleRegisters:
		if err := expectMinLength(data, 9); err != nil {
			return nil, err
		}
		r.Address, r.Quantity, r.WriteAddress = u16(data, 0), u16(data, 2), u16(data, 4)
		writeQuantity := u16(data, 6)
		if err := checkQuantity(r.Quantity, MaxReadWriteReadRegisters); err != nil {
			return nil, err
		}
		if err := checkQuantity(writeQuantity, MaxReadWriteWriteRegisters); err != nil {
			return nil, err
		}
		if err := expectByteCount(data[8], int(writeQuantity)*2, len(data)-9); err != nil {
			return nil, err
		}
		r.Registers = unpackRegisters(data[9:])
	case FuncCodeDiagnostics:
		if err := expectMinLength(data, 2); err != nil {
			return nil, err
		}
		r.SubFunction = u16(data, 0)
		r.Data = cloneBytes(data[2:])
	case FuncCodeReportServerID:
		if err := expectLength(data, 0); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// EncodeResponse encodes a success or exception response.
func EncodeResponse(r *Response) (ProtocolDataUnit, error) {
	if r.Exception != 0 {
		return ProtocolDataUnit{FunctionCode: r.FunctionCode | exceptionBit, Data: []byte{byte(r.Exception)}}, nil
	}
	pdu := ProtocolDataUnit{FunctionCode: r.FunctionCode}
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		packed := PackBits(r.Coils)
		if len(packed) == 0 || len(packed) > MaxPDUSize-2 {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: %v bit values do not fit a response: %w", len(r.Coils), ErrMalformedFrame)
		}
		pdu.Data = append([]byte{byte(len(packed))}, packed...)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		packed := packRegisters(r.Registers)
		if len(packed) == 0 || len(packed) > MaxPDUSize-2 {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: %v registers do not fit a response: %w", len(r.Registers), ErrMalformedFrame)
		}
		pdu.Data = append([]byte{byte(len(packed))}, packed...)
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		pdu.Data = dataBlock(r.Address, r.Value)
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		pdu.Data = dataBlock(r.Address, r.Quantity)
	case FuncCodeMaskWriteRegister:
		pdu.Data = dataBlock(r.Address, r.AndMask, r.OrMask)
	case FuncCodeDiagnostics:
		pdu.Data = append(dataBlock(r.SubFunction), r.Data...)
	case FuncCodeReportServerID:
		if len(r.Data) > MaxPDUSize-2 {
			return ProtocolDataUnit{}, fmt.Errorf("modbus: server id length '%v' too long: %w", len(r.Data), ErrMalformedFrame)
		}
		pdu.Data = append([]byte{byte(len(r.Data))}, r.Data...)
	default:
		return ProtocolDataUnit{}, fmt.Errorf("modbus: function code '0x%02X': %w", r.FunctionCode, ErrUnknownFunctionCode)
	}
	if pdu.Len() > MaxPDUSize {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: response pdu length '%v' exceeds '%v': %w", pdu.Len(), MaxPDUSize, ErrMalformedFrame)
	}
	return pdu, nil
}

// DecodeResponse decodes pdu as the answer to a request with function
// code functionCode. An exception response is returned as a Response
// with Exception set, not as an error.
func DecodeResponse(functionCode byte, pdu ProtocolDataUnit) (*Response, error) {
	if IsException(pdu.FunctionCode) {
		if pdu.FunctionCode&^exceptionBit != functionCode {
			return nil, fmt.Errorf("modbus: exception function code '0x%02X' does not match request '0x%02X': %w", pdu.FunctionCode, functionCode, ErrFunctionCodeMismatch)
		}
		if err := expectLength(pdu.Data, 1); err != nil {
			return nil, err
		}
		code := ExceptionCode(pdu.Data[0])
		if !code.Known() {
			return nil, fmt.Errorf("modbus: exception code '%v': %w", pdu.Data[0], ErrUnknownExceptionCode)
		}
		return NewException(functionCode, code), nil
	}
	if pdu.FunctionCode != functionCode {
		return nil, fmt.Errorf("modbus: response function code '0x%02X' does not match request '0x%02X': %w", pdu.FunctionCode, functionCode, ErrFunctionCodeMismatch)
	}
	data := pdu.Data
	r := &Response{FunctionCode: functionCode}
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		count, err := byteCounted(data)
		if err != nil {
			return nil, err
		}
		r.Coils = UnpackBits(data[1:], count*8)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		count, err := byteCounted(data)
		if err != nil {
			return nil, err
		}
		if count%2 != 0 {
			return nil, &InvalidLengthError{Length: byte(count)}
		}
		r.Registers = unpackRegisters(data[1:])
	case FuncCodeWriteSingleCoil:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Value = u16(data, 0), u16(data, 2)
		if r.Value != CoilOn && r.Value != CoilOff {
			return nil, fmt.Errorf("modbus: coil value '0x%04X': %w", r.Value, ErrMalformedFrame)
		}
	case FuncCodeWriteSingleRegister:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Value = u16(data, 0), u16(data, 2)
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if err := expectLength(data, 4); err != nil {
			return nil, err
		}
		r.Address, r.Quantity = u16(data, 0), u16(data, 2)
	case FuncCodeMaskWriteRegister:
		if err := expectLength(data, 6); err != nil {
			return nil, err
		}
		r.Address, r.AndMask, r.OrMask = u16(data, 0), u16(data, 2), u16(data, 4)
	case FuncCodeDiagnostics:
		if err := expectMinLength(data, 2); err != nil {
			return nil, err
		}
		r.SubFunction = u16(data, 0)
		r.Data = cloneBytes(data[2:])
	case FuncCodeReportServerID:
		if _, err := byteCounted(data); err != nil {
			return nil, err
		}
		r.Data = cloneBytes(data[1:])
	default:
		return nil, fmt.Errorf("modbus: function code '0x%02X': %w", functionCode, ErrUnknownFunctionCode)
	}
	return r, nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and appends the suffix
// plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

func u16(data []byte, offset int) uint16 {
	return binary.BigEndian.Uint16(data[offset:])
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func expectLength(data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("modbus: data length '%v' does not match expected '%v': %w", len(data), n, ErrMalformedFrame)
	}
	return nil
}

func expectMinLength(data []byte, n int) error {
	if len(data) < n {
		return fmt.Errorf("modbus: data length '%v' does not meet minimum '%v': %w", len(data), n, ErrMalformedFrame)
	}
	return nil
}

func expectByteCount(declared byte, want, remaining int) error {
	if int(declared) != want || remaining != want {
		return fmt.Errorf("modbus: byte count '%v' with %v bytes remaining, expected '%v': %w", declared, remaining, want, ErrMalformedFrame)
	}
	return nil
}

func checkQuantity(quantity, max uint16) error {
	if quantity < 1 || quantity > max {
		return fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v': %w", quantity, 1, max, ErrMalformedFrame)
	}
	return nil
}

// byteCounted validates a leading byte count against the remaining data
// and returns it.
func byteCounted(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("modbus: missing byte count: %w", ErrMalformedFrame)
	}
	count := int(data[0])
	if count != len(data)-1 {
		return 0, fmt.Errorf("modbus: byte count '%v' does not match data size '%v': %w", count, len(data)-1, ErrMalformedFrame)
	}
	return count, nil
}
