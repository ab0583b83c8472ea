// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"errors"

	"github.com/ffutop/modbus-engine/modbus"
)

// Dispatcher executes requests against one DataMapping.
type Dispatcher struct {
	mapping DataMapping
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(m DataMapping) *Dispatcher {
	return &Dispatcher{mapping: m}
}

// Dispatch decodes pdu, executes it and returns the response PDU, which
// is an exception PDU for every rejected request.
func (d *Dispatcher) Dispatch(pdu modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	req, err := modbus.DecodeRequest(pdu)
	if err != nil {
		code := modbus.ExceptionCodeIllegalDataValue
		if errors.Is(err, modbus.ErrUnknownFunctionCode) {
			code = modbus.ExceptionCodeIllegalFunction
		}
		return exception(pdu.FunctionCode, code)
	}
	out, err := modbus.EncodeResponse(d.Execute(req))
	if err != nil {
		return exception(pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}
	return out
}

func exception(functionCode byte, code modbus.ExceptionCode) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{byte(code)},
	}
}

// Execute runs a decoded request. Quantity limits are enforced by the
// decoder; Execute checks address ranges and performs the operation.
func (d *Dispatcher) Execute(req *modbus.Request) *modbus.Response {
	fc := req.FunctionCode
	switch fc {
	case modbus.FuncCodeReadCoils:
		return d.readBits(req, modbus.TableCoils, d.mapping.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return d.readBits(req, modbus.TableDiscreteInputs, d.mapping.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return d.readRegisters(req, modbus.TableHoldingRegisters, d.mapping.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return d.readRegisters(req, modbus.TableInputRegisters, d.mapping.ReadInputRegisters)

	case modbus.FuncCodeWriteSingleCoil:
		if !d.inRange(modbus.TableCoils, req.Address, 1) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		if err := d.mapping.WriteSingleCoil(req.Address, req.Value == modbus.CoilOn); err != nil {
			return failure(fc, err)
		}
		return &modbus.Response{FunctionCode: fc, Address: req.Address, Value: req.Value}

	case modbus.FuncCodeWriteSingleRegister:
		if !d.inRange(modbus.TableHoldingRegisters, req.Address, 1) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		if err := d.mapping.WriteSingleRegister(req.Address, req.Value); err != nil {
			return failure(fc, err)
		}
		return &modbus.Response{FunctionCode: fc, Address: req.Address, Value: req.Value}

	case modbus.FuncCodeWriteMultipleCoils:
		if !d.inRange(modbus.TableCoils, req.Address, req.Quantity) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		if err := d.mapping.WriteMultipleCoils(req.Address, req.Coils); err != nil {
			return failure(fc, err)
		}
		return &modbus.Response{FunctionCode: fc, Address: req.Address, Quantity: req.Quantity}

	case modbus.FuncCodeWriteMultipleRegisters:
		if !d.inRange(modbus.TableHoldingRegisters, req.Address, req.Quantity) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		if err := d.mapping.WriteMultipleRegisters(req.Address, req.Registers); err != nil {
			return failure(fc, err)
		}
		return &modbus.Response{FunctionCode: fc, Address: req.Address, Quantity: req.Quantity}

	case modbus.FuncCodeMaskWriteRegister:
		mw, ok := d.mapping.(MaskWriter)
		if !ok {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalFunction)
		}
		if !d.inRange(modbus.TableHoldingRegisters, req.Address, 1) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		if err := mw.MaskWriteRegister(req.Address, req.AndMask, req.OrMask); err != nil {
			return failure(fc, err)
		}
		return &modbus.Response{FunctionCode: fc, Address: req.Address, AndMask: req.AndMask, OrMask: req.OrMask}

	case modbus.FuncCodeReadWriteMultipleRegisters:
		rw, ok := d.mapping.(ReadWriter)
		if !ok {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalFunction)
		}
		if !d.inRange(modbus.TableHoldingRegisters, req.Address, req.Quantity) ||
			!d.inRange(modbus.TableHoldingRegisters, req.WriteAddress, uint16(len(req.Registers))) {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalDataAddress)
		}
		values, err := rw.ReadWriteMultipleRegisters(req.Address, req.Quantity, req.WriteAddress, req.Registers)
		if err != nil {
			return failure(fc, err)
		}
		if len(values) != int(req.Quantity) {
			return modbus.NewException(fc, modbus.ExceptionCodeServerDeviceFailure)
		}
		return &modbus.Response{FunctionCode: fc, Registers: values}

	case modbus.FuncCodeDiagnostics:
		if req.SubFunction != modbus.DiagReturnQueryData {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalFunction)
		}
		return &modbus.Response{FunctionCode: fc, SubFunction: req.SubFunction, Data: req.Data}

	case modbus.FuncCodeReportServerID:
		id, ok := d.mapping.(Identifier)
		if !ok {
			return modbus.NewException(fc, modbus.ExceptionCodeIllegalFunction)
		}
		serverID, running := id.ServerID()
		run := byte(0x00)
		if running {
			run = 0xFF
		}
		data := append(append([]byte(nil), serverID...), run)
		return &modbus.Response{FunctionCode: fc, Data: data}
	}
	return modbus.NewException(fc, modbus.ExceptionCodeIllegalFunction)
}

func (d *Dispatcher) readBits(req *modbus.Request, table modbus.Table, read func(uint16, uint16) ([]bool, error)) *modbus.Response {
	if !d.inRange(table, req.Address, req.Quantity) {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	values, err := read(req.Address, req.Quantity)
	if err != nil {
		return failure(req.FunctionCode, err)
	}
	if len(values) != int(req.Quantity) {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}
	return &modbus.Response{FunctionCode: req.FunctionCode, Coils: values}
}

func (d *Dispatcher) readRegisters(req *modbus.Request, table modbus.Table, read func(uint16, uint16) ([]uint16, error)) *modbus.Response {
	if !d.inRange(table, req.Address, req.Quantity) {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	values, err := read(req.Address, req.Quantity)
	if err != nil {
		return failure(req.FunctionCode, err)
	}
	if len(values) != int(req.Quantity) {
		return modbus.NewException(req.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
	}
	return &modbus.Response{FunctionCode: req.FunctionCode, Registers: values}
}

// inRange reports whether [address, address+quantity) lies within the
// extent of table. The sum is computed in int, so it cannot wrap.
func (d *Dispatcher) inRange(table modbus.Table, address, quantity uint16) bool {
	return quantity > 0 && int(address)+int(quantity) <= d.mapping.Extent(table)
}

// failure maps a mapping error to an exception response.
func failure(fc byte, err error) *modbus.Response {
	var code modbus.ExceptionCode
	if errors.As(err, &code) && code.Known() {
		return modbus.NewException(fc, code)
	}
	return modbus.NewException(fc, modbus.ExceptionCodeServerDeviceFailure)
}
