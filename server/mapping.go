// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import "github.com/ffutop/modbus-engine/modbus"

// DataMapping is the storage behind one unit. Implementations must allow
// concurrent reads and serialize writes; a multiple write applies fully or
// not at all. The dispatcher checks every range against Extent before
// calling, so implementations only see in-range addresses.
//
// A method may return a modbus.ExceptionCode to answer with that
// exception. Any other error is answered with ServerDeviceFailure.
type DataMapping interface {
	// Extent returns the number of addressable entries of table, starting
	// at address 0.
	Extent(table modbus.Table) int

	ReadCoils(address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(address, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)

	WriteSingleCoil(address uint16, value bool) error
	WriteSingleRegister(address, value uint16) error
	WriteMultipleCoils(address uint16, values []bool) error
	WriteMultipleRegisters(address uint16, values []uint16) error
}

// MaskWriter is implemented by mappings that support Mask Write Register.
type MaskWriter interface {
	// MaskWriteRegister sets the register to (current AND andMask) OR
	// (orMask AND NOT andMask) atomically.
	MaskWriteRegister(address, andMask, orMask uint16) error
}

// ReadWriter is implemented by mappings that support Read/Write Multiple
// Registers. The write is applied before the read.
type ReadWriter interface {
	ReadWriteMultipleRegisters(readAddress, quantity, writeAddress uint16, values []uint16) ([]uint16, error)
}

// Identifier is implemented by mappings that answer Report Server ID.
type Identifier interface {
	ServerID() (id []byte, running bool)
}
