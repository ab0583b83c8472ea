// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package datamodel is an in-memory DataMapping with one flat table per
// Modbus data type.
package datamodel

import (
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
	"github.com/ffutop/modbus-engine/modbus"
)

const (
	MaxAddress = 65535
	// TableSize is the number of entries of a full table.
	TableSize = MaxAddress + 1
)

var tables = [...]modbus.Table{
	modbus.TableCoils,
	modbus.TableDiscreteInputs,
	modbus.TableHoldingRegisters,
	modbus.TableInputRegisters,
}

// Extents limits the addressable part of each table. Zero selects the
// full table.
type Extents struct {
	Coils            int `mapstructure:"coils" yaml:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs" yaml:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers" yaml:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers" yaml:"input_registers"`
}

func (e Extents) of(t modbus.Table) int {
	switch t {
	case modbus.TableCoils:
		return e.Coils
	case modbus.TableDiscreteInputs:
		return e.DiscreteInputs
	case modbus.TableHoldingRegisters:
		return e.HoldingRegisters
	case modbus.TableInputRegisters:
		return e.InputRegisters
	}
	return 0
}

// WriteHook observes writes. It runs while the written table is locked,
// so it may read that table's slice directly but must not call Model
// methods.
type WriteHook func(table modbus.Table, address, quantity uint16)

// Model holds the modbus data in memory. Each table has its own lock;
// operations spanning tables take all locks at once.
type Model struct {
	locks [len(tables)]sync.RWMutex

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 1x Discrete Inputs (Read Only). Stored as 1 (ON) or 0 (OFF).
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16

	extents [len(tables)]int
	hook    WriteHook

	idMu     sync.RWMutex
	serverID []byte
	running  bool
}

// New creates a model covering the full 16-bit address space, initialized
// to zero.
func New() *Model {
	return Wrap(
		make([]byte, TableSize),
		make([]byte, TableSize),
		make([]uint16, TableSize),
		make([]uint16, TableSize),
	)
}

// Wrap builds a model on existing backing slices, for storage that owns
// the memory.
func Wrap(coils, discreteInputs []byte, holdingRegisters, inputRegisters []uint16) *Model {
	m := &Model{
		Coils:            coils,
		DiscreteInputs:   discreteInputs,
		HoldingRegisters: holdingRegisters,
		InputRegisters:   inputRegisters,
		running:          true,
	}
	for _, t := range tables {
		m.extents[t] = m.size(t)
	}
	return m
}

func (m *Model) size(t modbus.Table) int {
	switch t {
	case modbus.TableCoils:
		return len(m.Coils)
	case modbus.TableDiscreteInputs:
		return len(m.DiscreteInputs)
	case modbus.TableHoldingRegisters:
		return len(m.HoldingRegisters)
	case modbus.TableInputRegisters:
		return len(m.InputRegisters)
	}
	return 0
}

// Restrict narrows the addressable extents. Requests beyond them are
// answered with IllegalDataAddress.
func (m *Model) Restrict(e Extents) {
	for _, t := range tables {
		m.locks[t].Lock()
		if n := e.of(t); n > 0 && n < m.size(t) {
			m.extents[t] = n
		} else {
			m.extents[t] = m.size(t)
		}
		m.locks[t].Unlock()
	}
}

// SetWriteHook installs h, replacing any previous hook.
func (m *Model) SetWriteHook(h WriteHook) {
	l := m.allLocker(false)
	l.Lock()
	defer l.Unlock()
	m.hook = h
}

// SetServerID sets the answer to Report Server ID.
func (m *Model) SetServerID(id []byte, running bool) {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.serverID = append([]byte(nil), id...)
	m.running = running
}

func (m *Model) ServerID() ([]byte, bool) {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	return append([]byte(nil), m.serverID...), m.running
}

func (m *Model) Extent(t modbus.Table) int {
	if int(t) < 0 || int(t) >= len(tables) {
		return 0
	}
	m.locks[t].RLock()
	defer m.locks[t].RUnlock()
	return m.extents[t]
}

// allLocker atomically locks every table, for reading or for writing.
func (m *Model) allLocker(read bool) sync.Locker {
	lockers := make([]sync.Locker, len(tables))
	for i := range lockers {
		if read {
			lockers[i] = m.locks[i].RLocker()
		} else {
			lockers[i] = &m.locks[i]
		}
	}
	return multilocker.New(lockers...)
}

// check validates a range against the extent of t. Caller holds the lock.
func (m *Model) check(t modbus.Table, address, quantity uint16) error {
	if quantity == 0 || int(address)+int(quantity) > m.extents[t] {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	return nil
}

func (m *Model) written(t modbus.Table, address, quantity uint16) {
	if m.hook != nil {
		m.hook(t, address, quantity)
	}
}

func readBits(src []byte, address, quantity uint16) []bool {
	values := make([]bool, quantity)
	for i := range values {
		values[i] = src[int(address)+i] != 0
	}
	return values
}

// ReadCoils reads a range of coils.
func (m *Model) ReadCoils(address, quantity uint16) ([]bool, error) {
	m.locks[modbus.TableCoils].RLock()
	defer m.locks[modbus.TableCoils].RUnlock()

	if err := m.check(modbus.TableCoils, address, quantity); err != nil {
		return nil, err
	}
	return readBits(m.Coils, address, quantity), nil
}

// ReadDiscreteInputs reads a range of discrete inputs.
func (m *Model) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	m.locks[modbus.TableDiscreteInputs].RLock()
	defer m.locks[modbus.TableDiscreteInputs].RUnlock()

	if err := m.check(modbus.TableDiscreteInputs, address, quantity); err != nil {
		return nil, err
	}
	return readBits(m.DiscreteInputs, address, quantity), nil
}

// ReadHoldingRegisters reads a range of holding registers.
func (m *Model) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	m.locks[modbus.TableHoldingRegisters].RLock()
	defer m.locks[modbus.TableHoldingRegisters].RUnlock()

	if err := m.check(modbus.TableHoldingRegisters, address, quantity); err != nil {
		return nil, err
	}
	return append([]uint16(nil), m.HoldingRegisters[address:int(address)+int(quantity)]...), nil
}

// ReadInputRegisters reads a range of input registers.
func (m *Model) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	m.locks[modbus.TableInputRegisters].RLock()
	defer m.locks[modbus.TableInputRegisters].RUnlock()

	if err := m.check(modbus.TableInputRegisters, address, quantity); err != nil {
		return nil, err
	}
	return append([]uint16(nil), m.InputRegisters[address:int(address)+int(quantity)]...), nil
}

// WriteSingleCoil writes a single coil.
func (m *Model) WriteSingleCoil(address uint16, value bool) error {
	return m.WriteMultipleCoils(address, []bool{value})
}

// WriteMultipleCoils writes a range of coils.
func (m *Model) WriteMultipleCoils(address uint16, values []bool) error {
	m.locks[modbus.TableCoils].Lock()
	defer m.locks[modbus.TableCoils].Unlock()

	quantity := uint16(len(values))
	if len(values) > TableSize {
		return modbus.ExceptionCodeIllegalDataValue
	}
	if err := m.check(modbus.TableCoils, address, quantity); err != nil {
		return err
	}
	for i, v := range values {
		m.Coils[int(address)+i] = boolByte(v)
	}
	m.written(modbus.TableCoils, address, quantity)
	return nil
}

// WriteSingleRegister writes a single holding register.
func (m *Model) WriteSingleRegister(address, value uint16) error {
	return m.WriteMultipleRegisters(address, []uint16{value})
}

// WriteMultipleRegisters writes a range of holding registers.
func (m *Model) WriteMultipleRegisters(address uint16, values []uint16) error {
	m.locks[modbus.TableHoldingRegisters].Lock()
	defer m.locks[modbus.TableHoldingRegisters].Unlock()

	return m.writeRegisters(address, values)
}

func (m *Model) writeRegisters(address uint16, values []uint16) error {
	if len(values) > TableSize {
		return modbus.ExceptionCodeIllegalDataValue
	}
	quantity := uint16(len(values))
	if err := m.check(modbus.TableHoldingRegisters, address, quantity); err != nil {
		return err
	}
	copy(m.HoldingRegisters[address:], values)
	m.written(modbus.TableHoldingRegisters, address, quantity)
	return nil
}

// MaskWriteRegister applies and/or masks to one holding register.
func (m *Model) MaskWriteRegister(address, andMask, orMask uint16) error {
	m.locks[modbus.TableHoldingRegisters].Lock()
	defer m.locks[modbus.TableHoldingRegisters].Unlock()

	if err := m.check(modbus.TableHoldingRegisters, address, 1); err != nil {
		return err
	}
	cur := m.HoldingRegisters[address]
	m.HoldingRegisters[address] = (cur & andMask) | (orMask &^ andMask)
	m.written(modbus.TableHoldingRegisters, address, 1)
	return nil
}

// ReadWriteMultipleRegisters writes values, then reads quantity registers,
// as one atomic operation.
func (m *Model) ReadWriteMultipleRegisters(readAddress, quantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	m.locks[modbus.TableHoldingRegisters].Lock()
	defer m.locks[modbus.TableHoldingRegisters].Unlock()

	if err := m.check(modbus.TableHoldingRegisters, readAddress, quantity); err != nil {
		return nil, err
	}
	if err := m.writeRegisters(writeAddress, values); err != nil {
		return nil, err
	}
	return append([]uint16(nil), m.HoldingRegisters[readAddress:int(readAddress)+int(quantity)]...), nil
}

// SetDiscreteInputs sets read-only inputs from the device side.
func (m *Model) SetDiscreteInputs(address uint16, values []bool) error {
	m.locks[modbus.TableDiscreteInputs].Lock()
	defer m.locks[modbus.TableDiscreteInputs].Unlock()

	if err := m.check(modbus.TableDiscreteInputs, address, uint16(len(values))); err != nil {
		return err
	}
	for i, v := range values {
		m.DiscreteInputs[int(address)+i] = boolByte(v)
	}
	m.written(modbus.TableDiscreteInputs, address, uint16(len(values)))
	return nil
}

// SetInputRegisters sets read-only registers from the device side.
func (m *Model) SetInputRegisters(address uint16, values []uint16) error {
	m.locks[modbus.TableInputRegisters].Lock()
	defer m.locks[modbus.TableInputRegisters].Unlock()

	if err := m.check(modbus.TableInputRegisters, address, uint16(len(values))); err != nil {
		return err
	}
	copy(m.InputRegisters[address:], values)
	m.written(modbus.TableInputRegisters, address, uint16(len(values)))
	return nil
}

// Snapshot is a consistent copy of all four tables.
type Snapshot struct {
	Coils            []byte
	DiscreteInputs   []byte
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// Snapshot copies every table while holding all read locks.
func (m *Model) Snapshot() *Snapshot {
	l := m.allLocker(true)
	l.Lock()
	defer l.Unlock()
	return &Snapshot{
		Coils:            append([]byte(nil), m.Coils...),
		DiscreteInputs:   append([]byte(nil), m.DiscreteInputs...),
		HoldingRegisters: append([]uint16(nil), m.HoldingRegisters...),
		InputRegisters:   append([]uint16(nil), m.InputRegisters...),
	}
}
