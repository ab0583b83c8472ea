// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package channel

import (
	"context"

	"github.com/ffutop/modbus-engine/modbus"
)

// The helpers below wrap Submit for one function code each. Unlike
// Submit they return a protocol exception as a modbus.ExceptionCode error.

func (c *Channel) do(ctx context.Context, unit byte, req *modbus.Request) (*modbus.Response, error) {
	resp, err := c.Submit(ctx, unit, req)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Channel) ReadCoils(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	resp, err := c.do(ctx, unit, modbus.ReadCoils(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Coils, nil
}

func (c *Channel) ReadDiscreteInputs(ctx context.Context, unit byte, address, quantity uint16) ([]bool, error) {
	resp, err := c.do(ctx, unit, modbus.ReadDiscreteInputs(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Coils, nil
}

func (c *Channel) ReadHoldingRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	resp, err := c.do(ctx, unit, modbus.ReadHoldingRegisters(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

func (c *Channel) ReadInputRegisters(ctx context.Context, unit byte, address, quantity uint16) ([]uint16, error) {
	resp, err := c.do(ctx, unit, modbus.ReadInputRegisters(address, quantity))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

func (c *Channel) WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) error {
	_, err := c.do(ctx, unit, modbus.WriteSingleCoil(address, value))
	return err
}

func (c *Channel) WriteSingleRegister(ctx context.Context, unit byte, address, value uint16) error {
	_, err := c.do(ctx, unit, modbus.WriteSingleRegister(address, value))
	return err
}

func (c *Channel) WriteMultipleCoils(ctx context.Context, unit byte, address uint16, values []bool) error {
	_, err := c.do(ctx, unit, modbus.WriteMultipleCoils(address, values))
	return err
}

func (c *Channel) WriteMultipleRegisters(ctx context.Context, unit byte, address uint16, values []uint16) error {
	_, err := c.do(ctx, unit, modbus.WriteMultipleRegisters(address, values))
	return err
}

// MaskWriteRegister sets a register to (current AND andMask) OR (orMask
// AND NOT andMask).
func (c *Channel) MaskWriteRegister(ctx context.Context, unit byte, address, andMask, orMask uint16) error {
	_, err := c.do(ctx, unit, modbus.MaskWriteRegister(address, andMask, orMask))
	return err
}

// ReadWriteMultipleRegisters writes values at writeAddress, then reads
// quantity registers at readAddress, in one transaction.
func (c *Channel) ReadWriteMultipleRegisters(ctx context.Context, unit byte, readAddress, quantity, writeAddress uint16, values []uint16) ([]uint16, error) {
	resp, err := c.do(ctx, unit, modbus.ReadWriteMultipleRegisters(readAddress, quantity, writeAddress, values))
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// Echo sends data through Diagnostics Return Query Data and checks it
// comes back unchanged.
func (c *Channel) Echo(ctx context.Context, unit byte, data []byte) error {
	_, err := c.do(ctx, unit, modbus.Diagnostics(modbus.DiagReturnQueryData, data))
	return err
}

// ReportServerID returns the server id and its run indicator.
func (c *Channel) ReportServerID(ctx context.Context, unit byte) (id []byte, running bool, err error) {
	resp, err := c.do(ctx, unit, modbus.ReportServerID())
	if err != nil {
		return nil, false, err
	}
	if len(resp.Data) == 0 {
		return nil, false, nil
	}
	n := len(resp.Data) - 1
	return resp.Data[:n], resp.Data[n] == 0xFF, nil
}
