// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package datamodel

import (
	"fmt"
	"os"

	"github.com/ffutop/modbus-engine/modbus"
	"gopkg.in/yaml.v3"
)

// Block is a run of values starting at Address.
type Block struct {
	Address uint16   `yaml:"address"`
	Values  []uint16 `yaml:"values"`
}

// Seed holds initial table contents. Bit tables treat any non-zero value
// as ON.
type Seed struct {
	ServerID         string  `yaml:"server_id"`
	Coils            []Block `yaml:"coils"`
	DiscreteInputs   []Block `yaml:"discrete_inputs"`
	HoldingRegisters []Block `yaml:"holding_registers"`
	InputRegisters   []Block `yaml:"input_registers"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// Apply writes the seed into the model as one atomic update. Blocks must
// lie within the table extents. The write hook observes every block.
func (m *Model) Apply(seed *Seed) error {
	l := m.allLocker(false)
	l.Lock()
	defer l.Unlock()

	blocks := [...][]Block{
		modbus.TableCoils:            seed.Coils,
		modbus.TableDiscreteInputs:   seed.DiscreteInputs,
		modbus.TableHoldingRegisters: seed.HoldingRegisters,
		modbus.TableInputRegisters:   seed.InputRegisters,
	}
	for t, bs := range blocks {
		table := modbus.Table(t)
		for _, b := range bs {
			if len(b.Values) == 0 {
				continue
			}
			if len(b.Values) > TableSize || m.check(table, b.Address, uint16(len(b.Values))) != nil {
				return fmt.Errorf("seed block %s[%d] with %d values exceeds extent %d", table, b.Address, len(b.Values), m.extents[t])
			}
		}
	}
	for t, bs := range blocks {
		table := modbus.Table(t)
		for _, b := range bs {
			if len(b.Values) == 0 {
				continue
			}
			for i, v := range b.Values {
				addr := int(b.Address) + i
				switch table {
				case modbus.TableCoils:
					m.Coils[addr] = boolByte(v != 0)
				case modbus.TableDiscreteInputs:
					m.DiscreteInputs[addr] = boolByte(v != 0)
				case modbus.TableHoldingRegisters:
					m.HoldingRegisters[addr] = v
				case modbus.TableInputRegisters:
					m.InputRegisters[addr] = v
				}
			}
			m.written(table, b.Address, uint16(len(b.Values)))
		}
	}
	if seed.ServerID != "" {
		m.SetServerID([]byte(seed.ServerID), true)
	}
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
