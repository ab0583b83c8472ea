// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
)

// MemoryStorage keeps nothing.
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*datamodel.Model, error) {
	return datamodel.New(), nil
}

func (ms *MemoryStorage) Save(*datamodel.Model) error {
	return nil
}

func (ms *MemoryStorage) OnWrite(modbus.Table, uint16, uint16) {}

func (ms *MemoryStorage) Close() error {
	return nil
}
