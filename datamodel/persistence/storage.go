// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps a datamodel.Model across restarts.
package persistence

import (
	"fmt"

	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
)

// Storage defines the interface for persisting a data model.
type Storage interface {
	// Load returns the stored model, or a zeroed one when nothing was
	// stored yet.
	Load() (*datamodel.Model, error)

	// Save writes the whole model to storage.
	Save(m *datamodel.Model) error

	// OnWrite is installed as the model's write hook. It runs while the
	// written table is locked.
	OnWrite(table modbus.Table, address, quantity uint16)

	Close() error
}

// Storage types.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeMmap   = "mmap"
	TypeSQL    = "sql"
)

// SQLDriver is the database/sql driver used by the sql storage. The
// binary registers it.
const SQLDriver = "sqlite3"

// New returns the storage of the given type. path is the file path, or
// the DSN for sql.
func New(typ, path string) (Storage, error) {
	switch typ {
	case "", TypeMemory:
		return NewMemoryStorage(), nil
	case TypeFile:
		return NewFileStorage(path), nil
	case TypeMmap:
		return NewMmapStorage(path), nil
	case TypeSQL:
		return NewSQLStorage(SQLDriver, path), nil
	}
	return nil, fmt.Errorf("unknown persistence type %q", typ)
}

// Open loads the model from s and installs s as its write hook.
func Open(s Storage) (*datamodel.Model, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	m.SetWriteHook(s.OnWrite)
	return m, nil
}
