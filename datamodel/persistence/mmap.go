// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
)

// MmapStorage maps the layout file into memory, so the model tables are
// the file pages themselves.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load maps the file, creating it zeroed if necessary.
func (ms *MmapStorage) Load() (*datamodel.Model, error) {
	f, err := openSized(ms.path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data
	return wrapBytes(data), nil
}

// Save flushes the mapping to disk.
func (ms *MmapStorage) Save(*datamodel.Model) error {
	if ms.data == nil {
		return errors.New("mmap storage is not loaded")
	}
	return ms.data.Flush()
}

// OnWrite flushes the mapping so the write survives a power loss.
func (ms *MmapStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush mmap", "path", ms.path, "table", table, "addr", address, "err", err)
	}
}

// Close unmaps and closes the file. The loaded model must not be used
// afterwards.
func (ms *MmapStorage) Close() error {
	var errs []error
	if ms.data != nil {
		errs = append(errs, ms.data.Unmap())
		ms.data = nil
	}
	if ms.file != nil {
		errs = append(errs, ms.file.Close())
		ms.file = nil
	}
	return errors.Join(errs...)
}
