// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
)

// FileStorage keeps the model in memory and writes every change through
// to a file with the fixed layout.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load reads the file, creating it zeroed if necessary.
func (fs *FileStorage) Load() (*datamodel.Model, error) {
	f, err := openSized(fs.path)
	if err != nil {
		return nil, err
	}
	data := make([]byte, totalSize)
	if _, err := io.ReadFull(f, data); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	fs.file = f
	fs.data = data
	return wrapBytes(data), nil
}

// openSized opens path read-write and sizes it to the layout.
func openSized(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
	}
	return f, nil
}

// Save writes the whole layout and syncs it.
func (fs *FileStorage) Save(*datamodel.Model) error {
	if fs.file == nil {
		return nil
	}
	return fs.writeAt(0, totalSize)
}

// OnWrite writes the changed range and syncs it.
func (fs *FileStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if fs.file == nil {
		return
	}
	off, n := region(table, address, quantity)
	if err := fs.writeAt(off, n); err != nil {
		slog.Error("Failed to persist write", "path", fs.path, "table", table, "addr", address, "err", err)
	}
}

func (fs *FileStorage) writeAt(off, n int) error {
	if _, err := fs.file.WriteAt(fs.data[off:off+n], int64(off)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

// region returns the byte range of a table range in the layout.
func region(table modbus.Table, address, quantity uint16) (off, n int) {
	switch table {
	case modbus.TableCoils:
		return offsetCoils + int(address), int(quantity)
	case modbus.TableDiscreteInputs:
		return offsetDiscrete + int(address), int(quantity)
	case modbus.TableHoldingRegisters:
		return offsetHolding + 2*int(address), 2 * int(quantity)
	case modbus.TableInputRegisters:
		return offsetInput + 2*int(address), 2 * int(quantity)
	}
	return 0, 0
}
