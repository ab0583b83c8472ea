// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
)

const (
	schema = `
	CREATE TABLE IF NOT EXISTS modbus_registers (
		table_type INTEGER,
		address INTEGER,
		value INTEGER,
		PRIMARY KEY (table_type, address)
	);
	`
	upsert = "INSERT INTO modbus_registers (table_type, address, value) VALUES (?, ?, ?) " +
		"ON CONFLICT(table_type, address) DO UPDATE SET value=excluded.value"
)

// SQLStorage keeps one row per non-default entry in a SQL database.
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	model  *datamodel.Model
}

// NewSQLStorage creates a new SQLStorage. The driver must be registered
// by the binary.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the database and reads every stored row.
func (s *SQLStorage) Load() (*datamodel.Model, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	m := datamodel.New()
	rows, err := db.Query("SELECT table_type, address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t, addr, val int
		if err := rows.Scan(&t, &addr, &val); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to scan register: %w", err)
		}
		if addr < 0 || addr > datamodel.MaxAddress {
			continue
		}
		switch modbus.Table(t) {
		case modbus.TableCoils:
			m.Coils[addr] = byte(val)
		case modbus.TableDiscreteInputs:
			m.DiscreteInputs[addr] = byte(val)
		case modbus.TableHoldingRegisters:
			m.HoldingRegisters[addr] = uint16(val)
		case modbus.TableInputRegisters:
			m.InputRegisters[addr] = uint16(val)
		}
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read registers: %w", err)
	}

	s.db = db
	s.model = m
	return m, nil
}

// Save replaces the stored rows with the non-zero entries of m.
func (s *SQLStorage) Save(m *datamodel.Model) error {
	if s.db == nil {
		return fmt.Errorf("sql storage is not loaded")
	}
	snap := m.Snapshot()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM modbus_registers"); err != nil {
		return fmt.Errorf("failed to clear registers: %w", err)
	}
	stmt, err := tx.Prepare(upsert)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	put := func(t modbus.Table, addr int, val int64) error {
		if val == 0 {
			return nil
		}
		_, err := stmt.Exec(int(t), addr, val)
		return err
	}
	for addr := 0; addr < datamodel.TableSize; addr++ {
		if err := put(modbus.TableCoils, addr, int64(snap.Coils[addr])); err != nil {
			return err
		}
		if err := put(modbus.TableDiscreteInputs, addr, int64(snap.DiscreteInputs[addr])); err != nil {
			return err
		}
		if err := put(modbus.TableHoldingRegisters, addr, int64(snap.HoldingRegisters[addr])); err != nil {
			return err
		}
		if err := put(modbus.TableInputRegisters, addr, int64(snap.InputRegisters[addr])); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OnWrite upserts the changed range in one transaction.
func (s *SQLStorage) OnWrite(table modbus.Table, address, quantity uint16) {
	if s.db == nil || s.model == nil {
		return
	}
	if err := s.write(table, address, quantity); err != nil {
		slog.Error("Failed to persist registers", "table", table, "addr", address, "quantity", quantity, "err", err)
	}
}

func (s *SQLStorage) write(table modbus.Table, address, quantity uint16) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(upsert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	// The table is locked by the caller, so its slice is read directly.
	for i := 0; i < int(quantity); i++ {
		addr := int(address) + i
		var val int64
		switch table {
		case modbus.TableCoils:
			val = int64(s.model.Coils[addr])
		case modbus.TableDiscreteInputs:
			val = int64(s.model.DiscreteInputs[addr])
		case modbus.TableHoldingRegisters:
			val = int64(s.model.HoldingRegisters[addr])
		case modbus.TableInputRegisters:
			val = int64(s.model.InputRegisters[addr])
		}
		if _, err := stmt.Exec(int(table), addr, val); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
