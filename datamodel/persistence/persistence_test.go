// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
)

func newStorage(t *testing.T, typ string) (Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model."+typ)
	s, err := New(typ, path)
	if err != nil {
		t.Fatalf("New(%q): %v", typ, err)
	}
	return s, path
}

func load(t *testing.T, s Storage) *datamodel.Model {
	t.Helper()
	m, err := Open(s)
	if err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") {
			t.Skipf("sqlite3 driver unavailable: %v", err)
		}
		t.Fatalf("Open: %v", err)
	}
	return m
}

// mutate performs one write of every kind through the model.
func mutate(t *testing.T, m *datamodel.Model) {
	t.Helper()
	steps := []error{
		m.WriteMultipleCoils(10, []bool{true, false, true}),
		m.WriteSingleRegister(0, 0x0001),
		m.WriteMultipleRegisters(1, []uint16{0x00FF, 0xCAFE}),
		m.MaskWriteRegister(1, 0xFF00, 0x0011),
		m.SetDiscreteInputs(65535, []bool{true}),
		m.SetInputRegisters(7, []uint16{0x1234}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
}

func TestStorageSurvivesReopen(t *testing.T) {
	for _, typ := range []string{TypeFile, TypeMmap, TypeSQL} {
		t.Run(typ, func(t *testing.T) {
			s, path := newStorage(t, typ)
			m := load(t, s)
			mutate(t, m)
			want := m.Snapshot()
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s2, err := New(typ, path)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer s2.Close()
			got := load(t, s2).Snapshot()
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("reloaded model mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSaveRewritesEverything(t *testing.T) {
	for _, typ := range []string{TypeFile, TypeMmap, TypeSQL} {
		t.Run(typ, func(t *testing.T) {
			s, path := newStorage(t, typ)
			m := load(t, s)
			// Direct slice access bypasses the write hook.
			m.HoldingRegisters[500] = 77
			m.Coils[3] = 1
			if err := s.Save(m); err != nil {
				t.Fatalf("Save: %v", err)
			}
			s.Close()

			s2, _ := New(typ, path)
			defer s2.Close()
			m2 := load(t, s2)
			if m2.HoldingRegisters[500] != 77 || m2.Coils[3] != 1 {
				t.Errorf("saved values lost: hr[500]=%d coil[3]=%d", m2.HoldingRegisters[500], m2.Coils[3])
			}
		})
	}
}

func TestMemoryStorage(t *testing.T) {
	s, _ := newStorage(t, TypeMemory)
	m := load(t, s)
	mutate(t, m)
	if err := s.Save(m); err != nil {
		t.Errorf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	fresh, _ := s.Load()
	if fresh.HoldingRegisters[0] != 0 {
		t.Error("memory storage kept data across loads")
	}
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New("redis", "x"); err == nil {
		t.Error("New accepted an unknown type")
	}
}

func TestRegion(t *testing.T) {
	tests := []struct {
		table    modbus.Table
		address  uint16
		quantity uint16
		off, n   int
	}{
		{modbus.TableCoils, 5, 3, 5, 3},
		{modbus.TableDiscreteInputs, 0, 1, offsetDiscrete, 1},
		{modbus.TableHoldingRegisters, 10, 2, offsetHolding + 20, 4},
		{modbus.TableInputRegisters, 65535, 1, totalSize - 2, 2},
	}
	for _, tt := range tests {
		off, n := region(tt.table, tt.address, tt.quantity)
		if off != tt.off || n != tt.n {
			t.Errorf("region(%s, %d, %d) = %d, %d, want %d, %d", tt.table, tt.address, tt.quantity, off, n, tt.off, tt.n)
		}
	}
}
