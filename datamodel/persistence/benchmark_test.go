// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"path/filepath"
	"testing"

	"github.com/ffutop/modbus-engine/datamodel"
)

func benchmarkWrite(b *testing.B, s Storage) {
	m, err := Open(s)
	if err != nil {
		b.Fatalf("Failed to load storage: %v", err)
	}
	defer s.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.WriteSingleRegister(10, uint16(i))
	}
}

// BenchmarkModelWrite is the baseline without persistence.
func BenchmarkModelWrite(b *testing.B) {
	m := datamodel.New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.WriteSingleRegister(10, uint16(i))
	}
}

func BenchmarkMemoryStorageWrite(b *testing.B) {
	benchmarkWrite(b, NewMemoryStorage())
}

// BenchmarkFileStorageWrite measures a ranged write plus fsync.
func BenchmarkFileStorageWrite(b *testing.B) {
	benchmarkWrite(b, NewFileStorage(filepath.Join(b.TempDir(), "bench.bin")))
}

// BenchmarkMmapStorageWrite measures msync of the whole mapping.
func BenchmarkMmapStorageWrite(b *testing.B) {
	benchmarkWrite(b, NewMmapStorage(filepath.Join(b.TempDir(), "bench.mmap")))
}

func BenchmarkFileStorageLoad(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_load.bin")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := NewFileStorage(path)
		if _, err := s.Load(); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		s.Close()
	}
}

// BenchmarkMmapStorageLoad includes open, fstat and mmap.
func BenchmarkMmapStorageLoad(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench_load.mmap")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := NewMmapStorage(path)
		if _, err := s.Load(); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
		s.Close()
	}
}
