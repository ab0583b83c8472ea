// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "encoding/binary"

func bitByteCount(quantity int) int {
	return (quantity + 7) / 8
}

// PackBits packs values LSB first, zero padding the final byte.
func PackBits(values []bool) []byte {
	result := make([]byte, bitByteCount(len(values)))
	for i, v := range values {
		if v {
			result[i/8] |= 1 << uint(i%8)
		}
	}
	return result
}

// UnpackBits expands the first quantity bits of data.
func UnpackBits(data []byte, quantity int) []bool {
	values := make([]bool, quantity)
	for i := range values {
		values[i] = (data[i/8]>>uint(i%8))&1 != 0
	}
	return values
}

func packRegisters(values []uint16) []byte {
	result := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(result[i*2:], v)
	}
	return result
}

func unpackRegisters(data []byte) []uint16 {
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values
}
