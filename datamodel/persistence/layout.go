// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/modbus-engine/datamodel"
)

// Layout of a file backed model:
//
//	Coils:            65536 bytes      (offset 0)
//	DiscreteInputs:   65536 bytes      (offset 65536)
//	HoldingRegisters: 65536 * 2 bytes  (offset 131072)
//	InputRegisters:   65536 * 2 bytes  (offset 262144)
const (
	sizeCoils    = datamodel.TableSize
	sizeDiscrete = datamodel.TableSize
	sizeHolding  = datamodel.TableSize * 2
	sizeInput    = datamodel.TableSize * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// wrapBytes builds a model whose tables alias data. Registers are cast
// in place, so their byte order on disk is the host's.
func wrapBytes(data []byte) *datamodel.Model {
	holding := data[offsetHolding : offsetHolding+sizeHolding]
	input := data[offsetInput : offsetInput+sizeInput]
	return datamodel.Wrap(
		data[offsetCoils:offsetCoils+sizeCoils],
		data[offsetDiscrete:offsetDiscrete+sizeDiscrete],
		unsafe.Slice((*uint16)(unsafe.Pointer(&holding[0])), sizeHolding/2),
		unsafe.Slice((*uint16)(unsafe.Pointer(&input[0])), sizeInput/2),
	)
}
