// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "time"

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

// Above 19200 baud the Modbus serial line timings are fixed.
const (
	fastCharacterDelay = 750 * time.Microsecond
	fastFrameDelay     = 1750 * time.Microsecond
)

// FrameDelay returns the 3.5 character silence that separates frames at
// baudRate, the default end-of-frame quiescence for an RTU link.
func FrameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return fastFrameDelay
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// CharacterDelay returns the 1.5 character time at baudRate.
func CharacterDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return fastCharacterDelay
	}
	return time.Duration(15000000/baudRate) * time.Microsecond
}
