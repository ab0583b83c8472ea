// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package framing selects a framer implementation by name.
package framing

import (
	"fmt"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/ascii"
	"github.com/ffutop/modbus-engine/modbus/rtu"
	"github.com/ffutop/modbus-engine/modbus/tcp"
)

// New returns a fresh framer for f parsing frames travelling in dir.
func New(f modbus.Framing, dir modbus.Direction) (modbus.Framer, error) {
	switch f {
	case modbus.FramingTCP:
		return tcp.NewFramer(), nil
	case modbus.FramingRTU:
		return rtu.NewFramer(dir), nil
	case modbus.FramingASCII:
		return ascii.NewFramer(), nil
	}
	return nil, fmt.Errorf("modbus: unknown framing '%s'", f)
}

// MatchesByTransactionID reports whether responses on f are correlated by
// transaction id rather than by order.
func MatchesByTransactionID(f modbus.Framing) bool {
	return f == modbus.FramingTCP
}
