// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// ApplicationDataUnit is a PDU plus the addressing a framing adds to it.
// TransactionID is only carried by the TCP framing.
type ApplicationDataUnit struct {
	TransactionID uint16
	UnitID        byte
	Pdu           ProtocolDataUnit
}

// Framer wraps PDUs for one transport and reassembles them from an
// arbitrarily chunked byte stream. A Framer is owned by one goroutine.
type Framer interface {
	// Encode returns the wire bytes for adu.
	Encode(adu *ApplicationDataUnit) ([]byte, error)
	// Feed appends received bytes to the reassembly buffer.
	Feed(p []byte)
	// Next returns the next complete frame. It returns ErrIncomplete when
	// more bytes are needed, or a framing error after the offending bytes
	// were discarded; in both cases the framer stays usable.
	Next() (*ApplicationDataUnit, error)
	// Flush signals the end of a frame by line silence.
	Flush()
	// Reset drops all buffered bytes.
	Reset()
}

// Direction selects which side of the conversation a framer parses.
// Only the RTU framing, which infers frame length from the payload,
// depends on it.
type Direction int

const (
	Requests Direction = iota
	Responses
)

// Framing names a wire format.
type Framing string

const (
	FramingTCP   Framing = "tcp"
	FramingRTU   Framing = "rtu"
	FramingASCII Framing = "ascii"
)

// ParseFraming parses a framing name, case insensitive.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(strings.TrimSpace(s))); f {
	case FramingTCP, FramingRTU, FramingASCII:
		return f, nil
	case "":
		return FramingTCP, nil
	}
	return "", fmt.Errorf("modbus: unknown framing '%s'", s)
}

// DecodeLevel controls how much of each frame is traced at debug level.
type DecodeLevel int

const (
	DecodeNothing DecodeLevel = iota
	DecodeHeader
	DecodeData
)

// ParseDecodeLevel parses "nothing", "header" or "data".
func ParseDecodeLevel(s string) (DecodeLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nothing", "none":
		return DecodeNothing, nil
	case "header":
		return DecodeHeader, nil
	case "data":
		return DecodeData, nil
	}
	return DecodeNothing, fmt.Errorf("modbus: unknown decode level '%s'", s)
}

// Trace logs adu and its raw encoding according to the level.
func (l DecodeLevel) Trace(logger *slog.Logger, msg string, adu *ApplicationDataUnit, raw []byte) {
	if l == DecodeNothing || logger == nil {
		return
	}
	attrs := []any{
		"unit", adu.UnitID,
		"tid", adu.TransactionID,
		"func", FunctionName(adu.Pdu.FunctionCode),
	}
	if l >= DecodeData {
		attrs = append(attrs, "frame", hex.EncodeToString(raw))
	}
	logger.Debug(msg, attrs...)
}
