// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedFrame       = errors.New("modbus: malformed frame")
	ErrUnknownFunctionCode  = errors.New("modbus: unknown function code")
	ErrUnknownExceptionCode = errors.New("modbus: unknown exception code")
	ErrFunctionCodeMismatch = errors.New("modbus: function code mismatch")
	ErrInvalidProtocolID    = errors.New("modbus: invalid protocol id")
	ErrCRCMismatch          = errors.New("modbus: crc mismatch")
	ErrLRCMismatch          = errors.New("modbus: lrc mismatch")
	ErrResponseTimeout      = errors.New("modbus: response timeout")
	ErrChannelClosed        = errors.New("modbus: channel closed")

	// ErrInvalidRequest rejects a request locally before any byte is sent.
	ErrInvalidRequest = errors.New("modbus: invalid request")
	// ErrReplyEchoMismatch is wrapped together with ErrMalformedFrame when a
	// write response does not echo the request.
	ErrReplyEchoMismatch = errors.New("modbus: reply does not echo request")
	// ErrIncomplete is returned by a Framer that needs more bytes.
	ErrIncomplete = errors.New("modbus: incomplete frame")
)

// IsFramingError reports whether err is frame corruption a framer
// recovers from by discarding bytes.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrCRCMismatch) ||
		errors.Is(err, ErrLRCMismatch) ||
		errors.Is(err, ErrInvalidProtocolID)
}

// ExceptionCode is the protocol level exception carried by an exception
// response. It is a valid outcome, not an engine failure.
type ExceptionCode byte

const (
	ExceptionCodeIllegalFunction                    ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue                   ExceptionCode = 0x03
	ExceptionCodeServerDeviceFailure                ExceptionCode = 0x04
	ExceptionCodeAcknowledge                        ExceptionCode = 0x05
	ExceptionCodeServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionCodeNegativeAcknowledge                ExceptionCode = 0x07
	ExceptionCodeMemoryParityError                  ExceptionCode = 0x08
	ExceptionCodeGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionCodeIllegalFunction:                    "illegal function",
	ExceptionCodeIllegalDataAddress:                 "illegal data address",
	ExceptionCodeIllegalDataValue:                   "illegal data value",
	ExceptionCodeServerDeviceFailure:                "server device failure",
	ExceptionCodeAcknowledge:                        "acknowledge",
	ExceptionCodeServerDeviceBusy:                   "server device busy",
	ExceptionCodeNegativeAcknowledge:                "negative acknowledge",
	ExceptionCodeMemoryParityError:                  "memory parity error",
	ExceptionCodeGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionCodeGatewayTargetDeviceFailedToRespond: "gateway target device failed to respond",
}

// Known reports whether e belongs to the standard exception set.
func (e ExceptionCode) Known() bool {
	_, ok := exceptionNames[e]
	return ok
}

func (e ExceptionCode) Error() string {
	if name, ok := exceptionNames[e]; ok {
		return fmt.Sprintf("modbus: exception '%v' (%s)", byte(e), name)
	}
	return fmt.Sprintf("modbus: exception '%v'", byte(e))
}

// InvalidLengthError reports a byte count field outside its valid range.
type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

func (e *InvalidLengthError) Unwrap() error {
	return ErrMalformedFrame
}
