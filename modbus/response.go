// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

// Response is a decoded response payload. FunctionCode never carries the
// exception bit; an exception response has a non-zero Exception instead.
type Response struct {
	FunctionCode byte
	Exception    ExceptionCode

	Coils       []bool
	Registers   []uint16
	Address     uint16
	Quantity    uint16
	Value       uint16
	AndMask     uint16
	OrMask      uint16
	SubFunction uint16
	Data        []byte
}

// IsException reports whether the server answered with an exception.
func (r *Response) IsException() bool {
	return r.Exception != 0
}

// Err returns the exception as an error, or nil for a success response.
func (r *Response) Err() error {
	if r.Exception != 0 {
		return r.Exception
	}
	return nil
}

// NewException builds the exception response for functionCode.
func NewException(functionCode byte, code ExceptionCode) *Response {
	return &Response{FunctionCode: functionCode &^ exceptionBit, Exception: code}
}

// CoilValue reports the boolean state of a single coil write response.
func (r *Response) CoilValue() bool {
	return r.Value == CoilOn
}
