// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want []byte
	}{
		{"ReadCoils", ReadCoils(0x0013, 0x0013), []byte{0x01, 0x00, 0x13, 0x00, 0x13}},
		{"ReadDiscreteInputs", ReadDiscreteInputs(0x00C4, 0x0016), []byte{0x02, 0x00, 0xC4, 0x00, 0x16}},
		{"ReadHoldingRegisters", ReadHoldingRegisters(0x006B, 3), []byte{0x03, 0x00, 0x6B, 0x00, 0x03}},
		{"ReadInputRegisters", ReadInputRegisters(0x0008, 1), []byte{0x04, 0x00, 0x08, 0x00, 0x01}},
		{"WriteSingleCoil", WriteSingleCoil(10, true), []byte{0x05, 0x00, 0x0A, 0xFF, 0x00}},
		{"WriteSingleCoilOff", WriteSingleCoil(10, false), []byte{0x05, 0x00, 0x0A, 0x00, 0x00}},
		{"WriteSingleRegister", WriteSingleRegister(1, 3), []byte{0x06, 0x00, 0x01, 0x00, 0x03}},
		{"WriteMultipleCoils",
			WriteMultipleCoils(0x0013, []bool{true, false, true, true, false, false, true, true, true, false}),
			[]byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}},
		{"WriteMultipleRegisters",
			WriteMultipleRegisters(1, []uint16{0x000A, 0x0102}),
			[]byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}},
		{"MaskWriteRegister", MaskWriteRegister(4, 0x00F2, 0x0025), []byte{0x16, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25}},
		{"ReadWriteMultipleRegisters",
			ReadWriteMultipleRegisters(3, 6, 14, []uint16{0x00FF, 0x00FF, 0x00FF}),
			[]byte{0x17, 0x00, 0x03, 0x00, 0x06, 0x00, 0x0E, 0x00, 0x03, 0x06, 0x00, 0xFF, 0x00, 0xFF, 0x00, 0xFF}},
		{"Diagnostics", Diagnostics(DiagReturnQueryData, []byte{0xA5, 0x37}), []byte{0x08, 0x00, 0x00, 0xA5, 0x37}},
		{"ReportServerID", ReportServerID(), []byte{0x11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := EncodeRequest(tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}
			if got := pdu.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeRequest() = % X, want % X", got, tt.want)
			}
			decoded, err := DecodeRequest(pdu)
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if diff := cmp.Diff(tt.req, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRequestRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"ReadCoilsTooMany", ReadCoils(0, 2001)},
		{"ReadCoilsZero", ReadCoils(0, 0)},
		{"ReadRegistersTooMany", ReadHoldingRegisters(0, 126)},
		{"ReadOverflow", ReadInputRegisters(0xFFFF, 2)},
		{"WriteCoilsTooMany", WriteMultipleCoils(0, make([]bool, 1969))},
		{"WriteRegistersTooMany", WriteMultipleRegisters(0, make([]uint16, 124))},
		{"WriteRegistersEmpty", WriteMultipleRegisters(0, nil)},
		{"ReadWriteTooManyWrites", ReadWriteMultipleRegisters(0, 1, 0, make([]uint16, 122))},
		{"BadCoilValue", &Request{FunctionCode: FuncCodeWriteSingleCoil, Value: 0x1234}},
		{"UnknownFunction", &Request{FunctionCode: 0x2B}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeRequest(tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("EncodeRequest() error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	// The upper bounds themselves are valid.
	for _, req := range []*Request{ReadCoils(0, 2000), ReadHoldingRegisters(0xFFFF-124, 125), WriteMultipleCoils(0, make([]bool, 1968))} {
		if _, err := EncodeRequest(req); err != nil {
			t.Errorf("EncodeRequest(%+v) error = %v", req.FunctionCode, err)
		}
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		pdu  []byte
		want error
	}{
		{"Unknown", []byte{0x2B, 0x0E, 0x01, 0x00}, ErrUnknownFunctionCode},
		{"ExceptionBit", []byte{0x83, 0x02}, ErrUnknownFunctionCode},
		{"ShortRead", []byte{0x03, 0x00, 0x01, 0x00}, ErrMalformedFrame},
		{"LongRead", []byte{0x03, 0x00, 0x01, 0x00, 0x01, 0x00}, ErrMalformedFrame},
		{"ReadQuantityZero", []byte{0x01, 0x00, 0x00, 0x00, 0x00}, ErrMalformedFrame},
		{"ReadQuantityTooLarge", []byte{0x03, 0x00, 0x00, 0x00, 0x7E}, ErrMalformedFrame},
		{"CoilValue", []byte{0x05, 0x00, 0x01, 0x12, 0x34}, ErrMalformedFrame},
		{"ByteCountMismatch", []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A}, ErrMalformedFrame},
		{"CoilByteCount", []byte{0x0F, 0x00, 0x00, 0x00, 0x09, 0x01, 0xFF}, ErrMalformedFrame},
		{"ReportServerIDWithData", []byte{0x11, 0x00}, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := ParsePDU(tt.pdu)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := DecodeRequest(pdu); !errors.Is(err, tt.want) {
				t.Errorf("DecodeRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	// Read holding registers [0x0001, 0x00FF].
	pdu, _ := ParsePDU([]byte{0x03, 0x04, 0x00, 0x01, 0x00, 0xFF})
	resp, err := DecodeResponse(FuncCodeReadHoldingRegisters, pdu)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if diff := cmp.Diff([]uint16{0x0001, 0x00FF}, resp.Registers); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if err := ReadHoldingRegisters(0, 2).Verify(resp); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := ReadHoldingRegisters(0, 3).Verify(resp); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Verify() with wrong quantity error = %v", err)
	}

	// Coils are trimmed to the requested quantity.
	pdu, _ = ParsePDU([]byte{0x01, 0x02, 0xCD, 0x01})
	resp, err = DecodeResponse(FuncCodeReadCoils, pdu)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if err := ReadCoils(0x13, 10).Verify(resp); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	want := []bool{true, false, true, true, false, false, true, true, true, false}
	if diff := cmp.Diff(want, resp.Coils); diff != "" {
		t.Errorf("coils mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeResponseException(t *testing.T) {
	pdu, _ := ParsePDU([]byte{0x83, 0x02})
	resp, err := DecodeResponse(FuncCodeReadHoldingRegisters, pdu)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if !resp.IsException() || resp.Exception != ExceptionCodeIllegalDataAddress {
		t.Errorf("Exception = %v, want IllegalDataAddress", resp.Exception)
	}
	if !errors.Is(resp.Err(), ExceptionCodeIllegalDataAddress) {
		t.Errorf("Err() = %v", resp.Err())
	}

	encoded, err := EncodeResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if got := encoded.Bytes(); !bytes.Equal(got, []byte{0x83, 0x02}) {
		t.Errorf("EncodeResponse() = % X", got)
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	tests := []struct {
		name     string
		function byte
		pdu      []byte
		want     error
	}{
		{"UnknownException", FuncCodeReadCoils, []byte{0x81, 0x09}, ErrUnknownExceptionCode},
		{"ExceptionMismatch", FuncCodeReadCoils, []byte{0x83, 0x02}, ErrFunctionCodeMismatch},
		{"FunctionMismatch", FuncCodeReadCoils, []byte{0x03, 0x02, 0x00, 0x01}, ErrFunctionCodeMismatch},
		{"ByteCount", FuncCodeReadHoldingRegisters, []byte{0x03, 0x04, 0x00, 0x01}, ErrMalformedFrame},
		{"OddRegisterBytes", FuncCodeReadHoldingRegisters, []byte{0x03, 0x03, 0x00, 0x01, 0x00}, ErrMalformedFrame},
		{"ShortEcho", FuncCodeWriteSingleRegister, []byte{0x06, 0x00, 0x01}, ErrMalformedFrame},
		{"ExceptionLength", FuncCodeReadCoils, []byte{0x81, 0x02, 0x00}, ErrMalformedFrame},
		{"Unknown", 0x2B, []byte{0x2B, 0x00}, ErrUnknownFunctionCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, _ := ParsePDU(tt.pdu)
			if _, err := DecodeResponse(tt.function, pdu); !errors.Is(err, tt.want) {
				t.Errorf("DecodeResponse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyEcho(t *testing.T) {
	req := WriteSingleCoil(10, true)
	pdu, _ := ParsePDU([]byte{0x05, 0x00, 0x0A, 0xFF, 0x00})
	resp, err := DecodeResponse(FuncCodeWriteSingleCoil, pdu)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Verify(resp); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	pdu, _ = ParsePDU([]byte{0x05, 0x00, 0x0B, 0xFF, 0x00})
	resp, _ = DecodeResponse(FuncCodeWriteSingleCoil, pdu)
	err = req.Verify(resp)
	if !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, ErrReplyEchoMismatch) {
		t.Errorf("Verify() error = %v, want echo mismatch", err)
	}
}

func TestEncodeResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want []byte
	}{
		{"Registers", &Response{FunctionCode: FuncCodeReadHoldingRegisters, Registers: []uint16{0x0001, 0x00FF}},
			[]byte{0x03, 0x04, 0x00, 0x01, 0x00, 0xFF}},
		{"Coils", &Response{FunctionCode: FuncCodeReadCoils, Coils: []bool{true, false, true}},
			[]byte{0x01, 0x01, 0x05}},
		{"WriteMultiple", &Response{FunctionCode: FuncCodeWriteMultipleRegisters, Address: 1, Quantity: 2},
			[]byte{0x10, 0x00, 0x01, 0x00, 0x02}},
		{"ReportServerID", &Response{FunctionCode: FuncCodeReportServerID, Data: []byte{0x42, 0xFF}},
			[]byte{0x11, 0x02, 0x42, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := EncodeResponse(tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponse() error = %v", err)
			}
			if got := pdu.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeResponse() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestPackBits(t *testing.T) {
	values := []bool{true, false, false, false, false, false, false, false, true}
	packed := PackBits(values)
	if !bytes.Equal(packed, []byte{0x01, 0x01}) {
		t.Errorf("PackBits() = % X", packed)
	}
	if diff := cmp.Diff(values, UnpackBits(packed, len(values))); diff != "" {
		t.Errorf("UnpackBits() mismatch (-want +got):\n%s", diff)
	}
}
