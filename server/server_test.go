// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/transport/tcp"
	goburrow "github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
)

func newModel(t *testing.T) *datamodel.Model {
	t.Helper()
	m := datamodel.New()
	m.Restrict(datamodel.Extents{HoldingRegisters: 10000})
	if err := m.WriteMultipleRegisters(0, []uint16{0x0001, 0x00FF}); err != nil {
		t.Fatalf("seed registers: %v", err)
	}
	return m
}

// serveConn runs ServeConn on one end of a pipe and returns the other.
func serveConn(t *testing.T, s *Server) net.Conn {
	t.Helper()
	client, conn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ServeConn(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		client.Close()
		if err := <-done; err != nil {
			t.Errorf("ServeConn: %v", err)
		}
	})
	return client
}

func exchange(t *testing.T, conn net.Conn, req []byte, n int) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp := make([]byte, n)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestServeConnTCP(t *testing.T) {
	s := New(Config{Framing: modbus.FramingTCP})
	if err := s.Handle(1, newModel(t)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	conn := serveConn(t, s)

	tests := []struct {
		name string
		req  []byte
		want []byte
	}{
		{
			name: "read holding registers",
			req:  []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02},
			want: []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x01, 0x00, 0xFF},
		},
		{
			name: "read beyond extent",
			req:  []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x27, 0x10, 0x00, 0x01},
			want: []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02},
		},
		{
			name: "read top address",
			req:  []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0xFF, 0xFF, 0x00, 0x01},
			want: []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exchange(t, conn, tt.req, len(tt.want))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestServeConnRTUWriteCoilEcho(t *testing.T) {
	s := New(Config{Framing: modbus.FramingRTU})
	m := newModel(t)
	s.Handle(1, m)
	conn := serveConn(t, s)

	req := []byte{0x01, 0x05, 0x00, 0x0A, 0xFF, 0x00, 0xAC, 0x38}
	got := exchange(t, conn, req, len(req))
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
	coils, _ := m.ReadCoils(10, 1)
	if !coils[0] {
		t.Error("coil 10 is still OFF")
	}
}

func TestServeConnASCII(t *testing.T) {
	s := New(Config{Framing: modbus.FramingASCII})
	s.Handle(1, newModel(t))
	conn := serveConn(t, s)

	tests := []struct {
		name string
		req  string
		want string
	}{
		{"read holding registers", ":010300000002FA\r\n", ":010304000100FFF8\r\n"},
		{"lowercase hex", ":010300000002fa\r\n", ":010304000100FFF8\r\n"},
		{"read beyond extent", ":010327100001C4\r\n", ":0183027A\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exchange(t, conn, []byte(tt.req), len(tt.want))
			if string(got) != tt.want {
				t.Errorf("response = %q, want %q", got, tt.want)
			}
		})
	}

	// A bad LRC is dropped and the next frame is answered.
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(":010300000002FB\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := ":010304000100FFF8\r\n"
	if got := exchange(t, conn, []byte(":010300000002FA\r\n"), len(want)); string(got) != want {
		t.Errorf("response after bad LRC = %q, want %q", got, want)
	}
	if got := s.Stats().FramingErrors; got != 1 {
		t.Errorf("FramingErrors = %d, want 1", got)
	}
}

func TestServeConnRTUSplitFrame(t *testing.T) {
	s := New(Config{Framing: modbus.FramingRTU, Silence: 20 * time.Millisecond})
	s.Handle(1, newModel(t))
	conn := serveConn(t, s)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := []byte{0x01, 0x05, 0x00, 0x0A, 0xFF, 0x00, 0xAC, 0x38}
	conn.Write(req[:3])
	time.Sleep(5 * time.Millisecond)
	conn.Write(req[3:])
	got := make([]byte, len(req))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestProcess(t *testing.T) {
	s := New(Config{})
	s.Handle(1, newModel(t))

	tests := []struct {
		name      string
		unit      byte
		pdu       modbus.ProtocolDataUnit
		want      modbus.ProtocolDataUnit
		wantReply bool
	}{
		{
			name:      "unknown function",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x41, Data: []byte{0x00}},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0xC1, Data: []byte{0x01}},
			wantReply: true,
		},
		{
			name:      "zero quantity",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x00, 0x00, 0x00}},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0x81, Data: []byte{0x03}},
			wantReply: true,
		},
		{
			name:      "invalid coil value",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0x00, 0x01, 0x12, 0x34}},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0x85, Data: []byte{0x03}},
			wantReply: true,
		},
		{
			name:      "truncated request",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00}},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0x83, Data: []byte{0x03}},
			wantReply: true,
		},
		{
			name:      "diagnostics echo",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x08, Data: []byte{0x00, 0x00, 0xA5, 0x37}},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0x08, Data: []byte{0x00, 0x00, 0xA5, 0x37}},
			wantReply: true,
		},
		{
			name:      "report server id",
			unit:      1,
			pdu:       modbus.ProtocolDataUnit{FunctionCode: 0x11},
			want:      modbus.ProtocolDataUnit{FunctionCode: 0x11, Data: []byte{0x01, 0xFF}},
			wantReply: true,
		},
		{
			name: "foreign unit",
			unit: 9,
			pdu:  modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reply := s.Process(tt.unit, tt.pdu)
			if reply != tt.wantReply {
				t.Fatalf("reply = %v, want %v", reply, tt.wantReply)
			}
			if !reply {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if st := s.Stats(); st.Ignored != 1 || st.Exceptions != 4 {
		t.Errorf("stats = %+v, want 1 ignored and 4 exceptions", st)
	}
}

func TestBroadcast(t *testing.T) {
	s := New(Config{})
	m1, m2 := newModel(t), newModel(t)
	s.Handle(1, m1)
	s.Handle(2, m2)

	write, _ := modbus.EncodeRequest(modbus.WriteSingleRegister(5, 0xABCD))
	if _, reply := s.Process(modbus.UnitBroadcast, write); reply {
		t.Error("broadcast write was answered")
	}
	for i, m := range []*datamodel.Model{m1, m2} {
		regs, _ := m.ReadHoldingRegisters(5, 1)
		if regs[0] != 0xABCD {
			t.Errorf("unit %d register 5 = %#04x, want 0xabcd", i+1, regs[0])
		}
	}

	read, _ := modbus.EncodeRequest(modbus.ReadHoldingRegisters(0, 1))
	if _, reply := s.Process(modbus.UnitBroadcast, read); reply {
		t.Error("broadcast read was answered")
	}
	if got := s.Stats().Broadcasts; got != 2 {
		t.Errorf("Broadcasts = %d, want 2", got)
	}
}

func TestBroadcastOverTCPIsSilent(t *testing.T) {
	s := New(Config{Framing: modbus.FramingTCP})
	s.Handle(1, newModel(t))
	conn := serveConn(t, s)
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	// A broadcast write followed by a unicast read: only the read answers.
	conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x00, 0x06, 0x00, 0x00, 0x12, 0x34})
	got := exchange(t, conn,
		[]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
		11)
	want := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleRejectsBroadcastUnit(t *testing.T) {
	s := New(Config{})
	if err := s.Handle(0, newModel(t)); err == nil {
		t.Error("Handle(0) succeeded")
	}
	s.Handle(7, newModel(t))
	s.Handle(3, newModel(t))
	if diff := cmp.Diff([]byte{3, 7}, s.Units()); diff != "" {
		t.Errorf("Units mismatch (-want +got):\n%s", diff)
	}
	s.Remove(7)
	if diff := cmp.Diff([]byte{3}, s.Units()); diff != "" {
		t.Errorf("Units after Remove mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionalFunctionsUnsupported(t *testing.T) {
	// Embedding the interface hides the optional methods of the model.
	d := NewDispatcher(struct{ DataMapping }{datamodel.New()})
	for _, req := range []*modbus.Request{
		modbus.MaskWriteRegister(0, 0xFFFF, 0),
		modbus.ReadWriteMultipleRegisters(0, 1, 0, []uint16{1}),
		modbus.ReportServerID(),
	} {
		if resp := d.Execute(req); resp.Exception != modbus.ExceptionCodeIllegalFunction {
			t.Errorf("%s: exception = %v, want IllegalFunction", modbus.FunctionName(req.FunctionCode), resp.Exception)
		}
	}
}

// failing returns err from every read.
type failing struct {
	DataMapping
	err error
}

func (f failing) ReadHoldingRegisters(uint16, uint16) ([]uint16, error) { return nil, f.err }

func TestMappingErrors(t *testing.T) {
	tests := []struct {
		err  error
		want modbus.ExceptionCode
	}{
		{modbus.ExceptionCodeServerDeviceBusy, modbus.ExceptionCodeServerDeviceBusy},
		{errors.New("disk on fire"), modbus.ExceptionCodeServerDeviceFailure},
	}
	for _, tt := range tests {
		d := NewDispatcher(failing{DataMapping: datamodel.New(), err: tt.err})
		resp := d.Execute(modbus.ReadHoldingRegisters(0, 1))
		if resp.Exception != tt.want {
			t.Errorf("error %v answered with %v, want %v", tt.err, resp.Exception, tt.want)
		}
	}
}

func TestServeMaxConns(t *testing.T) {
	l, err := tcp.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := New(Config{Framing: modbus.FramingTCP, MaxConns: 1})
	s.Handle(1, newModel(t))
	s.Start(l)
	defer s.Stop()

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	exchange(t, first, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 11)

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("second connection read err = %v, want EOF", err)
	}
}

func TestInteropGoburrowClient(t *testing.T) {
	l, err := tcp.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := New(Config{Framing: modbus.FramingTCP})
	m := newModel(t)
	s.Handle(1, m)
	s.Start(l)
	defer s.Stop()

	handler := goburrow.NewTCPClientHandler(l.Addr().String())
	handler.SlaveId = 1
	handler.Timeout = 2 * time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handler.Close()
	client := goburrow.NewClient(handler)

	got, err := client.ReadHoldingRegisters(0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if diff := cmp.Diff([]byte{0x00, 0x01, 0x00, 0xFF}, got); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}

	if _, err := client.WriteSingleCoil(10, 0xFF00); err != nil {
		t.Fatalf("WriteSingleCoil: %v", err)
	}
	coils, _ := m.ReadCoils(10, 1)
	if !coils[0] {
		t.Error("coil 10 is still OFF")
	}

	_, err = client.ReadHoldingRegisters(10000, 1)
	var mbErr *goburrow.ModbusError
	if !errors.As(err, &mbErr) || mbErr.ExceptionCode != goburrow.ExceptionCodeIllegalDataAddress {
		t.Errorf("out of range read err = %v, want illegal data address", err)
	}
}
