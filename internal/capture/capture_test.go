// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

type segment struct {
	response bool
	payload  []byte
}

// writeCapture writes the segments of one client connection to port 502.
func writeCapture(t *testing.T, segments []segment) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	clientSeq, serverSeq := uint32(1), uint32(1)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, s := range segments {
		srcIP, dstIP := []byte{192, 168, 1, 10}, []byte{192, 168, 1, 20}
		srcPort, dstPort := layers.TCPPort(50000), layers.TCPPort(DefaultPort)
		seq := clientSeq
		if s.response {
			srcIP, dstIP = dstIP, srcIP
			srcPort, dstPort = dstPort, srcPort
			seq = serverSeq
			serverSeq += uint32(len(s.payload))
		} else {
			clientSeq += uint32(len(s.payload))
		}
		eth := &layers.Ethernet{
			SrcMAC:       []byte{0, 0, 0, 0, 0, 1},
			DstMAC:       []byte{0, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: srcIP, DstIP: dstIP}
		tcp := &layers.TCP{SrcPort: srcPort, DstPort: dstPort, ACK: true, PSH: true, Seq: seq, Window: 1024}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(sb, opts, eth, ip, tcp, gopacket.Payload(s.payload)); err != nil {
			t.Fatal(err)
		}
		data := sb.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func collect(t *testing.T, raw []byte) []Frame {
	t.Helper()
	var frames []Frame
	err := Decode(bytes.NewReader(raw), 0, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return frames
}

func TestDecodeConversation(t *testing.T) {
	raw := writeCapture(t, []segment{
		// Read holding registers 0..1, split across two segments.
		{payload: []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}},
		{payload: []byte{0x03, 0x00, 0x00, 0x00, 0x02}},
		{response: true, payload: []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x00, 0x01, 0x00, 0xFF}},
		// Out of range read answered with an exception.
		{payload: []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x27, 0x10, 0x00, 0x01}},
		{response: true, payload: []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}},
		// Response to a request outside the capture.
		{response: true, payload: []byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x06, 0x01, 0x06, 0x00, 0x01, 0x00, 0x03}},
	})
	frames := collect(t, raw)
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}

	req := frames[0]
	if req.Direction != modbus.Requests || req.Err != nil {
		t.Fatalf("first frame = %+v", req)
	}
	if req.Src != "192.168.1.10:50000" || req.Dst != "192.168.1.20:502" {
		t.Errorf("endpoints = %s > %s", req.Src, req.Dst)
	}
	if diff := cmp.Diff(modbus.ReadHoldingRegisters(0, 2), req.Request); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, int(time.Millisecond), time.UTC); !req.Time.Equal(want) {
		t.Errorf("time = %v, want %v", req.Time, want)
	}

	resp := frames[1]
	if resp.Direction != modbus.Responses || resp.Err != nil || resp.Response == nil {
		t.Fatalf("second frame = %+v", resp)
	}
	if diff := cmp.Diff([]uint16{0x0001, 0x00FF}, resp.Response.Registers); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if resp.Request == nil || resp.Request.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
		t.Errorf("response not matched to its request: %+v", resp.Request)
	}

	exc := frames[3]
	if exc.Err != nil || exc.Response == nil || exc.Response.Exception != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("exception frame = %+v", exc)
	}

	if !errors.Is(frames[4].Err, ErrUnmatched) {
		t.Errorf("unmatched frame err = %v", frames[4].Err)
	}
}

func TestDecodeSkipsOtherPortsAndGarbage(t *testing.T) {
	raw := writeCapture(t, []segment{
		// Non-zero protocol id costs one byte at a time until a header fits.
		{payload: []byte{0x00, 0x01, 0x00, 0x07, 0x00, 0x06, 0x01, 0x03}},
	})
	frames := collect(t, raw)
	if len(frames) == 0 {
		t.Fatal("expected framing errors")
	}
	for _, f := range frames {
		if !modbus.IsFramingError(f.Err) {
			t.Errorf("frame err = %v, want a framing error", f.Err)
		}
	}

	d := NewDecoder(1502)
	p := gopacket.NewPacket(firstPacket(t, raw), layers.LayerTypeEthernet, gopacket.Default)
	if got := d.Packet(p); len(got) != 0 {
		t.Errorf("decoder on port 1502 returned %d frames", len(got))
	}
}

func firstPacket(t *testing.T, raw []byte) []byte {
	t.Helper()
	r, err := pcapgo.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	data, _, err := r.ReadPacketData()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modbus.pcap")
	raw := writeCapture(t, []segment{
		{payload: []byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x06, 0x01, 0x05, 0x00, 0x0A, 0xFF, 0x00}},
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	var got []*modbus.Request
	if err := DecodeFile(path, DefaultPort, func(f Frame) error {
		got = append(got, f.Request)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]*modbus.Request{modbus.WriteSingleCoil(10, true)}, got); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}

	if err := DecodeFile(filepath.Join(t.TempDir(), "missing.pcap"), 0, func(Frame) error { return nil }); err == nil {
		t.Error("expected an error for a missing file")
	}
	if err := Decode(bytes.NewReader([]byte("not a capture")), 0, func(Frame) error { return nil }); err == nil {
		t.Error("expected an error for a bad header")
	}
}
