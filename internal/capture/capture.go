// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package capture decodes Modbus/TCP conversations from packet captures.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/modbus/tcp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultPort is the registered Modbus/TCP port.
const DefaultPort = 502

// ErrUnmatched marks a response whose request is not in the capture.
var ErrUnmatched = errors.New("capture: response without request")

// Frame is one ADU found in a capture.
type Frame struct {
	Time time.Time
	// Src and Dst are host:port endpoints.
	Src, Dst string
	// Direction is Requests for frames sent to the server port.
	Direction modbus.Direction
	ADU       *modbus.ApplicationDataUnit

	// Request is set on requests, and on responses matched to their request.
	Request  *modbus.Request
	Response *modbus.Response
	// Err is the decode error of the PDU, or the framing error that cost
	// bytes of the stream.
	Err error
}

// stream is one direction of a TCP connection.
type stream struct {
	framer *tcp.Framer
}

// Decoder turns packets into frames. Segments are appended in arrival
// order; retransmitted or reordered segments are not reassembled.
type Decoder struct {
	port    layers.TCPPort
	streams map[string]*stream
	// pending requests by connection and transaction id.
	pending map[string]map[uint16]*modbus.Request
}

// NewDecoder returns a decoder for servers listening on port. Zero
// selects DefaultPort.
func NewDecoder(port uint16) *Decoder {
	if port == 0 {
		port = DefaultPort
	}
	return &Decoder{
		port:    layers.TCPPort(port),
		streams: make(map[string]*stream),
		pending: make(map[string]map[uint16]*modbus.Request),
	}
}

// Packet decodes the Modbus frames completed by p.
func (d *Decoder) Packet(p gopacket.Packet) []Frame {
	tcpLayer, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || len(tcpLayer.Payload) == 0 {
		return nil
	}
	var dir modbus.Direction
	switch d.port {
	case tcpLayer.DstPort:
		dir = modbus.Requests
	case tcpLayer.SrcPort:
		dir = modbus.Responses
	default:
		return nil
	}
	netLayer := p.NetworkLayer()
	if netLayer == nil {
		return nil
	}
	netFlow := netLayer.NetworkFlow()
	src := fmt.Sprintf("%s:%d", netFlow.Src(), tcpLayer.SrcPort)
	dst := fmt.Sprintf("%s:%d", netFlow.Dst(), tcpLayer.DstPort)

	key := src + ">" + dst
	s, ok := d.streams[key]
	if !ok {
		s = &stream{framer: tcp.NewFramer()}
		d.streams[key] = s
	}
	conn := src + "|" + dst
	if dir == modbus.Responses {
		conn = dst + "|" + src
	}

	var ts time.Time
	if md := p.Metadata(); md != nil {
		ts = md.Timestamp
	}
	s.framer.Feed(tcpLayer.Payload)
	var frames []Frame
	for {
		adu, err := s.framer.Next()
		if errors.Is(err, modbus.ErrIncomplete) {
			return frames
		}
		f := Frame{Time: ts, Src: src, Dst: dst, Direction: dir, ADU: adu, Err: err}
		if err == nil {
			d.decode(conn, &f)
		}
		frames = append(frames, f)
	}
}

func (d *Decoder) decode(conn string, f *Frame) {
	tid := f.ADU.TransactionID
	if f.Direction == modbus.Requests {
		f.Request, f.Err = modbus.DecodeRequest(f.ADU.Pdu)
		if f.Err == nil {
			if d.pending[conn] == nil {
				d.pending[conn] = make(map[uint16]*modbus.Request)
			}
			d.pending[conn][tid] = f.Request
		}
		return
	}

	req, ok := d.pending[conn][tid]
	if !ok {
		f.Err = fmt.Errorf("transaction id %d: %w", tid, ErrUnmatched)
		return
	}
	delete(d.pending[conn], tid)
	f.Request = req
	f.Response, f.Err = modbus.DecodeResponse(req.FunctionCode, f.ADU.Pdu)
}

// Decode reads a pcap or pcapng stream and calls fn for every frame in
// capture order.
func Decode(r io.Reader, port uint16, fn func(Frame) error) error {
	br := bufio.NewReader(r)
	src, err := packetSource(br)
	if err != nil {
		return err
	}
	d := NewDecoder(port)
	for {
		p, err := src.NextPacket()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		for _, f := range d.Packet(p) {
			if err := fn(f); err != nil {
				return err
			}
		}
	}
}

// DecodeFile is Decode on a file.
func DecodeFile(path string, port uint16, fn func(Frame) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pcap file: %w", err)
	}
	defer f.Close()
	return Decode(f, port, fn)
}

// pcapng files start with the section header block type.
var ngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

func packetSource(br *bufio.Reader) (*gopacket.PacketSource, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	if string(magic) == string(ngMagic) {
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("read pcapng header: %w", err)
		}
		return gopacket.NewPacketSource(r, r.LinkType()), nil
	}
	r, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	return gopacket.NewPacketSource(r, r.LinkType()), nil
}
