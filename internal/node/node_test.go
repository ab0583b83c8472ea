// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ffutop/modbus-engine/channel"
	"github.com/ffutop/modbus-engine/datamodel/persistence"
	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/modbus/rtu"
	"github.com/ffutop/modbus-engine/transport/tcp"
	"github.com/google/go-cmp/cmp"
)

const seed = `
server_id: boiler
holding_registers:
  - address: 0
    values: [1, 255]
`

func waitConnected(t *testing.T, ch *channel.Channel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for ch.State() != channel.Connected {
		if time.Now().After(deadline) {
			t.Fatalf("channel state = %s", ch.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNodeServesAndPersists(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(seedPath, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}
	dataPath := filepath.Join(dir, "unit.bin")

	cfg := &config.Config{
		Servers: []config.ServerConfig{{
			Name: "local",
			Link: config.LinkConfig{Type: LinkTCP, Tcp: config.TcpConfig{Address: "127.0.0.1:0"}},
			Units: []config.UnitConfig{{
				IDs:         "1-2",
				Extents:     config.ExtentsConfig{HoldingRegisters: 100},
				Persistence: config.PersistenceConfig{Type: persistence.TypeFile, Path: dataPath},
				Seed:        seedPath,
			}},
		}},
	}
	n, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	addr := n.Servers[0].Listener.(*tcp.Listener).Addr().String()
	if diff := cmp.Diff([]byte{1, 2}, n.Servers[0].Units()); diff != "" {
		t.Errorf("units mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()

	ch, err := NewChannel(config.ChannelConfig{
		Name:    "peer",
		Link:    config.LinkConfig{Type: LinkTCP, Tcp: config.TcpConfig{Address: addr}},
		Timeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	waitConnected(t, ch)

	got, err := ch.ReadHoldingRegisters(ctx, 2, 0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if diff := cmp.Diff([]uint16{1, 255}, got); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	id, running, err := ch.ReportServerID(ctx, 1)
	if err != nil || string(id) != "boiler" || !running {
		t.Errorf("ReportServerID = %q, %v, %v", id, running, err)
	}
	if err := ch.WriteSingleRegister(ctx, 1, 5, 0x1234); err != nil {
		t.Fatalf("WriteSingleRegister: %v", err)
	}
	if _, err := ch.ReadHoldingRegisters(ctx, 1, 100, 1); err == nil {
		t.Error("read beyond the extent succeeded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}

	model, err := persistence.NewFileStorage(dataPath).Load()
	if err != nil {
		t.Fatal(err)
	}
	regs, err := model.ReadHoldingRegisters(0, 6)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{1, 255, 0, 0, 0, 0x1234}, regs); diff != "" {
		t.Errorf("stored registers mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildErrors(t *testing.T) {
	link := config.LinkConfig{Type: LinkTCP, Tcp: config.TcpConfig{Address: "127.0.0.1:0"}}
	units := []config.UnitConfig{{IDs: "1"}}
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"unknown framing", config.Config{Servers: []config.ServerConfig{{Framing: "udp", Link: link, Units: units}}}},
		{"unknown decode level", config.Config{Servers: []config.ServerConfig{{Decode: "all", Link: link, Units: units}}}},
		{"unknown link", config.Config{Servers: []config.ServerConfig{{Link: config.LinkConfig{Type: "can"}, Units: units}}}},
		{"unknown persistence", config.Config{Servers: []config.ServerConfig{{Link: link, Units: []config.UnitConfig{{IDs: "1", Persistence: config.PersistenceConfig{Type: "redis"}}}}}}},
		{"missing seed", config.Config{Servers: []config.ServerConfig{{Link: link, Units: []config.UnitConfig{{IDs: "1", Seed: "/nonexistent/seed.yaml"}}}}}},
		{"broadcast unit", config.Config{Servers: []config.ServerConfig{{Link: link, Units: []config.UnitConfig{{IDs: "0"}}}}}},
		{"tls without authority", config.Config{Channels: []config.ChannelConfig{{Link: config.LinkConfig{Type: LinkTLS}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Build(&tt.cfg, nil)
			if err == nil {
				n.Close()
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNewDialer(t *testing.T) {
	d, silence, err := NewDialer(config.LinkConfig{Tcp: config.TcpConfig{Address: "10.0.0.1:502"}})
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "tcp://10.0.0.1:502" || silence != 0 {
		t.Errorf("tcp dialer = %s, silence %v", d, silence)
	}

	d, silence, err = NewDialer(config.LinkConfig{
		Type:   LinkSerial,
		Serial: config.SerialConfig{Device: "/dev/ttyUSB0", BaudRate: 9600},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "serial:///dev/ttyUSB0" || silence != rtu.FrameDelay(9600) {
		t.Errorf("serial dialer = %s, silence %v", d, silence)
	}
}

func TestNewChannelUsesSerialPause(t *testing.T) {
	ch, err := NewChannel(config.ChannelConfig{
		Name:    "rtu",
		Framing: "rtu",
		Link: config.LinkConfig{
			Type:   LinkSerial,
			Serial: config.SerialConfig{Device: "/dev/ttyUSB0", BaudRate: 19200, RqstPause: 100 * time.Millisecond},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if ch.Name() != "rtu" || ch.State() != channel.Disabled {
		t.Errorf("channel %s in state %s", ch.Name(), ch.State())
	}
}
