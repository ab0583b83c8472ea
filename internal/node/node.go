// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package node assembles the servers and channels described by the
// configuration and runs them together.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-engine/channel"
	"github.com/ffutop/modbus-engine/datamodel"
	"github.com/ffutop/modbus-engine/datamodel/persistence"
	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/ffutop/modbus-engine/server"
	"github.com/ffutop/modbus-engine/transport"
)

// Server is a configured server bound to its listener.
type Server struct {
	Name     string
	Listener transport.Listener
	*server.Server
}

// unit is a data model together with the storage backing it.
type unit struct {
	ids   []byte
	model *datamodel.Model
	store persistence.Storage
}

// Node owns every server, channel and storage built from one
// configuration.
type Node struct {
	Servers  []*Server
	Channels []*channel.Channel

	units  []unit
	logger *slog.Logger
}

// Build creates the servers and channels of cfg. Listeners are bound and
// stores are opened, but nothing is served until Start.
func Build(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{logger: logger}
	for _, sc := range cfg.Servers {
		srv, err := n.buildServer(sc)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("server %s: %w", sc.Name, err)
		}
		n.Servers = append(n.Servers, srv)
	}
	for _, cc := range cfg.Channels {
		ch, err := NewChannel(cc, logger)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("channel %s: %w", cc.Name, err)
		}
		n.Channels = append(n.Channels, ch)
	}
	return n, nil
}

func (n *Node) buildServer(sc config.ServerConfig) (*Server, error) {
	framing, err := modbus.ParseFraming(sc.Framing)
	if err != nil {
		return nil, err
	}
	decode, err := modbus.ParseDecodeLevel(sc.Decode)
	if err != nil {
		return nil, err
	}
	listener, silence, err := NewListener(sc.Link)
	if err != nil {
		return nil, err
	}
	if sc.Silence > 0 {
		silence = sc.Silence
	}
	srv := server.New(server.Config{
		Framing:  framing,
		Silence:  silence,
		MaxConns: sc.MaxConns,
		Decode:   decode,
		Logger:   n.logger.With("server", sc.Name),
	})
	for _, uc := range sc.Units {
		u, err := openUnit(uc)
		if err != nil {
			listener.Close()
			return nil, err
		}
		n.units = append(n.units, u)
		for _, id := range u.ids {
			if err := srv.Handle(id, u.model); err != nil {
				listener.Close()
				return nil, err
			}
		}
	}
	return &Server{Name: sc.Name, Listener: listener, Server: srv}, nil
}

// openUnit loads the model of a unit from its storage, narrows it to the
// configured extents and applies the seed on top.
func openUnit(uc config.UnitConfig) (unit, error) {
	ids, err := config.ParseUnitIDs(uc.IDs)
	if err != nil {
		return unit{}, err
	}
	store, err := persistence.New(uc.Persistence.Type, uc.Persistence.Path)
	if err != nil {
		return unit{}, err
	}
	model, err := persistence.Open(store)
	if err != nil {
		store.Close()
		return unit{}, fmt.Errorf("failed to load unit %s: %w", uc.IDs, err)
	}
	model.Restrict(datamodel.Extents{
		Coils:            uc.Extents.Coils,
		DiscreteInputs:   uc.Extents.DiscreteInputs,
		HoldingRegisters: uc.Extents.HoldingRegisters,
		InputRegisters:   uc.Extents.InputRegisters,
	})

	serverID := uc.ServerID
	if uc.Seed != "" {
		seed, err := datamodel.LoadSeed(uc.Seed)
		if err == nil {
			err = model.Apply(seed)
		}
		if err != nil {
			store.Close()
			return unit{}, err
		}
		if serverID == "" {
			serverID = seed.ServerID
		}
	}
	if serverID != "" {
		model.SetServerID([]byte(serverID), true)
	}
	return unit{ids: ids, model: model, store: store}, nil
}

// NewChannel creates the channel described by cc. It is not started.
func NewChannel(cc config.ChannelConfig, logger *slog.Logger) (*channel.Channel, error) {
	framing, err := modbus.ParseFraming(cc.Framing)
	if err != nil {
		return nil, err
	}
	decode, err := modbus.ParseDecodeLevel(cc.Decode)
	if err != nil {
		return nil, err
	}
	dialer, silence, err := NewDialer(cc.Link)
	if err != nil {
		return nil, err
	}
	if cc.Silence > 0 {
		silence = cc.Silence
	}
	cfg := channel.Config{
		Name:      cc.Name,
		Framing:   framing,
		Dialer:    dialer,
		Timeout:   cc.Timeout,
		Retries:   cc.Retries,
		MaxQueued: cc.MaxQueued,
		Silence:   silence,
		Backoff: channel.Backoff{
			Min:        cc.Backoff.Min,
			Max:        cc.Backoff.Max,
			Multiplier: cc.Backoff.Multiplier,
		},
		MaxFramingErrors: cc.MaxFramingErrors,
		Decode:           decode,
		Logger:           logger,
	}
	if cc.Link.Type == LinkSerial {
		cfg.Pause = cc.Link.Serial.RqstPause
	}
	return channel.New(cfg)
}

// Start serves every server and connects every channel, then blocks until
// ctx is done and shuts everything down.
func (n *Node) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, srv := range n.Servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.logger.Info("Starting server", "server", srv.Name, "units", len(srv.Units()))
			if err := srv.Serve(ctx, srv.Listener); err != nil {
				n.logger.Error("Server stopped with error", "server", srv.Name, "err", err)
			}
		}()
	}
	for _, ch := range n.Channels {
		if err := ch.Start(ctx); err != nil {
			n.logger.Error("Failed to start channel", "channel", ch.Name(), "err", err)
		}
	}

	<-ctx.Done()

	// Graceful shutdown
	wg.Wait()
	return n.Close()
}

// Channel returns the channel with the given name, or nil.
func (n *Node) Channel(name string) *channel.Channel {
	for _, ch := range n.Channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

// Close stops the channels, closes the listeners and saves every unit to
// its storage.
func (n *Node) Close() error {
	var errs []error
	for _, ch := range n.Channels {
		ch.Close()
	}
	for _, srv := range n.Servers {
		srv.Listener.Close()
	}
	for _, u := range n.units {
		if err := u.store.Save(u.model); err != nil {
			errs = append(errs, fmt.Errorf("failed to save unit %v: %w", u.ids, err))
		}
		if err := u.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.units = nil
	return errors.Join(errs...)
}
