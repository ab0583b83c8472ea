// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ffutop/modbus-engine/internal/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the servers and channels of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper) error {
	// Load Configuration
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus engine...", "version", version)

	n, err := node.Build(cfg, slog.Default())
	if err != nil {
		return err
	}
	if len(n.Servers) == 0 && len(n.Channels) == 0 {
		n.Close()
		return errors.New("no servers or channels configured")
	}

	// Wait for Signal
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = n.Start(ctx)
	slog.Info("Goodbye.")
	return err
}
