// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ffutop/modbus-engine/channel"
	"github.com/ffutop/modbus-engine/internal/node"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const connectTimeout = 10 * time.Second

func parseTable(s string) (modbus.Table, error) {
	name := strings.ReplaceAll(strings.ToLower(s), "-", "_")
	for _, t := range []modbus.Table{modbus.TableCoils, modbus.TableDiscreteInputs, modbus.TableHoldingRegisters, modbus.TableInputRegisters} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown table %q", s)
}

// parseValues parses a comma separated list of 16 bit values. Decimal,
// hex (0x) and octal (0o) are accepted.
func parseValues(s string) ([]uint16, error) {
	var values []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		values = append(values, uint16(v))
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no values in %q", s)
	}
	return values, nil
}

// withChannel connects the channel selected by the flags of cmd and runs
// fn on it.
func withChannel(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, ch *channel.Channel) error) error {
	cc, logCfg, err := clientConfig(cmd.Flags(), v)
	if err != nil {
		return err
	}
	setupLogger(logCfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := node.NewChannel(cc, slog.Default())
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Start(ctx); err != nil {
		return err
	}

	if err := waitConnected(ctx, ch, connectTimeout); err != nil {
		return err
	}
	return fn(ctx, ch)
}

func waitConnected(ctx context.Context, ch *channel.Channel, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for ch.State() != channel.Connected {
		select {
		case <-ctx.Done():
			return fmt.Errorf("channel %s not connected (%s): %w", ch.Name(), ch.State(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func newReadCmd(v *viper.Viper) *cobra.Command {
	var (
		unit     uint8
		table    string
		address  uint16
		quantity uint16
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a range of a table from a remote server",
		Example: `  # Read two holding registers of unit 1
  modbus-engine read -A 192.168.1.10:502 --table holding-registers --start 0 --count 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTable(table)
			if err != nil {
				return err
			}
			return withChannel(cmd, v, func(ctx context.Context, ch *channel.Channel) error {
				return runRead(ctx, cmd.OutOrStdout(), ch, unit, t, address, quantity)
			})
		},
	}
	clientFlags(cmd.Flags())
	cmd.Flags().Uint8VarP(&unit, "unit", "u", 1, "Unit id.")
	cmd.Flags().StringVarP(&table, "table", "t", "holding-registers", "Table (coils, discrete-inputs, holding-registers, input-registers).")
	cmd.Flags().Uint16Var(&address, "start", 0, "First address.")
	cmd.Flags().Uint16Var(&quantity, "count", 1, "Number of entries.")
	return cmd
}

func runRead(ctx context.Context, out io.Writer, ch *channel.Channel, unit uint8, table modbus.Table, address, quantity uint16) error {
	switch table {
	case modbus.TableCoils, modbus.TableDiscreteInputs:
		read := ch.ReadCoils
		if table == modbus.TableDiscreteInputs {
			read = ch.ReadDiscreteInputs
		}
		bits, err := read(ctx, unit, address, quantity)
		if err != nil {
			return err
		}
		for i, b := range bits {
			fmt.Fprintf(out, "%d: %t\n", int(address)+i, b)
		}
	default:
		read := ch.ReadHoldingRegisters
		if table == modbus.TableInputRegisters {
			read = ch.ReadInputRegisters
		}
		regs, err := read(ctx, unit, address, quantity)
		if err != nil {
			return err
		}
		for i, r := range regs {
			fmt.Fprintf(out, "%d: %d (0x%04X)\n", int(address)+i, r, r)
		}
	}
	return nil
}

func newWriteCmd(v *viper.Viper) *cobra.Command {
	var (
		unit     uint8
		table    string
		address  uint16
		values   string
		multiple bool
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write coils or holding registers of a remote server",
		Example: `  # Switch coil 10 of unit 1 on over RTU
  modbus-engine write --link serial -p /dev/ttyUSB0 -f rtu --table coils --start 10 --values 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTable(table)
			if err != nil {
				return err
			}
			vals, err := parseValues(values)
			if err != nil {
				return err
			}
			return withChannel(cmd, v, func(ctx context.Context, ch *channel.Channel) error {
				return runWrite(ctx, ch, unit, t, address, vals, multiple)
			})
		},
	}
	clientFlags(cmd.Flags())
	cmd.Flags().Uint8VarP(&unit, "unit", "u", 1, "Unit id, 0 broadcasts.")
	cmd.Flags().StringVarP(&table, "table", "t", "holding-registers", "Table (coils, holding-registers).")
	cmd.Flags().Uint16Var(&address, "start", 0, "First address.")
	cmd.Flags().StringVar(&values, "values", "", "Comma separated values; non-zero switches a coil on.")
	cmd.Flags().BoolVar(&multiple, "multiple", false, "Use the multiple write function for a single value.")
	cmd.MarkFlagRequired("values")
	return cmd
}

func runWrite(ctx context.Context, ch *channel.Channel, unit uint8, table modbus.Table, address uint16, values []uint16, multiple bool) error {
	single := len(values) == 1 && !multiple
	switch table {
	case modbus.TableCoils:
		if single {
			return ch.WriteSingleCoil(ctx, unit, address, values[0] != 0)
		}
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		return ch.WriteMultipleCoils(ctx, unit, address, bits)
	case modbus.TableHoldingRegisters:
		if single {
			return ch.WriteSingleRegister(ctx, unit, address, values[0])
		}
		return ch.WriteMultipleRegisters(ctx, unit, address, values)
	}
	return fmt.Errorf("table %s is read only", table)
}
