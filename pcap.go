// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"io"

	"github.com/ffutop/modbus-engine/internal/capture"
	"github.com/ffutop/modbus-engine/modbus"
	"github.com/spf13/cobra"
)

func newDecodePcapCmd() *cobra.Command {
	var port uint16
	cmd := &cobra.Command{
		Use:   "decode-pcap FILE",
		Short: "Decode the Modbus/TCP frames of a packet capture",
		Example: `  # List every request and response on port 502
  modbus-engine decode-pcap capture.pcapng`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return capture.DecodeFile(args[0], port, func(f capture.Frame) error {
				printFrame(out, f)
				return nil
			})
		},
	}
	cmd.Flags().Uint16Var(&port, "port", capture.DefaultPort, "Server TCP port.")
	return cmd
}

func printFrame(out io.Writer, f capture.Frame) {
	fmt.Fprintf(out, "%s %s > %s", f.Time.Format("15:04:05.000000"), f.Src, f.Dst)
	if f.ADU == nil {
		fmt.Fprintf(out, " framing error: %v\n", f.Err)
		return
	}
	fmt.Fprintf(out, " tid=%d unit=%d %s", f.ADU.TransactionID, f.ADU.UnitID, modbus.FunctionName(f.ADU.Pdu.FunctionCode&0x7F))
	switch {
	case f.Err != nil:
		fmt.Fprintf(out, " error: %v", f.Err)
	case f.Response != nil && f.Response.IsException():
		fmt.Fprintf(out, " exception: %v", f.Response.Exception)
	case f.Direction == modbus.Requests:
		fmt.Fprintf(out, " request address=%d quantity=%d", f.Request.Address, f.Request.Quantity)
	case f.Response.Registers != nil:
		fmt.Fprintf(out, " registers=%v", f.Response.Registers)
	case f.Response.Coils != nil:
		fmt.Fprintf(out, " coils=%v", f.Response.Coils)
	default:
		fmt.Fprintf(out, " response address=%d", f.Response.Address)
	}
	fmt.Fprintln(out)
}
