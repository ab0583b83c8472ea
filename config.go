// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-engine/internal/config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindGlobalFlags defines the flags shared by every command.
func bindGlobalFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.StringP("config", "c", "", "Configuration file path.")
	fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	fs.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only).")

	v.BindPFlag("config", fs.Lookup("config"))
	v.BindPFlag("log.level", fs.Lookup("log-level"))
	v.BindPFlag("log.file", fs.Lookup("log-file"))
}

// loadConfig reads the configuration file. Flags bound into v take
// precedence over the file.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	config.Prepare(v, v.GetString("config"))
	return config.Load(v)
}

// logConfig returns the logging flags alone, for commands that run
// without a configuration file.
func logConfig(v *viper.Viper) config.LogConfig {
	return config.LogConfig{
		Level: v.GetString("log.level"),
		File:  v.GetString("log.file"),
	}
}

// clientFlags defines the link flags of the ad-hoc master commands.
func clientFlags(fs *pflag.FlagSet) {
	fs.String("channel", "", "Use the named channel of the configuration file.")
	fs.StringP("address", "A", "127.0.0.1:502", "TCP or TLS server address.")
	fs.StringP("framing", "f", "tcp", "Framing (tcp, rtu, ascii).")
	fs.String("link", "tcp", "Link type (tcp, tls, serial).")
	fs.StringP("device", "p", "", "Serial port device name.")
	fs.IntP("baud-rate", "s", 19200, "Serial port speed.")
	fs.String("parity", "E", "Serial parity (N, E, O).")
	fs.DurationP("timeout", "W", time.Second, "Response wait time.")
	fs.IntP("retries", "N", 0, "Maximum number of retries.")
	fs.String("decode", "nothing", "Frame tracing at debug level (nothing, header, data).")
}

// bindClientFlags binds the flags of the running command under the
// "client" key of v.
func bindClientFlags(fs *pflag.FlagSet, v *viper.Viper) {
	for key, flag := range map[string]string{
		"client.channel":               "channel",
		"client.framing":               "framing",
		"client.decode":                "decode",
		"client.timeout":               "timeout",
		"client.retries":               "retries",
		"client.link.type":             "link",
		"client.link.tcp.address":      "address",
		"client.link.serial.device":    "device",
		"client.link.serial.baud_rate": "baud-rate",
		"client.link.serial.parity":    "parity",
	} {
		v.BindPFlag(key, fs.Lookup(flag))
	}
}

// clientConfig returns the channel the ad-hoc commands talk through:
// a named channel of the configuration file, or one built from flags.
func clientConfig(fs *pflag.FlagSet, v *viper.Viper) (config.ChannelConfig, config.LogConfig, error) {
	bindClientFlags(fs, v)
	if name := v.GetString("client.channel"); name != "" {
		cfg, err := loadConfig(v)
		if err != nil {
			return config.ChannelConfig{}, config.LogConfig{}, err
		}
		for _, ch := range cfg.Channels {
			if ch.Name == name {
				return ch, cfg.Log, nil
			}
		}
		return config.ChannelConfig{}, config.LogConfig{}, fmt.Errorf("no channel named %q in the configuration", name)
	}

	// Nested flag keys only resolve through a full unmarshal.
	var flags struct {
		Client config.ChannelConfig `mapstructure:"client"`
	}
	if err := v.Unmarshal(&flags); err != nil {
		return config.ChannelConfig{}, config.LogConfig{}, fmt.Errorf("failed to unmarshal flags: %w", err)
	}
	cfg := config.Config{Channels: []config.ChannelConfig{flags.Client}}
	cfg.Channels[0].Name = "cli"
	if err := cfg.Fixup(); err != nil {
		return config.ChannelConfig{}, config.LogConfig{}, err
	}
	return cfg.Channels[0], logConfig(v), nil
}
