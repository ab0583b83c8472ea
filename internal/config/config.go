// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Servers  []ServerConfig  `mapstructure:"servers"`
	Channels []ChannelConfig `mapstructure:"channels"`
	Log      LogConfig       `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LinkConfig selects the byte stream under a server or channel.
type LinkConfig struct {
	Type   string       `mapstructure:"type"`   // "tcp", "tls", "serial"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "tcp" or "tls"
	TLS    TLSConfig    `mapstructure:"tls"`    // Used if Type is "tls"
	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "serial"
}

// ServerConfig defines a server and the units it answers for.
type ServerConfig struct {
	Name     string        `mapstructure:"name"`
	Framing  string        `mapstructure:"framing"` // "tcp", "rtu", "ascii"
	Link     LinkConfig    `mapstructure:"link"`
	MaxConns int           `mapstructure:"max_conns"`
	Silence  time.Duration `mapstructure:"silence"` // RTU inter-frame gap, defaults to the baud rate gap
	Decode   string        `mapstructure:"decode"`  // nothing, header, data
	Units    []UnitConfig  `mapstructure:"units"`
}

// UnitConfig defines the data of one or more unit ids.
type UnitConfig struct {
	IDs         string            `mapstructure:"ids"` // "1", "1,2", "1-10"
	Extents     ExtentsConfig     `mapstructure:"extents"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Seed        string            `mapstructure:"seed"` // YAML seed file
	ServerID    string            `mapstructure:"server_id"`
}

// ExtentsConfig limits the addressable part of each table. Zero keeps
// the full table.
type ExtentsConfig struct {
	Coils            int `mapstructure:"coils"`
	DiscreteInputs   int `mapstructure:"discrete_inputs"`
	HoldingRegisters int `mapstructure:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path or DSN for "file/mmap/sql" type
}

// ChannelConfig defines a master session to a remote server.
type ChannelConfig struct {
	Name      string        `mapstructure:"name"`
	Framing   string        `mapstructure:"framing"`
	Link      LinkConfig    `mapstructure:"link"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
	MaxQueued int           `mapstructure:"max_queued"`
	Silence   time.Duration `mapstructure:"silence"`
	Backoff   BackoffConfig `mapstructure:"backoff"`
	Decode    string        `mapstructure:"decode"`

	// MaxFramingErrors consecutive desyncs drop the link; negative never does.
	MaxFramingErrors int `mapstructure:"max_framing_errors"`
}

// BackoffConfig bounds the delay between reconnect attempts.
type BackoffConfig struct {
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:502" or "192.168.1.100:502"
}

// TLSConfig defines the certificates of a TLS link. Files are PEM.
type TLSConfig struct {
	Mode       string `mapstructure:"mode"`      // "authority" or "self_signed"
	PeerCert   string `mapstructure:"peer_cert"` // CA bundle, or the pinned peer certificate
	LocalCert  string `mapstructure:"local_cert"`
	LocalKey   string `mapstructure:"local_key"`
	ServerName string `mapstructure:"server_name"`
	MinVersion string `mapstructure:"min_version"` // "1.2" or "1.3"
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device    string        `mapstructure:"device"`
	BaudRate  int           `mapstructure:"baud_rate"`
	DataBits  int           `mapstructure:"data_bits"`
	Parity    string        `mapstructure:"parity"`
	StopBits  int           `mapstructure:"stop_bits"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RqstPause time.Duration `mapstructure:"rqst_pause"` // Pause between requests

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// Prepare sets the config file, or the search paths when configFile is
// empty, and the defaults of v. Flags may be bound into v before Load.
func Prepare(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-engine/")
		v.AddConfigPath("$HOME/.modbus-engine")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
}

// LoadConfig loads configuration from file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	Prepare(v, configFile)
	return Load(v)
}

// Load reads the configuration file of v and applies the fixups.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("failed to found config file: %w", err)
		}

		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Fixup(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Fixup validates c and fills in defaults. Load applies it.
func (c *Config) Fixup() error {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("server-%d", i)
		}
		fixupLink(&s.Link)
		if len(s.Units) == 0 {
			return fmt.Errorf("server %s: no units configured", s.Name)
		}
		for j := range s.Units {
			if _, err := ParseUnitIDs(s.Units[j].IDs); err != nil {
				return fmt.Errorf("server %s: %w", s.Name, err)
			}
		}
	}

	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.Name == "" {
			ch.Name = fmt.Sprintf("channel-%d", i)
		}
		fixupLink(&ch.Link)
		if ch.Timeout == 0 {
			ch.Timeout = ch.Link.Serial.Timeout
		}
	}
	return nil
}

func fixupLink(l *LinkConfig) {
	l.Type = strings.ToLower(strings.TrimSpace(l.Type))
	if l.Type == "" {
		l.Type = "tcp"
	}
	if l.Type == "serial" {
		fixupSerial(&l.Serial)
	}
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Parity == "" {
		s.Parity = "E"
	}
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}

// ParseUnitIDs parses a string of unit IDs (e.g. "1,2,5-10") into a slice of bytes.
// Unit 0 is the broadcast address and cannot be owned.
func ParseUnitIDs(input string) ([]byte, error) {
	var ids []byte
	parts := strings.Split(input, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "-") {
			// Range
			ranges := strings.Split(part, "-")
			if len(ranges) != 2 {
				return nil, fmt.Errorf("invalid range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start of range: %w", err)
			}
			end, err := strconv.Atoi(strings.TrimSpace(ranges[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end of range: %w", err)
			}
			if start > end {
				return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
			}
			for i := start; i <= end; i++ {
				if i < 1 || i > 255 {
					return nil, fmt.Errorf("id out of range: %d", i)
				}
				ids = append(ids, byte(i))
			}
		} else {
			// Single
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid id: %w", err)
			}
			if id < 1 || id > 255 {
				return nil, fmt.Errorf("id out of range: %d", id)
			}
			ids = append(ids, byte(id))
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no unit ids in %q", input)
	}
	return ids, nil
}
