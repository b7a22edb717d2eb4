// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure.
type Config struct {
	// Mode selects the station role: "slave", "master" or "loopback".
	Mode string `mapstructure:"mode"`

	Serial SerialConfig `mapstructure:"serial"`
	Slave  SlaveConfig  `mapstructure:"slave"`
	Master MasterConfig `mapstructure:"master"`
	Log    LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// SlaveConfig defines the local slave station.
type SlaveConfig struct {
	Address      uint8             `mapstructure:"address"`  // Unicast address, 1..247
	LastReg      uint16            `mapstructure:"last_reg"` // Highest served register
	QueueDepth   int               `mapstructure:"queue_depth"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Persistence  PersistenceConfig `mapstructure:"persistence"`
}

// MasterConfig defines the polling master station.
type MasterConfig struct {
	Timeout      time.Duration  `mapstructure:"timeout"`    // Answer timeout
	RqstPause    time.Duration  `mapstructure:"rqst_pause"` // Pause between requests
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	Targets      []TargetConfig `mapstructure:"targets"`
}

// TargetConfig defines one register window the master polls.
type TargetConfig struct {
	SlaveAddress uint8  `mapstructure:"slave_address"`
	FirstReg     uint16 `mapstructure:"first_reg"`
	Count        uint16 `mapstructure:"count"`
	Input        bool   `mapstructure:"input"` // Read input registers instead of holding
}

// PersistenceConfig defines register storage settings.
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path string `mapstructure:"path"` // File path for "file/mmap", DSN for "sql"
}

// SerialConfig defines RTU port settings.
type SerialConfig struct {
	Device   string `mapstructure:"device"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits int    `mapstructure:"stop_bits"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// LoadConfig loads configuration from file.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusrtu/")
		v.AddConfigPath("$HOME/.modbusrtu")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("mode", "slave")
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("slave.address", 1)
	v.SetDefault("slave.last_reg", 0xFFFF)
	v.SetDefault("slave.persistence.type", "memory")
	v.SetDefault("master.timeout", 100*time.Millisecond)
	v.SetDefault("master.rqst_pause", time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		return nil, fmt.Errorf("failed to found config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	fixupSerial(&config.Serial)

	switch config.Mode {
	case "slave", "master", "loopback":
	default:
		return nil, fmt.Errorf("unknown mode: %q", config.Mode)
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.BaudRate == 0 {
		s.BaudRate = 19200
	}
	if s.DataBits == 0 {
		s.DataBits = 8
	}
	if s.StopBits == 0 {
		s.StopBits = 1
	}
}
