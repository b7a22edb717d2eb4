// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu-stack/internal/config"
	"github.com/ffutop/modbus-rtu-stack/internal/device"
	"github.com/ffutop/modbus-rtu-stack/internal/poller"
	"github.com/ffutop/modbus-rtu-stack/internal/store/persistence"
	"github.com/ffutop/modbus-rtu-stack/transport"
	"github.com/ffutop/modbus-rtu-stack/transport/loopback"
	"github.com/ffutop/modbus-rtu-stack/transport/serial"
)

func main() {
	configFile := pflag.String("config", "", "Path to config file")
	mode := pflag.String("mode", "", "Station role: slave, master or loopback (overrides config)")
	pflag.Parse()

	// Load Configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	setupLogger(cfg.Log)

	slog.Info("Starting Modbus RTU station...", "mode", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	switch cfg.Mode {
	case "slave":
		port, err := serial.Open(cfg.Serial)
		if err != nil {
			slog.Error("Failed to open serial port", "err", err)
			os.Exit(1)
		}
		runSlave(ctx, &wg, cfg, port)

	case "master":
		port, err := serial.Open(cfg.Serial)
		if err != nil {
			slog.Error("Failed to open serial port", "err", err)
			os.Exit(1)
		}
		runMaster(ctx, &wg, cfg, port)

	case "loopback":
		// Demo: a master polling a local slave over an in-memory bus.
		masterEnd, slaveEnd := loopback.NewPair()
		runSlave(ctx, &wg, cfg, slaveEnd)
		runMaster(ctx, &wg, cfg, masterEnd)

	default:
		slog.Error("Unknown mode", "mode", cfg.Mode)
		os.Exit(1)
	}

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

func runSlave(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, port transport.Port) {
	storage := newStorage(cfg.Slave.Persistence)

	dev, err := device.New(device.Config{
		Address:      cfg.Slave.Address,
		LastReg:      cfg.Slave.LastReg,
		QueueDepth:   cfg.Slave.QueueDepth,
		PollInterval: cfg.Slave.PollInterval,
	}, port, storage)
	if err != nil {
		slog.Error("Failed to create slave device", "err", err)
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dev.Run(ctx); err != nil {
			slog.Error("Slave device stopped with error", "err", err)
		}
	}()
}

func runMaster(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, port transport.Port) {
	targets := make([]poller.Target, 0, len(cfg.Master.Targets))
	for _, t := range cfg.Master.Targets {
		targets = append(targets, poller.Target{
			SlaveAddress: t.SlaveAddress,
			FirstReg:     t.FirstReg,
			Count:        t.Count,
			Input:        t.Input,
		})
	}
	if len(targets) == 0 {
		// Poll the first register of the local slave address as a
		// sensible demo default.
		targets = append(targets, poller.Target{SlaveAddress: cfg.Slave.Address, FirstReg: 0, Count: 1})
	}

	p, err := poller.New(poller.Config{
		Targets:      targets,
		RequestPause: cfg.Master.RqstPause,
		Timeout:      cfg.Master.Timeout,
		PollInterval: cfg.Master.PollInterval,
	}, port)
	if err != nil {
		slog.Error("Failed to create poller", "err", err)
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			slog.Error("Poller stopped with error", "err", err)
		}
	}()
}

func newStorage(cfg config.PersistenceConfig) persistence.Storage {
	switch cfg.Type {
	case "file":
		return persistence.NewFileStorage(cfg.Path)
	case "mmap":
		return persistence.NewMmapStorage(cfg.Path)
	case "sql":
		return persistence.NewSQLStorage("sqlite3", cfg.Path)
	default:
		return persistence.NewMemoryStorage()
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
