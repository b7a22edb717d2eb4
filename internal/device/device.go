// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device assembles one complete slave station: the RTU engine, the
// register model with its persistence backend, the packet queues and the
// frame port.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu-stack/internal/packet"
	"github.com/ffutop/modbus-rtu-stack/internal/store"
	"github.com/ffutop/modbus-rtu-stack/internal/store/persistence"
	"github.com/ffutop/modbus-rtu-stack/modbus"
	"github.com/ffutop/modbus-rtu-stack/modbus/rtu"
	"github.com/ffutop/modbus-rtu-stack/transport"
)

// Config tunes one slave device.
type Config struct {
	// Address is the station's unicast address, 1..247.
	Address uint8

	// LastReg is the highest served register address, inclusive.
	LastReg uint16

	// QueueDepth bounds the inbound and outbound packet queues. Zero
	// selects 16.
	QueueDepth int

	// PollInterval paces the engine poll loop. Zero selects 1ms.
	PollInterval time.Duration
}

// Device is a running slave station.
type Device struct {
	cfg     Config
	slave   *rtu.Slave
	model   *store.RegisterModel
	storage persistence.Storage
	port    transport.Port

	// Inbox receives packets the remote master wrote; Outbox feeds packets
	// the remote master reads.
	Inbox  *packet.FIFO
	Outbox *packet.FIFO
}

// New loads the register model from storage and wires the engine to the port
// and the queues.
func New(cfg Config, port transport.Port, storage persistence.Storage) (*Device, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}

	model, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("device: loading registers: %w", err)
	}

	d := &Device{
		cfg:     cfg,
		model:   model,
		storage: storage,
		port:    port,
		Inbox:   packet.NewFIFO(cfg.QueueDepth),
		Outbox:  packet.NewFIFO(cfg.QueueDepth),
	}

	slave, err := rtu.NewSlave(
		rtu.SlaveConfig{Address: cfg.Address, LastReg: cfg.LastReg},
		rtu.SlaveCallbacks{
			Standby:    port.Receive,
			SendAnswer: port.Send,
			GetReg:     d.getReg,
			SetReg:     d.setReg,
			GetPacket:  d.getPacket,
			SetPacket:  d.setPacket,
		},
	)
	if err != nil {
		return nil, err
	}
	d.slave = slave
	port.Bind(slave)
	return d, nil
}

// Model exposes the register model for application access.
func (d *Device) Model() *store.RegisterModel {
	return d.model
}

func (d *Device) getReg(addr uint16) (uint16, modbus.Exception) {
	return d.model.Get(addr), modbus.ExceptionNone
}

func (d *Device) setReg(addr uint16, value uint16) modbus.Exception {
	d.model.Set(addr, value)
	d.storage.OnWrite(addr, 1)
	return modbus.ExceptionNone
}

func (d *Device) getPacket(buf []byte) (int, modbus.Exception) {
	n, err := d.Outbox.Pop(buf)
	if err != nil {
		return 0, modbus.ExceptionDeviceFault
	}
	return n, modbus.ExceptionNone
}

func (d *Device) setPacket(data []byte) modbus.Exception {
	if err := d.Inbox.Push(data); err != nil {
		return modbus.ExceptionDeviceFault
	}
	return modbus.ExceptionNone
}

// Run drives the engine until the context is cancelled, then saves the model
// and closes the port.
func (d *Device) Run(ctx context.Context) error {
	slog.Info("Slave device started", "address", d.cfg.Address, "lastReg", d.cfg.LastReg)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := d.storage.Save(d.model); err != nil {
				slog.Error("Failed to save registers on shutdown", "err", err)
			}
			if err := d.storage.Close(); err != nil {
				slog.Error("Failed to close storage", "err", err)
			}
			return d.port.Close()
		case <-ticker.C:
			if err := d.slave.Poll(); err != nil {
				if errors.Is(err, rtu.ErrFrameDiscarded) {
					slog.Debug("Frame discarded", "err", err)
				} else {
					slog.Error("Slave poll failed", "err", err)
				}
			}
		}
	}
}
