// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package poller runs a Modbus RTU master that cyclically reads register
// windows from remote slaves and reports the outcomes.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/modbus-rtu-stack/modbus"
	"github.com/ffutop/modbus-rtu-stack/modbus/rtu"
	"github.com/ffutop/modbus-rtu-stack/transport"
)

// Target is one register window polled each cycle.
type Target struct {
	// SlaveAddress is the station to query, 1..247.
	SlaveAddress uint8

	// FirstReg is the first register of the window.
	FirstReg uint16

	// Count is the window size, 1..125.
	Count uint16

	// Input selects "read input registers" instead of holding registers.
	Input bool
}

// Config tunes a poller.
type Config struct {
	Targets []Target

	// RequestPause is the idle gap between two transactions. Zero selects
	// one second.
	RequestPause time.Duration

	// Timeout bounds the wait for each answer. Zero selects the engine
	// default.
	Timeout time.Duration

	// PollInterval paces the engine check loop. Zero selects 1ms.
	PollInterval time.Duration
}

// Poller cycles through its targets, one transaction at a time. The bus is
// half duplex, so there is never more than one request in flight.
type Poller struct {
	cfg    Config
	master *rtu.Master
	port   transport.Port
	regs   [modbus.MaxReadRegisters]uint16
}

// New wires a master engine to the port.
func New(cfg Config, port transport.Port) (*Poller, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("poller: no targets configured")
	}
	for _, t := range cfg.Targets {
		if t.SlaveAddress < modbus.MinSlaveAddress || t.SlaveAddress > modbus.MaxSlaveAddress {
			return nil, fmt.Errorf("poller: slave address '%v' outside 1..247", t.SlaveAddress)
		}
		if t.Count < 1 || t.Count > modbus.MaxReadRegisters {
			return nil, fmt.Errorf("poller: window size '%v' outside 1..125", t.Count)
		}
	}
	if cfg.RequestPause <= 0 {
		cfg.RequestPause = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}

	p := &Poller{cfg: cfg, port: port}
	master, err := rtu.NewMaster(
		rtu.MasterConfig{Timeout: cfg.Timeout},
		rtu.MasterCallbacks{
			Send:    port.Send,
			Receive: port.Receive,
		},
	)
	if err != nil {
		return nil, err
	}
	p.master = master
	port.Bind(master)
	return p, nil
}

// Run cycles through the targets until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("Poller started", "targets", len(p.cfg.Targets), "pause", p.cfg.RequestPause)

	for i := 0; ; i = (i + 1) % len(p.cfg.Targets) {
		if err := p.pollOnce(ctx, p.cfg.Targets[i]); err != nil {
			return p.port.Close()
		}
		select {
		case <-ctx.Done():
			return p.port.Close()
		case <-time.After(p.cfg.RequestPause):
		}
	}
}

// pollOnce runs one full transaction against a target. A non-nil error means
// the context was cancelled.
func (p *Poller) pollOnce(ctx context.Context, t Target) error {
	out := p.regs[:t.Count]

	var err error
	if t.Input {
		err = p.master.ReadInputRegs(t.SlaveAddress, t.FirstReg, t.Count, out)
	} else {
		err = p.master.ReadRegs(t.SlaveAddress, t.FirstReg, t.Count, out)
	}
	if err != nil {
		slog.Error("Failed to issue request", "slave", t.SlaveAddress, "firstReg", t.FirstReg, "err", err)
		if !errors.Is(err, rtu.ErrHardware) {
			return nil
		}
		// The engine reports the hardware fault through Check; fall
		// through and collect it.
	}

	res, err := p.await(ctx)
	if err != nil {
		return err
	}
	p.report(t, res, out)
	return nil
}

// await drives Check until the transaction terminates.
func (p *Poller) await(ctx context.Context) (rtu.Result, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return rtu.Result{}, ctx.Err()
		case <-ticker.C:
			if res, done := p.master.Check(); done {
				return res, nil
			}
		}
	}
}

func (p *Poller) report(t Target, res rtu.Result, values []uint16) {
	switch res.Status {
	case rtu.StatusProcessed:
		slog.Info("Poll succeeded", "slave", t.SlaveAddress, "firstReg", t.FirstReg, "count", t.Count, "values", values)
	case rtu.StatusErrReported:
		slog.Warn("Slave reported exception", "slave", t.SlaveAddress, "firstReg", t.FirstReg, "exception", res.Exception)
	default:
		slog.Warn("Poll failed", "slave", t.SlaveAddress, "firstReg", t.FirstReg, "status", res.Status)
	}
}
