// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-stack/internal/store"
	"github.com/ffutop/modbus-rtu-stack/modbus"
	"github.com/ffutop/modbus-rtu-stack/transport/loopback"
)

// spyStorage records OnWrite notifications on top of a plain model.
type spyStorage struct {
	model  *store.RegisterModel
	writes []uint16
}

func (s *spyStorage) Load() (*store.RegisterModel, error) {
	s.model = store.NewRegisterModel()
	return s.model, nil
}
func (s *spyStorage) Save(*store.RegisterModel) error { return nil }
func (s *spyStorage) OnWrite(address, quantity uint16) {
	for i := uint16(0); i < quantity; i++ {
		s.writes = append(s.writes, address+i)
	}
}
func (s *spyStorage) Close() error { return nil }

func TestDeviceWiresPersistence(t *testing.T) {
	_, slaveEnd := loopback.NewPair()
	storage := &spyStorage{}

	dev, err := New(Config{Address: 1, LastReg: 0xFFFF}, slaveEnd, storage)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if exc := dev.setReg(10, 0xBEEF); exc != modbus.ExceptionNone {
		t.Fatalf("setReg exception: %v", exc)
	}
	if got := dev.Model().Get(10); got != 0xBEEF {
		t.Fatalf("register 10 = %#04x, want 0xbeef", got)
	}
	if len(storage.writes) != 1 || storage.writes[0] != 10 {
		t.Fatalf("persistence notified for %v, want [10]", storage.writes)
	}

	if v, exc := dev.getReg(10); exc != modbus.ExceptionNone || v != 0xBEEF {
		t.Fatalf("getReg = %#04x/%v", v, exc)
	}
}

func TestDevicePacketBridging(t *testing.T) {
	_, slaveEnd := loopback.NewPair()
	dev, err := New(Config{Address: 1, LastReg: 0xFFFF, QueueDepth: 1}, slaveEnd, &spyStorage{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	buf := make([]byte, modbus.MaxPacketSize)
	if _, exc := dev.getPacket(buf); exc != modbus.ExceptionDeviceFault {
		t.Fatalf("empty outbox exception = %v, want device fault", exc)
	}

	if err := dev.Outbox.Push([]byte{0x11, 0x22}); err != nil {
		t.Fatalf("Outbox.Push() error: %v", err)
	}
	n, exc := dev.getPacket(buf)
	if exc != modbus.ExceptionNone || n != 2 || buf[0] != 0x11 || buf[1] != 0x22 {
		t.Fatalf("getPacket = %d/% X/%v", n, buf[:n], exc)
	}

	if exc := dev.setPacket([]byte{0x33}); exc != modbus.ExceptionNone {
		t.Fatalf("setPacket exception: %v", exc)
	}
	// The inbox holds one packet; the next one is refused.
	if exc := dev.setPacket([]byte{0x44}); exc != modbus.ExceptionDeviceFault {
		t.Fatalf("full inbox exception = %v, want device fault", exc)
	}
}

func TestDeviceDefaults(t *testing.T) {
	_, slaveEnd := loopback.NewPair()
	dev, err := New(Config{Address: 1, LastReg: 0xFFFF}, slaveEnd, &spyStorage{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if dev.cfg.QueueDepth != 16 || dev.cfg.PollInterval != time.Millisecond {
		t.Fatalf("defaults not applied: depth=%d interval=%v", dev.cfg.QueueDepth, dev.cfg.PollInterval)
	}
}
