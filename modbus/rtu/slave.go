// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ffutop/modbus-rtu-stack/modbus"
)

// SlaveState is the slave engine state word. It is the single variable shared
// between the polling context and the driver's completion context and is only
// ever accessed through atomic loads and stores.
type SlaveState int32

const (
	SlaveStandby SlaveState = iota
	SlaveReceiving
	SlaveReceived
	SlaveProcessing
	SlaveTransmitting
)

func (s SlaveState) String() string {
	switch s {
	case SlaveStandby:
		return "standby"
	case SlaveReceiving:
		return "receiving"
	case SlaveReceived:
		return "received"
	case SlaveProcessing:
		return "processing"
	case SlaveTransmitting:
		return "transmitting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrFrameDiscarded reports a received frame that was dropped without an
// answer: too short or failing CRC. A malformed PDU is not discarded; it is
// answered with an exception. The bus is noisy on RS-485; callers typically
// just log it.
var ErrFrameDiscarded = errors.New("modbus: frame discarded")

// SlaveCallbacks is the capability set a slave engine drives. Standby and
// SendAnswer talk to the UART driver; the register and packet callbacks reach
// the backing store. Standby, SendAnswer, GetReg and SetReg are mandatory.
// GetPacket and SetPacket enable the custom data-packet opcodes and must be
// installed together or not at all.
//
// None of these are invoked from the driver's completion context; RxDone,
// RxError and TxDone only transition state.
type SlaveCallbacks struct {
	// Standby arms the receiver. Invoked from Poll exactly once per cycle;
	// the driver completes with RxDone or RxError.
	Standby func() error

	// SendAnswer transmits the sealed answer frame. The driver completes
	// with TxDone.
	SendAnswer func(data []byte) error

	// GetReg reads the register at addr. A non-zero exception is reported
	// back to the master unchanged.
	GetReg func(addr uint16) (uint16, modbus.Exception)

	// SetReg writes value to the register at addr.
	SetReg func(addr uint16, value uint16) modbus.Exception

	// GetPacket fills buf with the next outbound packet and returns its
	// length, at most 251 bytes.
	GetPacket func(buf []byte) (int, modbus.Exception)

	// SetPacket stores an inbound packet.
	SetPacket func(data []byte) modbus.Exception
}

// SlaveConfig carries the per-instance identity of a slave engine.
type SlaveConfig struct {
	// Address is this station's unicast address, 1..247.
	Address uint8

	// LastReg is the highest register address served, inclusive.
	LastReg uint16
}

// Slave is a Modbus RTU slave engine: a finite-state machine owning one ADU
// buffer, driven by a cooperative Poll from the main loop and by the three
// driver completion events. One Slave exists per UART; it is long-lived and
// has no teardown path.
type Slave struct {
	cfg   SlaveConfig
	cb    SlaveCallbacks
	state atomic.Int32
	buf   frame
}

// NewSlave validates the configuration and callback set and returns an engine
// in the standby state.
func NewSlave(cfg SlaveConfig, cb SlaveCallbacks) (*Slave, error) {
	if cfg.Address < modbus.MinSlaveAddress || cfg.Address > modbus.MaxSlaveAddress {
		return nil, fmt.Errorf("modbus: slave address '%v' outside 1..247", cfg.Address)
	}
	if cb.Standby == nil || cb.SendAnswer == nil || cb.GetReg == nil || cb.SetReg == nil {
		return nil, errors.New("modbus: missing mandatory slave callback")
	}
	if (cb.GetPacket == nil) != (cb.SetPacket == nil) {
		return nil, errors.New("modbus: packet callbacks must be installed together")
	}
	s := &Slave{cfg: cfg, cb: cb}
	s.state.Store(int32(SlaveStandby))
	return s, nil
}

// State reports the engine state.
func (s *Slave) State() SlaveState {
	return SlaveState(s.state.Load())
}

// Poll advances the engine from the main loop. In standby it arms the
// receiver; once a frame has been received it parses, dispatches and answers.
// It returns nil while idle, after a successful dispatch or for a frame
// addressed to another station, and an error when a frame was discarded, a
// callback failed, or the request was answered with an exception (the error
// is then the modbus.Exception).
func (s *Slave) Poll() error {
	if s.State() == SlaveStandby {
		s.state.Store(int32(SlaveReceiving))
		if err := s.cb.Standby(); err != nil {
			return fmt.Errorf("modbus: arming receiver: %w", err)
		}
	}
	if s.State() == SlaveReceived {
		return s.parse()
	}
	return nil
}

// parse validates the received ADU and runs the dispatcher. Entered with
// buf.last naming the last received byte, CRC included.
func (s *Slave) parse() error {
	s.state.Store(int32(SlaveProcessing))

	if s.buf.last < 3 {
		s.state.Store(int32(SlaveStandby))
		return fmt.Errorf("%w: short frame (%d bytes)", ErrFrameDiscarded, s.buf.last+1)
	}

	addr := s.buf.data[0]
	if addr != s.cfg.Address && addr != modbus.BroadcastAddress {
		// Somebody else's traffic on the shared bus, including answers
		// of other slaves. Not an error, just not ours.
		s.state.Store(int32(SlaveStandby))
		return nil
	}

	if !s.buf.stripCRC() {
		s.state.Store(int32(SlaveStandby))
		return fmt.Errorf("%w: CRC mismatch", ErrFrameDiscarded)
	}

	// buf.last now names the final PDU byte.
	dispatchErr := s.dispatch()

	if addr == modbus.BroadcastAddress {
		// Broadcasts are acted on but never answered.
		s.state.Store(int32(SlaveStandby))
		return dispatchErr
	}

	if err := s.sendAnswer(); err != nil {
		return err
	}
	return dispatchErr
}

// sendAnswer seals the assembled answer and hands it to the driver.
func (s *Slave) sendAnswer() error {
	if err := s.buf.seal(); err != nil {
		s.state.Store(int32(SlaveStandby))
		return err
	}
	// Reserve the bus before the driver starts shifting bits out.
	s.state.Store(int32(SlaveTransmitting))
	if err := s.cb.SendAnswer(s.buf.bytes()); err != nil {
		s.state.Store(int32(SlaveStandby))
		return fmt.Errorf("modbus: sending answer: %w", err)
	}
	return nil
}

// exception rewrites the buffer into an exception response in place.
func (s *Slave) exception(code modbus.Exception) {
	s.buf.data[1] |= modbus.ExceptionFlag
	s.buf.data[2] = byte(code)
	s.buf.last = 2
}

// dispatch interprets the function code and builds the answer (or exception)
// in the frame buffer. Returns the exception when one was reported.
func (s *Slave) dispatch() error {
	switch s.buf.data[1] {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return s.handleReadRegisters()
	case modbus.FuncCodeWriteMultipleRegister:
		return s.handleWriteRegisters()
	case modbus.FuncCodeDiagnostic:
		return s.handleDiagnostic()
	case modbus.FuncCodeReadDataPacket:
		if s.cb.GetPacket != nil {
			return s.handleReadPacket()
		}
	case modbus.FuncCodeWriteDataPacket:
		if s.cb.SetPacket != nil {
			return s.handleWritePacket()
		}
	}
	s.exception(modbus.ExceptionIllegalOpcode)
	return modbus.ExceptionIllegalOpcode
}

// countFieldValid checks the narrowed quantity field: this stack requires
// the count high byte to be zero, narrowing the standard's 16-bit quantity
// to 8 bits.
func (s *Slave) countFieldValid(maxCount byte) bool {
	return s.buf.data[4] == 0 && s.buf.data[5] >= 1 && s.buf.data[5] <= maxCount
}

// registerRange resolves the inclusive address window of the request and
// validates it against LastReg.
func (s *Slave) registerRange() (first, lastAddr uint16, exc modbus.Exception) {
	first = uint16(s.buf.data[2])<<8 | uint16(s.buf.data[3])
	lastAddr = first + uint16(s.buf.data[5]) - 1
	if lastAddr < first || lastAddr > s.cfg.LastReg {
		// Wrapped past 0xFFFF or beyond the served window.
		return 0, 0, modbus.ExceptionIllegalAddress
	}
	return first, lastAddr, modbus.ExceptionNone
}

func (s *Slave) handleReadRegisters() error {
	if s.buf.last != 5 || !s.countFieldValid(modbus.MaxReadRegisters) {
		s.exception(modbus.ExceptionIllegalValue)
		return modbus.ExceptionIllegalValue
	}
	first, lastAddr, exc := s.registerRange()
	if exc != modbus.ExceptionNone {
		s.exception(exc)
		return exc
	}

	count := s.buf.data[5]
	s.buf.data[2] = 2 * count
	s.buf.last = 2
	for addr := first; ; addr++ {
		value, exc := s.cb.GetReg(addr)
		if exc != modbus.ExceptionNone {
			s.exception(exc)
			return exc
		}
		s.buf.last++
		s.buf.data[s.buf.last] = byte(value >> 8)
		s.buf.last++
		s.buf.data[s.buf.last] = byte(value)
		if addr == lastAddr {
			break
		}
	}
	return nil
}

func (s *Slave) handleWriteRegisters() error {
	if s.buf.last < 6 || !s.countFieldValid(modbus.MaxWriteRegisters) {
		s.exception(modbus.ExceptionIllegalValue)
		return modbus.ExceptionIllegalValue
	}
	byteCount := s.buf.data[6]
	if byteCount != 2*s.buf.data[5] || int(byteCount) != s.buf.last-6 {
		s.exception(modbus.ExceptionIllegalValue)
		return modbus.ExceptionIllegalValue
	}
	first, lastAddr, exc := s.registerRange()
	if exc != modbus.ExceptionNone {
		s.exception(exc)
		return exc
	}

	idx := 7
	for addr := first; ; addr++ {
		value := uint16(s.buf.data[idx])<<8 | uint16(s.buf.data[idx+1])
		idx += 2
		if exc := s.cb.SetReg(addr, value); exc != modbus.ExceptionNone {
			s.exception(exc)
			return exc
		}
		if addr == lastAddr {
			break
		}
	}
	// Echo address, function, start and count.
	s.buf.last = 5
	return nil
}

func (s *Slave) handleDiagnostic() error {
	// Only sub-function 0x0000 (ping) is carried; the answer echoes the
	// request unchanged.
	if s.buf.data[2] != 0 || s.buf.data[3] != 0 {
		s.exception(modbus.ExceptionIllegalOpcode)
		return modbus.ExceptionIllegalOpcode
	}
	return nil
}

func (s *Slave) handleReadPacket() error {
	if s.buf.last != 1 {
		s.exception(modbus.ExceptionIllegalValue)
		return modbus.ExceptionIllegalValue
	}
	n, exc := s.cb.GetPacket(s.buf.data[3 : 3+modbus.MaxPacketSize])
	if exc != modbus.ExceptionNone {
		s.exception(exc)
		return exc
	}
	if n < 0 || n > modbus.MaxPacketSize {
		// The producer handed back more than one ADU can carry.
		s.exception(modbus.ExceptionDeviceFault)
		return modbus.ExceptionDeviceFault
	}
	s.buf.data[2] = byte(n)
	s.buf.last = n + 2
	return nil
}

func (s *Slave) handleWritePacket() error {
	if s.buf.last != int(s.buf.data[2])+2 {
		s.exception(modbus.ExceptionIllegalValue)
		return modbus.ExceptionIllegalValue
	}
	length := int(s.buf.data[2])
	if exc := s.cb.SetPacket(s.buf.data[3 : 3+length]); exc != modbus.ExceptionNone {
		s.exception(exc)
		return exc
	}
	// Echo address, function and length.
	s.buf.last = 2
	return nil
}

// RxDone is invoked by the driver when a full frame has been received. Safe
// to call from the completion interrupt context: it only stores the payload
// and transitions state; parsing happens on the next Poll. Passing the
// engine's own buffer (zero-copy reception) skips the copy.
func (s *Slave) RxDone(msg []byte) {
	if s.State() != SlaveReceiving {
		return
	}
	if len(msg) < 1 || len(msg) > BufferSize {
		s.state.Store(int32(SlaveStandby))
		return
	}
	s.buf.store(msg)
	s.state.Store(int32(SlaveReceived))
}

// RxError is invoked by the driver on framing or overrun errors. The cycle
// restarts on the next Poll.
func (s *Slave) RxError() {
	if s.State() == SlaveReceiving {
		s.state.Store(int32(SlaveStandby))
	}
}

// TxDone is invoked by the driver once the answer left the wire.
func (s *Slave) TxDone() {
	if s.State() == SlaveTransmitting {
		s.state.Store(int32(SlaveStandby))
	}
}
