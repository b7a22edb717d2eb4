// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu-stack/modbus"
)

// Status is the master engine state word, accessed only through atomic loads
// and stores. The last five values are terminal transaction results: Check
// reports them exactly once and forces the engine back to standby on the
// same call.
type Status int32

const (
	StatusStandby Status = iota
	StatusTransmitting
	StatusWaitingAnswer
	StatusReceived
	StatusProcessing
	StatusTimedOut
	StatusCorrupted
	StatusErrReported
	StatusProcessed
	StatusHwError
)

func (s Status) String() string {
	switch s {
	case StatusStandby:
		return "standby"
	case StatusTransmitting:
		return "transmitting"
	case StatusWaitingAnswer:
		return "waiting answer"
	case StatusReceived:
		return "received"
	case StatusProcessing:
		return "processing"
	case StatusTimedOut:
		return "timed out"
	case StatusCorrupted:
		return "corrupted"
	case StatusErrReported:
		return "error reported"
	case StatusProcessed:
		return "processed"
	case StatusHwError:
		return "hardware error"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Terminal reports whether s is a transaction result rather than an
// intermediate engine state.
func (s Status) Terminal() bool {
	switch s {
	case StatusTimedOut, StatusCorrupted, StatusErrReported, StatusProcessed, StatusHwError:
		return true
	}
	return false
}

// Result is the outcome of one master transaction as reported by Check.
type Result struct {
	Status Status

	// Exception carries the slave-reported code, valid only when Status
	// is StatusErrReported.
	Exception modbus.Exception

	// PacketLen is the number of bytes stored into the caller's buffer,
	// valid only after a packet read finished with StatusProcessed.
	PacketLen int
}

// Request API refusals.
var (
	ErrBusy        = errors.New("modbus: master busy")
	ErrWrongParams = errors.New("modbus: wrong request parameters")
	ErrHardware    = errors.New("modbus: hardware fault")
)

// MasterCallbacks is the capability set a master engine drives.
type MasterCallbacks struct {
	// Send transmits the sealed request frame. The driver completes with
	// TxDone.
	Send func(data []byte) error

	// Receive arms the receiver for the answer. Invoked from TxDone, so it
	// may run in the driver's completion context and must be safe there.
	// The driver completes with RxDone or RxError.
	Receive func() error

	// Now is the monotonic time source used for the answer timeout.
	// Defaults to time.Now. Like Receive it may be called from the
	// completion context.
	Now func() time.Time
}

// MasterConfig tunes a master engine.
type MasterConfig struct {
	// Timeout bounds the wait for an answer, measured from the moment the
	// receiver was armed. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// Master is a Modbus RTU master engine: a finite-state machine owning one ADU
// buffer, one in-flight transaction and its timeout. Requests are issued
// through the Read/Write API, completions arrive through the driver events,
// and the caller collects the outcome by polling Check.
type Master struct {
	cfg MasterConfig
	cb  MasterCallbacks

	state atomic.Int32
	buf   frame

	// Transaction on the fly.
	slaveAddr byte
	opCode    byte
	firstReg  uint16
	numRegs   uint16
	regsOut   []uint16
	packetOut []byte
	packetLen int
	rxStart   time.Time
}

// NewMaster validates the callback set and returns an engine in standby.
func NewMaster(cfg MasterConfig, cb MasterCallbacks) (*Master, error) {
	if cb.Send == nil || cb.Receive == nil {
		return nil, errors.New("modbus: missing mandatory master callback")
	}
	if cb.Now == nil {
		cb.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Master{cfg: cfg, cb: cb}
	m.state.Store(int32(StatusStandby))
	return m, nil
}

// State reports the engine state.
func (m *Master) State() Status {
	return Status(m.state.Load())
}

// ReadRegs starts a "read holding registers" transaction. out receives the
// big-endian-decoded values and is only valid once Check reports
// StatusProcessed.
func (m *Master) ReadRegs(slaveAddr byte, first uint16, count uint16, out []uint16) error {
	return m.readRegs(modbus.FuncCodeReadHoldingRegisters, slaveAddr, first, count, out)
}

// ReadInputRegs starts a "read input registers" transaction.
func (m *Master) ReadInputRegs(slaveAddr byte, first uint16, count uint16, out []uint16) error {
	return m.readRegs(modbus.FuncCodeReadInputRegisters, slaveAddr, first, count, out)
}

func (m *Master) readRegs(opCode byte, slaveAddr byte, first uint16, count uint16, out []uint16) error {
	if m.State() != StatusStandby {
		return ErrBusy
	}
	if count < 1 || count > modbus.MaxReadRegisters || len(out) < int(count) {
		return ErrWrongParams
	}

	m.slaveAddr = slaveAddr
	m.opCode = opCode
	m.firstReg = first
	m.numRegs = count
	m.regsOut = out

	m.buf.data[0] = slaveAddr
	m.buf.data[1] = m.opCode
	m.buf.data[2] = byte(first >> 8)
	m.buf.data[3] = byte(first)
	m.buf.data[4] = byte(count >> 8)
	m.buf.data[5] = byte(count)
	m.buf.last = 5

	return m.send()
}

// WriteRegs starts a "write multiple registers" transaction.
func (m *Master) WriteRegs(slaveAddr byte, first uint16, count uint16, values []uint16) error {
	if m.State() != StatusStandby {
		return ErrBusy
	}
	if count < 1 || count > modbus.MaxWriteRegisters || len(values) < int(count) {
		return ErrWrongParams
	}

	m.slaveAddr = slaveAddr
	m.opCode = modbus.FuncCodeWriteMultipleRegister
	m.firstReg = first
	m.numRegs = count

	m.buf.data[0] = slaveAddr
	m.buf.data[1] = m.opCode
	m.buf.data[2] = byte(first >> 8)
	m.buf.data[3] = byte(first)
	m.buf.data[4] = byte(count >> 8)
	m.buf.data[5] = byte(count)
	m.buf.data[6] = byte(count * 2)
	m.buf.last = 6
	for i := 0; i < int(count); i++ {
		m.buf.last++
		m.buf.data[m.buf.last] = byte(values[i] >> 8)
		m.buf.last++
		m.buf.data[m.buf.last] = byte(values[i])
	}

	return m.send()
}

// ReadPacket starts a custom "read data packet" transaction. buf must hold
// the largest packet (251 bytes); the received length is reported through
// Result.PacketLen.
func (m *Master) ReadPacket(slaveAddr byte, buf []byte) error {
	if m.State() != StatusStandby {
		return ErrBusy
	}
	if len(buf) < modbus.MaxPacketSize {
		return ErrWrongParams
	}

	m.slaveAddr = slaveAddr
	m.opCode = modbus.FuncCodeReadDataPacket
	m.packetOut = buf

	m.buf.data[0] = slaveAddr
	m.buf.data[1] = m.opCode
	m.buf.last = 1

	return m.send()
}

// WritePacket starts a custom "write data packet" transaction carrying up to
// 251 bytes.
func (m *Master) WritePacket(slaveAddr byte, data []byte) error {
	if m.State() != StatusStandby {
		return ErrBusy
	}
	if data == nil || len(data) > modbus.MaxPacketSize {
		return ErrWrongParams
	}

	m.slaveAddr = slaveAddr
	m.opCode = modbus.FuncCodeWriteDataPacket
	m.packetLen = len(data)

	m.buf.data[0] = slaveAddr
	m.buf.data[1] = m.opCode
	m.buf.data[2] = byte(len(data))
	copy(m.buf.data[3:], data)
	m.buf.last = 2 + len(data)

	return m.send()
}

// send seals the request and hands it to the driver.
func (m *Master) send() error {
	if err := m.buf.seal(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrongParams, err)
	}
	// Reserve the bus before the driver starts shifting bits out.
	m.state.Store(int32(StatusTransmitting))
	if err := m.cb.Send(m.buf.bytes()); err != nil {
		m.state.Store(int32(StatusHwError))
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}
	return nil
}

// Check advances the engine from the main loop. done is true exactly once per
// transaction: the call that observes a terminal result reports it and
// returns the engine to standby, so the caller may issue the next request
// immediately. While a transaction is in flight it also enforces the answer
// timeout.
func (m *Master) Check() (Result, bool) {
	switch st := m.State(); st {
	case StatusStandby, StatusTransmitting:
		return Result{Status: st}, false

	case StatusWaitingAnswer:
		if m.cb.Now().Sub(m.rxStart) > m.cfg.Timeout {
			m.state.Store(int32(StatusStandby))
			return Result{Status: StatusTimedOut}, true
		}
		return Result{Status: st}, false

	case StatusReceived:
		res := m.parse()
		m.state.Store(int32(StatusStandby))
		return res, true

	case StatusCorrupted, StatusHwError:
		m.state.Store(int32(StatusStandby))
		return Result{Status: st}, true

	default:
		// Failsafe: no other state may persist across calls.
		m.state.Store(int32(StatusStandby))
		return Result{Status: st}, false
	}
}

// parse validates the received ADU against the issued request. Entered with
// buf.last naming the last received byte, CRC included.
func (m *Master) parse() Result {
	m.state.Store(int32(StatusProcessing))

	if m.buf.data[0] != m.slaveAddr {
		return Result{Status: StatusCorrupted}
	}
	if m.buf.last < 3 {
		return Result{Status: StatusCorrupted}
	}
	if !m.buf.stripCRC() {
		return Result{Status: StatusCorrupted}
	}
	return m.processAnswer()
}

// processAnswer interprets the answer PDU. buf.last names the final PDU byte.
func (m *Master) processAnswer() Result {
	// Masking the exception flag, the answer must echo the issued opcode.
	if m.buf.data[1]&^byte(modbus.ExceptionFlag) != m.opCode {
		return Result{Status: StatusCorrupted}
	}
	if m.buf.data[1]&modbus.ExceptionFlag != 0 {
		if m.buf.last < 2 {
			return Result{Status: StatusCorrupted}
		}
		return Result{Status: StatusErrReported, Exception: modbus.Exception(m.buf.data[2])}
	}

	switch m.opCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if m.buf.last < 2+2*int(m.numRegs) || m.buf.data[2] != byte(2*m.numRegs) {
			return Result{Status: StatusCorrupted}
		}
		for i := 0; i < int(m.numRegs); i++ {
			m.regsOut[i] = uint16(m.buf.data[3+2*i])<<8 | uint16(m.buf.data[4+2*i])
		}
		return Result{Status: StatusProcessed}

	case modbus.FuncCodeWriteMultipleRegister:
		if m.buf.last < 5 {
			return Result{Status: StatusCorrupted}
		}
		// Safety echo of start and count; the opcode was already matched.
		if m.buf.data[2] != byte(m.firstReg>>8) || m.buf.data[3] != byte(m.firstReg) ||
			m.buf.data[4] != byte(m.numRegs>>8) || m.buf.data[5] != byte(m.numRegs) {
			return Result{Status: StatusCorrupted}
		}
		return Result{Status: StatusProcessed}

	case modbus.FuncCodeReadDataPacket:
		if m.buf.last < 2 || m.buf.last != 2+int(m.buf.data[2]) {
			return Result{Status: StatusCorrupted}
		}
		n := int(m.buf.data[2])
		copy(m.packetOut[:n], m.buf.data[3:3+n])
		m.packetLen = n
		return Result{Status: StatusProcessed, PacketLen: n}

	case modbus.FuncCodeWriteDataPacket:
		if m.buf.last != 2 || int(m.buf.data[2]) != m.packetLen {
			return Result{Status: StatusCorrupted}
		}
		return Result{Status: StatusProcessed}

	default:
		return Result{Status: StatusCorrupted}
	}
}

// TxDone is invoked by the driver once the request left the wire. It arms the
// receiver and samples the timeout origin; both the Receive and Now callbacks
// may therefore run in the driver's completion context.
func (m *Master) TxDone() {
	if m.State() != StatusTransmitting {
		return
	}
	m.state.Store(int32(StatusWaitingAnswer))
	if m.cb.Receive() != nil {
		m.state.Store(int32(StatusHwError))
	}
	m.rxStart = m.cb.Now()
}

// RxDone is invoked by the driver when a full answer frame has been received.
// It only stores the payload and transitions state; parsing happens on the
// next Check. Passing the engine's own buffer (zero-copy reception) skips
// the copy.
func (m *Master) RxDone(msg []byte) {
	if m.State() != StatusWaitingAnswer {
		return
	}
	if len(msg) < 1 || len(msg) > BufferSize {
		m.state.Store(int32(StatusCorrupted))
		return
	}
	m.buf.store(msg)
	m.state.Store(int32(StatusReceived))
}

// RxError is invoked by the driver on framing or overrun errors while an
// answer is awaited.
func (m *Master) RxError() {
	if m.State() == StatusWaitingAnswer {
		m.state.Store(int32(StatusCorrupted))
	}
}
