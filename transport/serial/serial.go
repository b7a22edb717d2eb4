// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package serial adapts a serial (RS-232/RS-485) device to the frame port an
// RTU engine drives. Frames are delimited by the bus idle gap: a read pause
// of at least 3.5 character times ends the frame under reception.
package serial

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-rtu-stack/internal/config"
	"github.com/ffutop/modbus-rtu-stack/modbus/rtu"
	"github.com/ffutop/modbus-rtu-stack/transport"
)

// Port drives one serial device. A background reader assembles frames and
// delivers them through the bound engine's completion events, mirroring a
// UART driver's interrupt side.
type Port struct {
	cfg serial.Config

	// Wire timings derived from the baud rate.
	charTime  time.Duration
	frameGap  time.Duration
	ev        transport.Events
	port      io.ReadWriteCloser
	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the device and starts the frame reader.
func Open(cfg config.SerialConfig) (*Port, error) {
	p := &Port{
		cfg: serial.Config{
			Address:  cfg.Device,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			RS485: serial.RS485Config{
				Enabled:            cfg.RS485,
				DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
				DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
				RtsHighDuringSend:  cfg.RtsHighDuringSend,
				RtsHighAfterSend:   cfg.RtsHighAfterSend,
				RxDuringTx:         cfg.RxDuringTx,
			},
		},
		closed: make(chan struct{}),
	}
	p.charTime, p.frameGap = wireTimings(cfg.BaudRate)

	// The read timeout doubles as the end-of-frame gap detector.
	p.cfg.Timeout = p.frameGap

	port, err := serial.Open(&p.cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	p.port = port
	return p, nil
}

// wireTimings derives the character time and the 3.5-character frame gap.
// Above 19200 baud the standard fixes the gap at 1750us.
func wireTimings(baudRate int) (charTime, frameGap time.Duration) {
	if baudRate <= 0 || baudRate > 19200 {
		return 750 * time.Microsecond, 1750 * time.Microsecond
	}
	charTime = time.Duration(11_000_000/baudRate) * time.Microsecond
	frameGap = charTime * 7 / 2
	return charTime, frameGap
}

// Bind attaches the engine and starts frame reception. The reader runs for
// the lifetime of the port; the engine's own state gating discards frames it
// is not expecting, the same way a UART ISR fires regardless of protocol
// state.
func (p *Port) Bind(ev transport.Events) {
	p.ev = ev
	go p.readLoop()
}

// Receive arms the receiver. The reader is always running, so this only
// validates that the port is usable.
func (p *Port) Receive() error {
	select {
	case <-p.closed:
		return fmt.Errorf("serial: port closed")
	default:
		return nil
	}
}

// Send writes one sealed frame and reports TxDone once it left the wire. The
// write returns when the driver buffered the frame, so completion is
// signalled after the computed transmission time.
func (p *Port) Send(data []byte) error {
	if _, err := p.port.Write(data); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	txTime := time.Duration(len(data)) * p.charTime
	go func() {
		select {
		case <-p.closed:
		case <-time.After(txTime):
			p.ev.TxDone()
		}
	}()
	return nil
}

// readLoop assembles frames out of the raw byte stream. A timed-out read
// with bytes on hand closes the frame; a frame growing past the largest
// legal ADU is drained and reported as a receive error.
func (p *Port) readLoop() {
	var frame [rtu.BufferSize]byte
	n := 0
	overflow := false
	chunk := make([]byte, 64)

	for {
		select {
		case <-p.closed:
			return
		default:
		}

		k, err := p.port.Read(chunk)
		if k > 0 {
			if n+k >= len(frame) {
				overflow = true
				n = len(frame)
			} else {
				copy(frame[n:], chunk[:k])
				n += k
			}
			continue
		}

		// Gap (or read error) with a frame on hand: deliver it.
		if n > 0 {
			if overflow {
				slog.Warn("Oversized frame discarded", "bytes", n)
				p.ev.RxError()
			} else {
				p.ev.RxDone(frame[:n])
			}
			n = 0
			overflow = false
		}
		if err != nil && !isTimeout(err) {
			select {
			case <-p.closed:
			default:
				slog.Error("Serial read failed", "device", p.cfg.Address, "err", err)
				p.ev.RxError()
			}
			return
		}
	}
}

// isTimeout reports whether err is the read deadline expiring, the normal
// idle outcome between frames.
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return err == serial.ErrTimeout
}

func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.port.Close()
	})
	return err
}
