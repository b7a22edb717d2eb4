// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-stack/modbus"
)

// masterHarness wires a master engine to a scripted wire and a manual clock.
type masterHarness struct {
	master *Master
	sent   [][]byte
	now    time.Time

	sendErr    error
	receiveErr error
}

func newMasterHarness(t *testing.T, cfg MasterConfig) *masterHarness {
	t.Helper()
	h := &masterHarness{now: time.Unix(0, 0)}

	master, err := NewMaster(cfg, MasterCallbacks{
		Send: func(data []byte) error {
			if h.sendErr != nil {
				return h.sendErr
			}
			msg := make([]byte, len(data))
			copy(msg, data)
			h.sent = append(h.sent, msg)
			return nil
		},
		Receive: func() error { return h.receiveErr },
		Now:     func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}
	h.master = master
	return h
}

// answer completes the transmission and delivers one answer frame.
func (h *masterHarness) answer(raw []byte) {
	h.master.TxDone()
	h.master.RxDone(raw)
}

// finish polls Check until the transaction terminates.
func (h *masterHarness) finish(t *testing.T) Result {
	t.Helper()
	for i := 0; i < 10; i++ {
		if res, done := h.master.Check(); done {
			return res
		}
	}
	t.Fatal("transaction did not terminate")
	return Result{}
}

func TestMasterReadRegs(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 2)

	if err := h.master.ReadRegs(0x01, 0x0010, 2, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	wantReq := sealed(0x01, 0x03, 0x00, 0x10, 0x00, 0x02)
	if !bytes.Equal(h.sent[0], wantReq) {
		t.Fatalf("request % X, want % X", h.sent[0], wantReq)
	}

	h.answer(sealed(0x01, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD))
	res := h.finish(t)
	if res.Status != StatusProcessed {
		t.Fatalf("status = %v, want processed", res.Status)
	}
	if out[0] != 0xAABB || out[1] != 0xCCDD {
		t.Fatalf("decoded registers %#04x %#04x", out[0], out[1])
	}

	// The terminating Check already returned the engine to standby.
	if res, done := h.master.Check(); done || res.Status != StatusStandby {
		t.Fatalf("second Check() = %v done=%v, want standby idle", res.Status, done)
	}
}

func TestMasterReadInputRegs(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 1)

	if err := h.master.ReadInputRegs(0x05, 0x0000, 1, out); err != nil {
		t.Fatalf("ReadInputRegs() error: %v", err)
	}
	wantReq := sealed(0x05, 0x04, 0x00, 0x00, 0x00, 0x01)
	if !bytes.Equal(h.sent[0], wantReq) {
		t.Fatalf("request % X, want % X", h.sent[0], wantReq)
	}

	h.answer(sealed(0x05, 0x04, 0x02, 0x12, 0x34))
	if res := h.finish(t); res.Status != StatusProcessed || out[0] != 0x1234 {
		t.Fatalf("status %v, value %#04x", res.Status, out[0])
	}
}

func TestMasterWriteRegs(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})

	if err := h.master.WriteRegs(0x01, 0x0001, 2, []uint16{0x000A, 0x0102}); err != nil {
		t.Fatalf("WriteRegs() error: %v", err)
	}
	wantReq := sealed(0x01, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02)
	if !bytes.Equal(h.sent[0], wantReq) {
		t.Fatalf("request % X, want % X", h.sent[0], wantReq)
	}

	h.answer(sealed(0x01, 0x10, 0x00, 0x01, 0x00, 0x02))
	if res := h.finish(t); res.Status != StatusProcessed {
		t.Fatalf("status = %v, want processed", res.Status)
	}
}

func TestMasterWriteEchoMismatch(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})

	if err := h.master.WriteRegs(0x01, 0x0001, 1, []uint16{0xBEEF}); err != nil {
		t.Fatalf("WriteRegs() error: %v", err)
	}
	// The slave echoes a different start address.
	h.answer(sealed(0x01, 0x10, 0x00, 0x02, 0x00, 0x01))
	if res := h.finish(t); res.Status != StatusCorrupted {
		t.Fatalf("status = %v, want corrupted", res.Status)
	}
}

func TestMasterErrReported(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 3)

	if err := h.master.ReadRegs(0x01, 0x000E, 3, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	h.answer(sealed(0x01, 0x83, 0x02))
	res := h.finish(t)
	if res.Status != StatusErrReported {
		t.Fatalf("status = %v, want error reported", res.Status)
	}
	if res.Exception != modbus.ExceptionIllegalAddress {
		t.Fatalf("exception = %v, want illegal address", res.Exception)
	}
}

func TestMasterTimeout(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{Timeout: 100 * time.Millisecond})
	out := make([]uint16, 1)

	if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	h.master.TxDone()

	// Still inside the window: the transaction keeps waiting.
	h.now = h.now.Add(99 * time.Millisecond)
	if res, done := h.master.Check(); done || res.Status != StatusWaitingAnswer {
		t.Fatalf("Check() = %v done=%v before the deadline", res.Status, done)
	}

	h.now = h.now.Add(2 * time.Millisecond)
	res, done := h.master.Check()
	if !done || res.Status != StatusTimedOut {
		t.Fatalf("Check() = %v done=%v, want timed out", res.Status, done)
	}
	if res, done := h.master.Check(); done || res.Status != StatusStandby {
		t.Fatalf("timeout reported twice: %v done=%v", res.Status, done)
	}
}

func TestMasterLateAnswerIgnored(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{Timeout: 100 * time.Millisecond})
	out := make([]uint16, 1)

	if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	h.master.TxDone()
	h.now = h.now.Add(time.Second)
	if res, _ := h.master.Check(); res.Status != StatusTimedOut {
		t.Fatalf("status = %v, want timed out", res.Status)
	}

	// The answer of the dead transaction arrives afterwards.
	h.master.RxDone(sealed(0x01, 0x03, 0x02, 0x12, 0x34))
	if res, done := h.master.Check(); done || res.Status != StatusStandby {
		t.Fatalf("late answer revived the engine: %v done=%v", res.Status, done)
	}
}

func TestMasterCorruptedAnswers(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"wrong station", sealed(0x02, 0x03, 0x02, 0x12, 0x34)},
		{"wrong opcode", sealed(0x01, 0x04, 0x02, 0x12, 0x34)},
		{"bad crc", []byte{0x01, 0x03, 0x02, 0x12, 0x34, 0x00, 0x00}},
		{"short frame", []byte{0x01, 0x03, 0x02}},
		{"byte count mismatch", sealed(0x01, 0x03, 0x04, 0x12, 0x34)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMasterHarness(t, MasterConfig{})
			out := make([]uint16, 1)
			if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
				t.Fatalf("ReadRegs() error: %v", err)
			}
			h.answer(tt.raw)
			if res := h.finish(t); res.Status != StatusCorrupted {
				t.Fatalf("status = %v, want corrupted", res.Status)
			}
		})
	}
}

func TestMasterBusy(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 1)

	if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	if err := h.master.ReadRegs(0x01, 0, 1, out); !errors.Is(err, ErrBusy) {
		t.Fatalf("second request: err = %v, want busy", err)
	}
}

func TestMasterWrongParams(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 200)

	tests := []struct {
		name  string
		issue func() error
	}{
		{"read zero", func() error { return h.master.ReadRegs(1, 0, 0, out) }},
		{"read over 125", func() error { return h.master.ReadRegs(1, 0, 126, out) }},
		{"read short out", func() error { return h.master.ReadRegs(1, 0, 10, out[:5]) }},
		{"write zero", func() error { return h.master.WriteRegs(1, 0, 0, nil) }},
		{"write over 123", func() error { return h.master.WriteRegs(1, 0, 124, out[:124]) }},
		{"packet too big", func() error { return h.master.WritePacket(1, make([]byte, 252)) }},
		{"packet buf too small", func() error { return h.master.ReadPacket(1, make([]byte, 100)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.issue(); !errors.Is(err, ErrWrongParams) {
				t.Fatalf("err = %v, want wrong params", err)
			}
			if got := h.master.State(); got != StatusStandby {
				t.Fatalf("refused request left state %v", got)
			}
		})
	}
}

func TestMasterReadPacket(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	buf := make([]byte, modbus.MaxPacketSize)

	if err := h.master.ReadPacket(0x01, buf); err != nil {
		t.Fatalf("ReadPacket() error: %v", err)
	}
	wantReq := sealed(0x01, 0x64)
	if !bytes.Equal(h.sent[0], wantReq) {
		t.Fatalf("request % X, want % X", h.sent[0], wantReq)
	}

	h.answer(sealed(0x01, 0x64, 0x03, 0xCA, 0xFE, 0x42))
	res := h.finish(t)
	if res.Status != StatusProcessed || res.PacketLen != 3 {
		t.Fatalf("status %v packetLen %d", res.Status, res.PacketLen)
	}
	if !bytes.Equal(buf[:3], []byte{0xCA, 0xFE, 0x42}) {
		t.Fatalf("packet % X", buf[:3])
	}
}

func TestMasterWritePacket(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})

	if err := h.master.WritePacket(0x01, []byte{0xCA, 0xFE, 0x42}); err != nil {
		t.Fatalf("WritePacket() error: %v", err)
	}
	wantReq := sealed(0x01, 0x65, 0x03, 0xCA, 0xFE, 0x42)
	if !bytes.Equal(h.sent[0], wantReq) {
		t.Fatalf("request % X, want % X", h.sent[0], wantReq)
	}

	h.answer(sealed(0x01, 0x65, 0x03))
	if res := h.finish(t); res.Status != StatusProcessed {
		t.Fatalf("status = %v, want processed", res.Status)
	}

	// An echoed length that differs from the request is corruption.
	if err := h.master.WritePacket(0x01, []byte{0xCA}); err != nil {
		t.Fatalf("WritePacket() error: %v", err)
	}
	h.answer(sealed(0x01, 0x65, 0x02))
	if res := h.finish(t); res.Status != StatusCorrupted {
		t.Fatalf("status = %v, want corrupted", res.Status)
	}
}

func TestMasterHardwareFault(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	h.sendErr = errors.New("uart gone")
	out := make([]uint16, 1)

	err := h.master.ReadRegs(0x01, 0, 1, out)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("err = %v, want hardware fault", err)
	}
	res, done := h.master.Check()
	if !done || res.Status != StatusHwError {
		t.Fatalf("Check() = %v done=%v, want hardware error", res.Status, done)
	}
	if res, done := h.master.Check(); done || res.Status != StatusStandby {
		t.Fatalf("fault reported twice: %v done=%v", res.Status, done)
	}
}

func TestMasterReceiveFault(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	h.receiveErr = errors.New("uart gone")
	out := make([]uint16, 1)

	if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	h.master.TxDone()
	res, done := h.master.Check()
	if !done || res.Status != StatusHwError {
		t.Fatalf("Check() = %v done=%v, want hardware error", res.Status, done)
	}
}

func TestMasterRxErrorCorrupts(t *testing.T) {
	h := newMasterHarness(t, MasterConfig{})
	out := make([]uint16, 1)

	if err := h.master.ReadRegs(0x01, 0, 1, out); err != nil {
		t.Fatalf("ReadRegs() error: %v", err)
	}
	h.master.TxDone()
	h.master.RxError()
	if res := h.finish(t); res.Status != StatusCorrupted {
		t.Fatalf("status = %v, want corrupted", res.Status)
	}
}
