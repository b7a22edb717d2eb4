// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package packet

import (
	"errors"
	"sync"

	"github.com/ffutop/modbus-rtu-stack/modbus"
)

var (
	ErrEmpty    = errors.New("packet: queue empty")
	ErrFull     = errors.New("packet: queue full")
	ErrTooLarge = errors.New("packet: payload exceeds 251 bytes")
)

// FIFO is a bounded queue of data packets, each at most 251 bytes (the
// largest payload one ADU carries). It backs the custom read/write packet
// opcodes on the slave side: the protocol engine pops outbound packets and
// pushes inbound ones, while the application works the opposite ends.
type FIFO struct {
	mu    sync.Mutex
	queue [][]byte
	cap   int
}

// NewFIFO creates a queue holding at most capacity packets.
func NewFIFO(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{cap: capacity}
}

// Push copies p onto the tail of the queue.
func (f *FIFO) Push(p []byte) error {
	if len(p) > modbus.MaxPacketSize {
		return ErrTooLarge
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) >= f.cap {
		return ErrFull
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	f.queue = append(f.queue, buf)
	return nil
}

// Pop removes the head packet and copies it into buf, returning its length.
func (f *FIFO) Pop(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return 0, ErrEmpty
	}
	head := f.queue[0]
	if len(buf) < len(head) {
		return 0, ErrTooLarge
	}
	f.queue = f.queue[1:]
	return copy(buf, head), nil
}

// Len reports the number of queued packets.
func (f *FIFO) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
