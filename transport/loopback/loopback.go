// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package loopback links two RTU engines back to back in memory. It stands in
// for a serial bus in tests and in the demo mode: whatever one side sends is
// delivered to the other side as one received frame.
package loopback

import (
	"fmt"
	"sync"

	"github.com/ffutop/modbus-rtu-stack/transport"
)

// Port is one end of an in-memory bus.
type Port struct {
	mu     sync.Mutex
	ev     transport.Events
	peer   *Port
	closed bool

	// Corrupt mangles outgoing frames before delivery; tests use it to
	// exercise the CRC rejection paths. Nil passes frames through.
	Corrupt func(data []byte) []byte
}

// NewPair creates two linked ports.
func NewPair() (*Port, *Port) {
	a := &Port{}
	b := &Port{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Port) Bind(ev transport.Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ev = ev
}

// Receive arms the receiver. Delivery is synchronous in Send, so there is
// nothing to start.
func (p *Port) Receive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("loopback: port closed")
	}
	return nil
}

// Send reports TxDone to the sender and hands the frame to the peer, in bus
// order: the frame has left the wire before the other side sees it.
func (p *Port) Send(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("loopback: port closed")
	}
	ev := p.ev
	peer := p.peer
	corrupt := p.Corrupt
	p.mu.Unlock()

	out := make([]byte, len(data))
	copy(out, data)
	if corrupt != nil {
		out = corrupt(out)
	}

	ev.TxDone()
	peer.deliver(out)
	return nil
}

func (p *Port) deliver(data []byte) {
	p.mu.Lock()
	ev := p.ev
	closed := p.closed
	p.mu.Unlock()
	if closed || ev == nil {
		return
	}
	ev.RxDone(data)
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
