// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

// Events is the completion side of an RTU engine. Both the slave and the
// master engines expose these three entry points; a Port delivers driver
// completions through them. Implementations never parse frames or call
// register or packet callbacks from these entry points; apart from the
// master's TxDone, which arms the receiver through its Receive callback and
// reads its clock, they only transition engine state, so a Port may invoke
// them from any goroutine.
type Events interface {
	// RxDone delivers one received frame. The slice is only valid for the
	// duration of the call unless it aliases the engine's own buffer.
	RxDone(msg []byte)

	// RxError reports a framing, parity or overrun error that voided the
	// frame under reception.
	RxError()

	// TxDone reports that the last frame handed to Send left the wire.
	TxDone()
}

// Port is a half-duplex frame port on a Modbus RTU bus. One engine is bound
// to one port; completions flow back through the bound Events.
type Port interface {
	// Bind attaches the engine that receives completions. Must be called
	// before Receive or Send.
	Bind(ev Events)

	// Receive arms the receiver for one frame. The port completes with
	// RxDone or RxError.
	Receive() error

	// Send transmits one sealed frame. The port completes with TxDone.
	Send(data []byte) error

	Close() error
}
