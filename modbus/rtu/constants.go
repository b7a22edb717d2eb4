// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "time"

const (
	// MinSize and MaxSize bound a legal ADU on the wire:
	// address(1) + function(1) + PDU(0..252) + CRC(2).
	MinSize = 4
	MaxSize = 256

	// BufferSize is one past the largest legal ADU. A reception that fills
	// the buffer entirely is an overrun and must be surfaced as RxError by
	// the driver.
	BufferSize = 257

	// maxUnsealedLast is the largest index of the final PDU byte that still
	// leaves room for the CRC pair.
	maxUnsealedLast = 253
)

// DefaultTimeout bounds the master's wait for an answer, measured from the
// moment the receiver was armed.
const DefaultTimeout = 100 * time.Millisecond
