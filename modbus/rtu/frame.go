// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-rtu-stack/modbus/crc"
)

// frame is the fixed ADU buffer owned by an engine. data holds one in-flight
// ADU; last is the index of the final meaningful byte. While an answer or a
// request is being assembled, last names the final PDU byte and seal appends
// the CRC in place before the buffer is handed to the sender.
type frame struct {
	data [BufferSize]byte
	last int
}

// bytes returns the meaningful span of the buffer.
func (f *frame) bytes() []byte {
	return f.data[:f.last+1]
}

// seal appends the CRC pair little-endian (low byte first) and advances last.
func (f *frame) seal() error {
	if f.last > maxUnsealedLast {
		return fmt.Errorf("modbus: frame length '%v' must not be bigger than '%v'", f.last+3, MaxSize)
	}
	sum := crc.Sum(f.data[:f.last+1], crc.Seed)
	f.data[f.last+1] = byte(sum)
	f.data[f.last+2] = byte(sum >> 8)
	f.last += 2
	return nil
}

// stripCRC validates the trailing CRC pair against the checksum of the
// preceding bytes. On success last is moved back to the final PDU byte.
func (f *frame) stripCRC() bool {
	if f.last < 3 {
		return false
	}
	sum := crc.Sum(f.data[:f.last-1], crc.Seed)
	if f.data[f.last] != byte(sum>>8) || f.data[f.last-1] != byte(sum) {
		return false
	}
	f.last -= 2
	return true
}

// store copies a received message into the buffer unless the driver already
// received into it (zero-copy DMA reception hands back the same span).
func (f *frame) store(msg []byte) {
	if &msg[0] != &f.data[0] {
		copy(f.data[:], msg)
	}
	f.last = len(msg) - 1
}
