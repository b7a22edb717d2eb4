// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"unsafe"

	"github.com/ffutop/modbus-rtu-stack/internal/store"
)

const (
	// One uint16 per register over the full 16-bit address space.
	totalSize = (store.MaxAddress + 1) * 2
)

// mapBytesToModel constructs a RegisterModel backed by the provided data
// slice. Warning: this casts the byte slice to a uint16 slice through unsafe
// pointers, so multi-byte values follow the host's endianness. This provides
// zero-copy access but sacrifices portability of the persisted image across
// architectures with different endianness.
func mapBytesToModel(data []byte) *store.RegisterModel {
	m := &store.RegisterModel{}
	m.Registers = unsafe.Slice((*uint16)(unsafe.Pointer(&data[0])), totalSize/2)
	return m
}
