// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store holds the register backing store a slave device serves.
package store

import (
	"fmt"
	"sync"
)

const (
	MaxAddress = 65535
)

// RegisterModel is the in-memory register space. The RTU engine addresses a
// single flat table of 16-bit registers; both register read opcodes resolve
// against it.
type RegisterModel struct {
	mu sync.RWMutex

	// Registers covers the full 16-bit address space. May be backed by a
	// persistence mapping, see the persistence package.
	Registers []uint16
}

// NewRegisterModel creates a model initialized to zero.
func NewRegisterModel() *RegisterModel {
	return &RegisterModel{
		Registers: make([]uint16, MaxAddress+1),
	}
}

// Get reads one register.
func (m *RegisterModel) Get(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Registers[address]
}

// Set writes one register.
func (m *RegisterModel) Set(address uint16, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Registers[address] = value
}

// ReadRange copies quantity registers starting at address.
func (m *RegisterModel) ReadRange(address, quantity uint16) ([]uint16, error) {
	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, quantity)
	copy(out, m.Registers[address:int(address)+int(quantity)])
	return out, nil
}

// WriteRange stores quantity registers starting at address.
func (m *RegisterModel) WriteRange(address uint16, values []uint16) error {
	if err := validateRange(address, uint16(len(values))); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.Registers[address:], values)
	return nil
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("store: quantity must be positive")
	}
	if int(address)+int(quantity)-1 > MaxAddress {
		return fmt.Errorf("store: range %d+%d exceeds address space", address, quantity)
	}
	return nil
}
