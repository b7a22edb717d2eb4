// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"github.com/ffutop/modbus-rtu-stack/internal/store"
)

// Storage defines the interface for persisting the slave register model.
type Storage interface {
	// Load loads the register model from storage.
	Load() (*store.RegisterModel, error)

	// Save saves the current register model to storage.
	Save(m *store.RegisterModel) error

	// OnWrite is a hook called whenever registers are modified. It allows
	// the storage to perform real-time persistence (e.g. sync to disk or
	// DB).
	OnWrite(address, quantity uint16)

	// Close releases the backing resource.
	Close() error
}
