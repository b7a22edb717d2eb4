// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/ffutop/modbus-rtu-stack/internal/store"

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*store.RegisterModel, error) {
	return store.NewRegisterModel(), nil
}

func (ms *MemoryStorage) Save(m *store.RegisterModel) error {
	return nil
}

func (ms *MemoryStorage) OnWrite(address, quantity uint16) {
	// No-op
}

func (ms *MemoryStorage) Close() error {
	return nil
}
