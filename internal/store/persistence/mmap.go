// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/ffutop/modbus-rtu-stack/internal/store"
)

// MmapStorage implements persistence using a memory-mapped file. Register
// writes land directly in the mapping; OnWrite flushes the dirty pages.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		path: path,
	}
}

// Load memory-maps the register file and returns a model backed by it.
func (ms *MmapStorage) Load() (*store.RegisterModel, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}
	ms.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.data = data

	return mapBytesToModel(data), nil
}

// Save flushes the mmap to disk.
func (ms *MmapStorage) Save(m *store.RegisterModel) error {
	if ms.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	return ms.data.Flush()
}

// OnWrite triggers a flush for persistence.
func (ms *MmapStorage) OnWrite(address, quantity uint16) {
	if ms.data == nil {
		return
	}
	if err := ms.data.Flush(); err != nil {
		slog.Error("Failed to flush mmap", "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
