// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-rtu-stack/internal/store"
)

// SQLStorage implements persistence using a SQL database, one row per
// register written through OnWrite (a register written to zero keeps its
// row).
type SQLStorage struct {
	driver string
	dsn    string
	db     *sql.DB
	model  *store.RegisterModel
}

// NewSQLStorage creates a new SQLStorage.
// Note: the driver (e.g. sqlite3) must be imported by the main package.
func NewSQLStorage(driver, dsn string) *SQLStorage {
	return &SQLStorage{
		driver: driver,
		dsn:    dsn,
	}
}

// Load connects to the DB and loads the persisted registers.
func (s *SQLStorage) Load() (*store.RegisterModel, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	m := store.NewRegisterModel()
	s.model = m

	rows, err := db.Query("SELECT address, value FROM modbus_registers")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to query registers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, val int
		if err := rows.Scan(&addr, &val); err != nil {
			continue
		}
		if addr < 0 || addr > store.MaxAddress {
			continue
		}
		m.Registers[addr] = uint16(val)
	}

	return m, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS modbus_registers (
		address INTEGER PRIMARY KEY,
		value INTEGER
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save is redundant when OnWrite syncs every write; kept as a no-op.
func (s *SQLStorage) Save(m *store.RegisterModel) error {
	return nil
}

// OnWrite upserts the changed registers. Called after the model update, so
// the current values can be read back from the model.
func (s *SQLStorage) OnWrite(address, quantity uint16) {
	if s.db == nil || s.model == nil {
		return
	}

	for i := 0; i < int(quantity); i++ {
		addr := int(address) + i
		val := int64(s.model.Get(uint16(addr)))

		query := "INSERT INTO modbus_registers (address, value) VALUES (?, ?) ON CONFLICT(address) DO UPDATE SET value=excluded.value"
		if _, err := s.db.Exec(query, addr, val); err != nil {
			slog.Error("Failed to persist register", "addr", addr, "err", err)
		}
	}
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
