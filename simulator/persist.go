// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package simulator

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TagConfig is one entry of the `tags_json` column: a named point
// address plus the type it should decode as, per the admin plane's
// config_tags operation.
type TagConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

// PersistedConfig is the single row kept in the
// `modbus_tcp_simulator` table, id always 1.
type PersistedConfig struct {
	Enabled   bool
	Tags      []TagConfig
	UpdatedAt time.Time
}

// Store (verb) for the simulator's own SQLite-backed settings row is
// named ConfigStore to avoid colliding with the register Store type.
type ConfigStore struct {
	db *sql.DB
}

// OpenConfigStore opens (and migrates) the sqlite database at path.
func OpenConfigStore(path string) (*ConfigStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("simulator: open config db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS modbus_tcp_simulator (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	tags_json TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("simulator: migrate config db: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

// Close releases the underlying database handle.
func (c *ConfigStore) Close() error { return c.db.Close() }

// Load reads the single configuration row, returning a zero-value
// PersistedConfig (enabled=false, no tags) if it doesn't exist yet.
func (c *ConfigStore) Load() (PersistedConfig, error) {
	row := c.db.QueryRow(`SELECT enabled, tags_json, updated_at FROM modbus_tcp_simulator WHERE id = 1`)
	var enabled int
	var tagsJSON, updatedAt string
	if err := row.Scan(&enabled, &tagsJSON, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return PersistedConfig{}, nil
		}
		return PersistedConfig{}, fmt.Errorf("simulator: load config: %w", err)
	}
	var tags []TagConfig
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return PersistedConfig{}, fmt.Errorf("simulator: decode tags_json: %w", err)
	}
	updated, _ := time.Parse(time.RFC3339, updatedAt)
	return PersistedConfig{Enabled: enabled != 0, Tags: tags, UpdatedAt: updated}, nil
}

// Save upserts the single configuration row, stamping updated_at.
func (c *ConfigStore) Save(cfg PersistedConfig, now time.Time) error {
	tagsJSON, err := json.Marshal(cfg.Tags)
	if err != nil {
		return fmt.Errorf("simulator: encode tags_json: %w", err)
	}
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	_, err = c.db.Exec(`
INSERT INTO modbus_tcp_simulator (id, enabled, tags_json, updated_at) VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET enabled = excluded.enabled, tags_json = excluded.tags_json, updated_at = excluded.updated_at`,
		enabled, string(tagsJSON), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("simulator: save config: %w", err)
	}
	return nil
}
