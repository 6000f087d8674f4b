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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the snapshot returned by the admin plane's `status`
// operation.
type Status struct {
	Running bool   `json:"running"`
	Address string `json:"address"`
	TagCount int   `json:"tag_count"`
}

// Admin wires a Server/Store pair to the admin-plane operations §4.6
// names: status, start, stop, config_tags, list_tags and
// export_drivers_json.
type Admin struct {
	mu      sync.Mutex
	server  *Server
	store   *Store
	config  *ConfigStore
	address string
	tags    []TagConfig
}

// NewAdmin returns an Admin managing server/store, optionally
// persisting its tag configuration through config (nil disables
// persistence — useful for tests).
func NewAdmin(server *Server, store *Store, config *ConfigStore) *Admin {
	return &Admin{server: server, store: store, config: config}
}

// Status reports whether the simulator is running and how many tags
// are configured.
func (a *Admin) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{Running: a.server.Running(), Address: a.address, TagCount: len(a.tags)}
}

// StartListening binds address and begins serving clients.
func (a *Admin) StartListening(address string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bound, err := a.server.Start(address)
	if err != nil {
		return "", err
	}
	a.address = bound
	return bound, nil
}

// Stop halts the server.
func (a *Admin) Stop() error {
	return a.server.Stop()
}

// ConfigTags replaces the configured tag list and persists it (if a
// ConfigStore is attached), per the `config_tags(list of
// {name,address,type})` operation.
func (a *Admin) ConfigTags(tags []TagConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tags = tags
	if a.config == nil {
		return nil
	}
	return a.config.Save(PersistedConfig{Enabled: a.server.Running(), Tags: tags}, a.persistNow())
}

func (a *Admin) persistNow() time.Time { return time.Now() }

// ListTags returns the currently configured tags.
func (a *Admin) ListTags() []TagConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TagConfig, len(a.tags))
	copy(out, a.tags)
	return out
}

// DriverDefinition is the JSON shape export_drivers_json produces: a
// ready-to-import single-group driver definition pointed at this
// simulator instance.
type DriverDefinition struct {
	PluginName string            `json:"plugin_name"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Groups     []DriverGroupSpec `json:"groups"`
}

// DriverGroupSpec is the one default group export_drivers_json emits.
type DriverGroupSpec struct {
	Name       string          `json:"name"`
	IntervalMS int             `json:"interval_ms"`
	Tags       []TagConfig     `json:"tags"`
}

// ExportDriversJSON materializes the configured tags as a
// ready-to-import driver definition, substituting 127.0.0.1 for the
// host whenever the listener is bound to the wildcard address, per
// §4.6.
func (a *Admin) ExportDriversJSON() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	host, port, err := splitHostPort(a.address)
	if err != nil {
		return nil, err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	def := DriverDefinition{
		PluginName: "modbus-tcp",
		Host:       host,
		Port:       port,
		Groups: []DriverGroupSpec{
			{Name: "default", IntervalMS: 1000, Tags: append([]TagConfig{}, a.tags...)},
		},
	}
	return json.MarshalIndent(def, "", "  ")
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("simulator: malformed address %q", addr)
	}
	host := addr[:idx]
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("simulator: malformed port in %q: %w", addr, err)
	}
	return host, port, nil
}
