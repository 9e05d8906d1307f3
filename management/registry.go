// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package management

import (
	"fmt"
	"sync"
)

// Registry is a named map of console connections. A single registry is owned
// by the agent supervisor and passed by reference to every role worker, so
// connections shared by one role are visible to all.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ManagementConnection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ManagementConnection)}
}

// Add registers conn under its name. Adding a name that is already present
// fails with ErrDuplicateConnection.
func (r *Registry) Add(conn *ManagementConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateConnection, conn.Name())
	}
	r.conns[conn.Name()] = conn
	return nil
}

// Remove drops the named connection. Removing an absent name fails with
// ErrConnectionNotExist.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[name]; !ok {
		return fmt.Errorf("%w: %q", ErrConnectionNotExist, name)
	}
	delete(r.conns, name)
	return nil
}

// Get returns the named connection or nil. An empty name resolves to the
// primary console connection.
func (r *Registry) Get(name string) *ManagementConnection {
	if name == "" {
		name = DefaultConnectionName
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[name]
}

// Default returns the primary console connection or nil when the agent is
// unpaired.
func (r *Registry) Default() *ManagementConnection {
	return r.Get(DefaultConnectionName)
}

// Names returns the registered connection names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}

// BuildHTTP creates a generic connection when the name is free in reg, or
// returns nil when it is taken. Mirrors the management build helpers: the
// connection itself is not registered.
func BuildHTTP(reg *Registry, cfg HTTPConnectionConfig) *HTTPConnection {
	if cfg.Name == "" {
		cfg.Name = DefaultConnectionName
	}
	if reg != nil && reg.Get(cfg.Name) != nil {
		return nil
	}
	return NewHTTPConnection(cfg)
}

// BuildManagement creates a typed console connection, optionally registering
// it with reg. When the name is already registered it returns nil, nil.
func BuildManagement(reg *Registry, cfg HTTPConnectionConfig, registerGlobally bool) (*ManagementConnection, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultConnectionName
	}
	if reg != nil && reg.Get(cfg.Name) != nil {
		return nil, nil
	}
	if !registerGlobally {
		reg = nil
	}
	return NewManagementConnection(cfg, reg)
}
