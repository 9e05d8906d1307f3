// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package role defines the worker-subsystem framework: the Role strategy
// interface, the plugin registry role implementations self-register into,
// the shared live configuration roles read each tick, and the Runner harness
// that owns every role's loop and lifecycle.
package role

import (
	"context"
	"fmt"
	"sort"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/management"
)

// Role is the strategy a worker subsystem implements. The supervisor owns
// the loop, stop signaling and connection sharing; the role only supplies
// one unit of work.
type Role interface {
	// Shortname is the stable identifier the console assigns work by.
	Shortname() string

	// Main performs one iteration of the role's work. The context is
	// canceled when the role is being stopped.
	Main(ctx context.Context) error
}

// Deps carries the shared resources the supervisor seeds every role with.
type Deps struct {
	// Config is the live role configuration, updated in place on policy
	// reconcile.
	Config *SharedConfig

	// Connections is the process-wide connection registry. The "default"
	// entry is the paired console and may not be replaced by roles.
	Connections *management.Registry

	// Events is the pipeline roles publish through.
	Events *event.Manager

	Logger hclog.Logger
}

// GetConnection resolves a shared connection; the empty name means the
// default console connection.
func (d *Deps) GetConnection(name string) *management.ManagementConnection {
	if d.Connections == nil {
		return nil
	}
	return d.Connections.Get(name)
}

// ShareConnection publishes a connection to all roles. The default name is
// reserved for the supervisor.
func (d *Deps) ShareConnection(conn *management.ManagementConnection) error {
	if conn.Name() == management.DefaultConnectionName {
		return fmt.Errorf("%w: %q", management.ErrForbiddenConnectionName, conn.Name())
	}
	return d.Connections.Add(conn)
}

// UnshareConnection withdraws a previously shared connection. The default
// connection may not be withdrawn by roles.
func (d *Deps) UnshareConnection(name string) error {
	if name == management.DefaultConnectionName {
		return fmt.Errorf("%w: %q", management.ErrForbiddenConnectionName, name)
	}
	return d.Connections.Remove(name)
}

// Factory builds a role instance bound to its shared dependencies.
type Factory func(deps *Deps) Role

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a role factory under its shortname. Implementations
// call this from init; a duplicate shortname panics at load time.
func Register(shortname string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[shortname]; ok {
		panic(fmt.Sprintf("role %q registered twice", shortname))
	}
	registry[shortname] = factory
}

// Lookup resolves a registered role factory.
func Lookup(shortname string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[shortname]
	return factory, ok
}

// Registered lists the installed role shortnames, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
