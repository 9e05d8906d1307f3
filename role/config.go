// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package role

import (
	"sync"
	"time"

	"github.com/reflexsoar/reflexsoar-agent/helper"
)

// DefaultWaitInterval is the sleep between role iterations when the config
// does not carry a wait_interval.
const DefaultWaitInterval = 10 * time.Second

// SharedConfig is the live configuration a running role reads each tick.
// The supervisor writes updated policy values into it in place, so roles
// observe changes without a restart.
type SharedConfig struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewSharedConfig seeds a shared config from a role_configs entry.
func NewSharedConfig(initial map[string]any) *SharedConfig {
	data := make(map[string]any, len(initial))
	for key, value := range initial {
		data[key] = value
	}
	return &SharedConfig{data: data}
}

// Get returns the value stored under key, nil when absent.
func (c *SharedConfig) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[key]
}

// GetString returns the string under key or def.
func (c *SharedConfig) GetString(key, def string) string {
	if s, ok := c.Get(key).(string); ok && s != "" {
		return s
	}
	return def
}

// GetInt returns the integer under key or def. JSON-decoded numbers arrive
// as float64 and are accepted.
func (c *SharedConfig) GetInt(key string, def int) int {
	switch n := c.Get(key).(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// GetBool returns the boolean under key or def.
func (c *SharedConfig) GetBool(key string, def bool) bool {
	if b, ok := c.Get(key).(bool); ok {
		return b
	}
	return def
}

// Set stores one value.
func (c *SharedConfig) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Update merges values into the config in place.
func (c *SharedConfig) Update(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range values {
		c.data[key] = value
	}
}

// Snapshot copies the current config.
func (c *SharedConfig) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return helper.CopyMap(c.data)
}

// WaitInterval resolves the sleep between role iterations.
func (c *SharedConfig) WaitInterval() time.Duration {
	seconds := c.GetInt("wait_interval", 0)
	if seconds <= 0 {
		return DefaultWaitInterval
	}
	return time.Duration(seconds) * time.Second
}
