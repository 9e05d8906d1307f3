// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PersistentConfigName is the file name of the on-disk agent configuration.
const PersistentConfigName = "persistent-config.json"

// DefaultDataDir resolves the agent's user data directory,
// ~/.reflexsoar-agent, creating nothing.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".reflexsoar-agent"), nil
}

// Load reads the persistent configuration from dir.
func Load(dir string) (*AgentConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, PersistentConfigName))
	if err != nil {
		return nil, fmt.Errorf("failed to load persistent config: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse persistent config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to dir, creating the directory when needed.
func (c *AgentConfig) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode persistent config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, PersistentConfigName), raw, 0o600); err != nil {
		return fmt.Errorf("failed to save persistent config: %w", err)
	}
	return nil
}

// Clear removes the persistent configuration file. It reports whether a file
// was actually removed.
func Clear(dir string) (bool, error) {
	path := filepath.Join(dir, PersistentConfigName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}
