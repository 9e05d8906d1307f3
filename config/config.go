// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config holds the agent's persistent configuration and the
// console-issued policy documents that mutate it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/reflexsoar/reflexsoar-agent/management"
)

var (
	// ErrConfigKeyUnknown is returned by SetValue for keys that do not exist
	// on the agent configuration.
	ErrConfigKeyUnknown = errors.New("unknown configuration key")

	// ErrConfigKeyImmutable is returned by SetValue for keys that exist but
	// may only be mutated by pairing or policy reconciliation.
	ErrConfigKeyImmutable = errors.New("configuration key is not updateable")
)

// Defaults for a freshly created agent configuration.
const (
	DefaultEventCacheKey       = "signature"
	DefaultEventCacheTTL       = 30 // minutes
	DefaultHealthCheckInterval = 30 // seconds
)

// updateableKeys is the allow-list for SetValue.
var updateableKeys = map[string]struct{}{
	"roles":                     {},
	"event_cache_key":           {},
	"event_cache_ttl":           {},
	"health_check_interval":     {},
	"role_configs":              {},
	"disable_event_cache_check": {},
}

// AgentConfig is the persistent agent configuration, mirrored one to one by
// the persistent-config.json document.
type AgentConfig struct {
	UUID                   string                    `json:"uuid"`
	Name                   string                    `json:"name"`
	Roles                  []string                  `json:"roles"`
	RoleConfigs            map[string]map[string]any `json:"role_configs"`
	ConsoleInfo            management.ConnInfo       `json:"console_info"`
	PolicyUUID             string                    `json:"policy_uuid"`
	PolicyRevision         int                       `json:"policy_revision"`
	EventCacheKey          string                    `json:"event_cache_key"`
	EventCacheTTL          int                       `json:"event_cache_ttl"`
	DisableEventCacheCheck bool                      `json:"disable_event_cache_check"`
	HealthCheckInterval    int                       `json:"health_check_interval"`
}

// DefaultAgentConfig returns a configuration with spec defaults and the
// system hostname as the agent name.
func DefaultAgentConfig() *AgentConfig {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &AgentConfig{
		Name:                hostname,
		Roles:               []string{},
		RoleConfigs:         map[string]map[string]any{},
		EventCacheKey:       DefaultEventCacheKey,
		EventCacheTTL:       DefaultEventCacheTTL,
		HealthCheckInterval: DefaultHealthCheckInterval,
	}
}

// JSON renders the configuration, optionally indented for display.
func (c *AgentConfig) JSON(indent bool) (string, error) {
	var raw []byte
	var err error
	if indent {
		raw, err = json.MarshalIndent(c, "", "    ")
	} else {
		raw, err = json.Marshal(c)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// FromPolicy merges a console policy into the configuration. Fields missing
// from the policy retain their current values; roles in particular survive a
// policy that does not mention them.
func (c *AgentConfig) FromPolicy(policy map[string]any) {
	if v, ok := policy["revision"]; ok {
		c.PolicyRevision = toInt(v, c.PolicyRevision)
	}
	if v, ok := policy["uuid"]; ok {
		c.PolicyUUID = toString(v, c.PolicyUUID)
	}
	if v, ok := policy["role_configs"]; ok {
		c.RoleConfigs = toRoleConfigs(v, c.RoleConfigs)
	}
	if v, ok := policy["event_cache_key"]; ok {
		c.EventCacheKey = toString(v, c.EventCacheKey)
	}
	if v, ok := policy["event_cache_ttl"]; ok {
		c.EventCacheTTL = toInt(v, c.EventCacheTTL)
	}
	if v, ok := policy["disable_event_cache_check"]; ok {
		c.DisableEventCacheCheck = toBool(v, c.DisableEventCacheCheck)
	}
	if v, ok := policy["health_check_interval"]; ok {
		c.HealthCheckInterval = toInt(v, c.HealthCheckInterval)
	}
	if v, ok := policy["console_info"]; ok {
		if info, ok := v.(map[string]any); ok {
			c.ConsoleInfo = management.ConnInfo{
				URL:       toString(info["url"], ""),
				APIKey:    toString(info["api_key"], ""),
				IgnoreTLS: toBool(info["ignore_tls"], false),
			}
		}
	}
	if v, ok := policy["roles"]; ok {
		c.Roles = toStringSlice(v, c.Roles)
	}
}

// AddPairedConsole records the paired console. Exactly one console may be
// paired at a time; recording a console whose URL matches the stored one
// fails with ErrConsoleAlreadyPaired.
func (c *AgentConfig) AddPairedConsole(url, apiKey string, ignoreTLS bool) error {
	if c.ConsoleInfo.URL == url && url != "" {
		return fmt.Errorf("%w: %s", management.ErrConsoleAlreadyPaired, url)
	}
	c.ConsoleInfo = management.ConnInfo{URL: url, APIKey: apiKey, IgnoreTLS: ignoreTLS}
	return nil
}

// RemovePairedConsole forgets the paired console. Removing a console that is
// not the stored one fails with ErrConsoleNotPaired.
func (c *AgentConfig) RemovePairedConsole(url string) error {
	if c.ConsoleInfo.URL == "" || c.ConsoleInfo.URL != url {
		return fmt.Errorf("%w: %s", management.ErrConsoleNotPaired, url)
	}
	c.ConsoleInfo = management.ConnInfo{}
	return nil
}

// SetValue updates one of the operator-settable configuration keys. The
// current type of the field drives the coercion of string values: lists are
// comma-split, ints parsed, "true"/"false" become booleans, and mappings
// accept JSON documents.
func (c *AgentConfig) SetValue(key string, value any) error {
	if _, ok := updateableKeys[key]; !ok {
		if c.hasKey(key) {
			return fmt.Errorf("%w: %q", ErrConfigKeyImmutable, key)
		}
		return fmt.Errorf("%w: %q", ErrConfigKeyUnknown, key)
	}

	if s, ok := value.(string); ok {
		switch strings.ToLower(s) {
		case "true":
			value = true
		case "false":
			value = false
		}
	}

	switch key {
	case "roles":
		switch v := value.(type) {
		case []string:
			c.Roles = v
		case string:
			if v == "" {
				c.Roles = []string{}
			} else {
				c.Roles = strings.Split(v, ",")
			}
		default:
			return fmt.Errorf("cannot assign %T to roles", value)
		}
	case "event_cache_key":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("cannot assign %T to event_cache_key", value)
		}
		c.EventCacheKey = s
	case "event_cache_ttl":
		n, err := coerceInt(value)
		if err != nil {
			return fmt.Errorf("event_cache_ttl: %w", err)
		}
		c.EventCacheTTL = n
	case "health_check_interval":
		n, err := coerceInt(value)
		if err != nil {
			return fmt.Errorf("health_check_interval: %w", err)
		}
		c.HealthCheckInterval = n
	case "disable_event_cache_check":
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot assign %T to disable_event_cache_check", value)
		}
		c.DisableEventCacheCheck = b
	case "role_configs":
		switch v := value.(type) {
		case map[string]map[string]any:
			c.RoleConfigs = v
		case map[string]any:
			c.RoleConfigs = toRoleConfigs(v, c.RoleConfigs)
		case string:
			var parsed map[string]map[string]any
			if err := json.Unmarshal([]byte(v), &parsed); err != nil {
				return fmt.Errorf("role_configs: %w", err)
			}
			c.RoleConfigs = parsed
		default:
			return fmt.Errorf("cannot assign %T to role_configs", value)
		}
	}
	return nil
}

func (c *AgentConfig) hasKey(key string) bool {
	switch key {
	case "uuid", "name", "console_info", "policy_uuid", "policy_revision":
		return true
	}
	return false
}

// Policy documents arrive as decoded JSON, so numbers are float64 and every
// field needs a defaulted coercion.

func toString(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func toBool(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func toInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func toStringSlice(v any, def []string) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return def
}

func toRoleConfigs(v any, def map[string]map[string]any) map[string]map[string]any {
	switch m := v.(type) {
	case map[string]map[string]any:
		return m
	case map[string]any:
		out := make(map[string]map[string]any, len(m))
		for name, sub := range m {
			if subMap, ok := sub.(map[string]any); ok {
				out[name] = subMap
			}
		}
		return out
	}
	return def
}

func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("cannot coerce %T to int", v)
}
