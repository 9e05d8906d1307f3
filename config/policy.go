// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPolicySettingNotFound is returned by AgentPolicy.Setting for paths the
// policy does not carry.
var ErrPolicySettingNotFound = errors.New("policy setting not found")

// AgentPolicy is the hierarchical view of a console policy. Consoles emit
// dot-path keys such as "agent.logging.level"; the policy expands them into
// nested maps and answers dot-path lookups.
type AgentPolicy struct {
	flat   map[string]any
	nested map[string]any
}

// NewAgentPolicy expands a flat dot-path policy document.
func NewAgentPolicy(policy map[string]any) *AgentPolicy {
	nested := make(map[string]any)
	for key, value := range policy {
		parts := strings.Split(key, ".")
		node := nested
		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = value
				break
			}
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
	}
	return &AgentPolicy{flat: policy, nested: nested}
}

// Policy returns the nested policy document.
func (p *AgentPolicy) Policy() map[string]any { return p.nested }

// FlatPolicy returns the original dot-path document.
func (p *AgentPolicy) FlatPolicy() map[string]any { return p.flat }

// Setting resolves a dot-path setting, failing with
// ErrPolicySettingNotFound when any path segment is missing.
func (p *AgentPolicy) Setting(path string) (any, error) {
	parts := strings.Split(path, ".")
	var node any = p.nested
	for _, part := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPolicySettingNotFound, path)
		}
		node, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPolicySettingNotFound, path)
		}
	}
	return node, nil
}
