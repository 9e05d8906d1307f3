// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package input defines the data-source adapter framework the poller role
// drives: the Input interface, the plugin registry adapters self-register
// into, and the parsing of console input documents into adapter
// configuration.
package input

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/helper/pointer"
)

// ErrAuthorizationFailed is returned by adapters when the upstream source
// rejects the configured credentials.
var ErrAuthorizationFailed = errors.New("input authorization failed")

// Adapter type identifiers.
const (
	TypePoll     = "poll"
	TypeStream   = "stream"
	TypeListener = "listener"
	TypeIntel    = "intel"
)

// DefaultSourceField is the record key holding the document to parse when
// the input config does not name one.
const DefaultSourceField = "_source"

// Input is a data-source adapter. Poll returns raw records; the poller
// forwards them to the event pipeline using the input's parsing config.
type Input interface {
	Alias() string
	Type() string
	Poll(ctx context.Context) ([]map[string]any, error)
}

// Credentials is the username/secret pair resolved for an input, either
// from the console or the local vault.
type Credentials struct {
	Username string
	Secret   string
}

// Config is a console input document parsed into adapter configuration.
type Config struct {
	UUID         string
	Name         string
	Plugin       string
	Organization string

	// CredentialUUID references the credential to resolve before the
	// adapter is built.
	CredentialUUID string

	// Parsing configuration handed to the event pipeline with every batch
	// of records this input produces.
	BaseFields        *event.BaseFields
	SignatureFields   []string
	ObservableMapping []event.ObservableMapping
	SourceField       string

	// Settings is the driver-specific subset of the nested config,
	// filtered through the adapter's declared config fields.
	Settings map[string]any
}

// Factory builds an adapter from its parsed config and credentials.
type Factory struct {
	// ConfigFields names the driver-specific keys of the console config
	// this adapter consumes.
	ConfigFields []string

	New func(cfg *Config, creds *Credentials) (Input, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs an adapter factory under its plugin name. Called from
// init; duplicate names panic at load time.
func Register(plugin string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[plugin]; ok {
		panic(fmt.Sprintf("input %q registered twice", plugin))
	}
	registry[plugin] = factory
}

// Lookup resolves a registered adapter factory by plugin name.
func Lookup(plugin string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[plugin]
	return factory, ok
}

// Registered lists installed plugin names, sorted.
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

// ParseConfig lifts a console input document into a Config. The document's
// field_mapping becomes the observable mapping; the nested config supplies
// signature fields, the source field, the base-field extraction paths and
// the driver-specific subset named by configFields.
func ParseConfig(doc map[string]any, configFields []string) (*Config, error) {
	cfg := &Config{
		UUID:           str(doc["uuid"]),
		Name:           str(doc["name"]),
		Plugin:         str(doc["plugin"]),
		Organization:   str(doc["organization"]),
		CredentialUUID: str(doc["credential"]),
		SourceField:    DefaultSourceField,
		Settings:       map[string]any{},
	}
	if cfg.Plugin == "" {
		return nil, fmt.Errorf("input document %q has no plugin", cfg.UUID)
	}

	if mapping, ok := doc["field_mapping"].(map[string]any); ok {
		if fields, ok := mapping["fields"].([]any); ok {
			cfg.ObservableMapping = parseObservableMapping(fields)
		}
	}

	nested, _ := doc["config"].(map[string]any)
	if nested == nil {
		return cfg, nil
	}

	cfg.SignatureFields = strSlice(nested["signature_fields"])
	if sourceField := str(nested["source_field"]); sourceField != "" {
		cfg.SourceField = sourceField
	}
	cfg.BaseFields = parseBaseFields(nested)

	for _, key := range configFields {
		if value, ok := nested[key]; ok {
			cfg.Settings[key] = value
		}
	}
	return cfg, nil
}

// parseBaseFields lifts the allow-listed nested-config keys that feed event
// construction rather than the driver.
func parseBaseFields(nested map[string]any) *event.BaseFields {
	base := &event.BaseFields{
		RuleName:          str(nested["rule_name"]),
		DescriptionField:  str(nested["description_field"]),
		SourceReference:   str(nested["source_reference"]),
		OriginalDateField: str(nested["original_date_field"]),
		SeverityField:     str(nested["severity_field"]),
		StaticTags:        strSlice(nested["static_tags"]),
		TagFields:         strSlice(nested["tag_fields"]),
		Type:              str(nested["type"]),
		Source:            str(nested["source"]),
	}
	if tlp, ok := number(nested["tlp"]); ok {
		base.TLP = pointer.Of(tlp)
	}
	if riskScore, ok := number(nested["risk_score"]); ok {
		base.RiskScore = pointer.Of(riskScore)
	}
	if raw, ok := nested["severity_map"].(map[string]any); ok {
		severityMap := make(map[string]int, len(raw))
		for key, value := range raw {
			if n, ok := number(value); ok {
				severityMap[key] = n
			}
		}
		base.SeverityMap = severityMap
	}
	return base
}

func parseObservableMapping(fields []any) []event.ObservableMapping {
	mapping := make([]event.ObservableMapping, 0, len(fields))
	for _, item := range fields {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tlp, _ := number(entry["tlp"])
		mapping = append(mapping, event.ObservableMapping{
			Field:    str(entry["field"]),
			Alias:    str(entry["alias"]),
			DataType: str(entry["data_type"]),
			TLP:      tlp,
			Tags:     strSlice(entry["tags"]),
			IOC:      boolean(entry["ioc"]),
			Spotted:  boolean(entry["spotted"]),
			Safe:     boolean(entry["safe"]),
		})
	}
	return mapping
}

// Managed wraps a built adapter with the bookkeeping the poller schedules
// by: a running flag and the time of the last completed run.
type Managed struct {
	input Input
	cfg   *Config

	mu      sync.Mutex
	running bool
	lastRun time.Time
	hasRun  bool
}

// NewManaged wraps an adapter for scheduling.
func NewManaged(in Input, cfg *Config) *Managed {
	return &Managed{input: in, cfg: cfg}
}

// Input returns the wrapped adapter.
func (m *Managed) Input() Input { return m.input }

// Config returns the input's parsed configuration.
func (m *Managed) Config() *Config { return m.cfg }

// Running reports whether a poll is in flight.
func (m *Managed) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastRun returns the completion time of the most recent poll; ok is false
// before the first run.
func (m *Managed) LastRun() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, m.hasRun
}

// Run executes one poll, maintaining the running flag and last-run stamp.
// Adapter errors surface to the caller with an empty record list.
func (m *Managed) Run(ctx context.Context) ([]map[string]any, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, nil
	}
	m.running = true
	m.mu.Unlock()

	records, err := m.input.Poll(ctx)

	m.mu.Lock()
	m.running = false
	m.lastRun = time.Now().UTC()
	m.hasRun = true
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return records, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func strSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if text, ok := item.(string); ok {
				out = append(out, text)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
