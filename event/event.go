// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package event implements the agent's event pipeline: the Event and
// Observable model, the in-memory queue, the spooler that drains it to the
// console in bulk, and the manager that producers publish through.
package event

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reflexsoar/reflexsoar-agent/helper"
)

var (
	// ErrSourceRequired is returned when an event is constructed without a
	// source.
	ErrSourceRequired = errors.New("event source must be provided")

	// ErrInvalidSeverity is returned when a severity value is neither a
	// string nor a number.
	ErrInvalidSeverity = errors.New("severity must be a string or int")

	// ErrSourceFieldMissing is returned when a record does not carry the
	// configured source field.
	ErrSourceFieldMissing = errors.New("source field not present in record")
)

// defaultSeverityMap translates console severity labels to the 1-4 scale.
// Numeric severities map to themselves.
var defaultSeverityMap = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
	"1":        1,
	"2":        2,
	"3":        3,
	"4":        4,
}

// Observable is a typed artifact extracted from an event.
type Observable struct {
	Value               string   `json:"value"`
	DataType            string   `json:"data_type"`
	TLP                 int      `json:"tlp"`
	Tags                []string `json:"tags,omitempty"`
	IOC                 bool     `json:"ioc"`
	Spotted             bool     `json:"spotted"`
	Safe                bool     `json:"safe"`
	SourceField         string   `json:"source_field"`
	OriginalSourceField string   `json:"original_source_field"`
}

// ObservableMapping describes how one observable is lifted out of a raw
// record. Field is a dot-path into the record; Alias overrides the reported
// source field.
type ObservableMapping struct {
	Field    string   `json:"field"`
	Alias    string   `json:"alias,omitempty"`
	DataType string   `json:"data_type"`
	TLP      int      `json:"tlp"`
	Tags     []string `json:"tags,omitempty"`
	IOC      bool     `json:"ioc"`
	Spotted  bool     `json:"spotted"`
	Safe     bool     `json:"safe"`
}

// BaseFields directs extraction of the core event attributes from a raw
// record. The *Field members are dot-paths into the record; the remaining
// members are copied onto the event verbatim.
type BaseFields struct {
	RuleName          string         `json:"rule_name,omitempty"`
	DescriptionField  string         `json:"description_field,omitempty"`
	SourceReference   string         `json:"source_reference,omitempty"`
	OriginalDateField string         `json:"original_date_field,omitempty"`
	SeverityField     string         `json:"severity_field,omitempty"`
	StaticTags        []string       `json:"static_tags,omitempty"`
	TagFields         []string       `json:"tag_fields,omitempty"`
	TLP               *int           `json:"tlp,omitempty"`
	Type              string         `json:"type,omitempty"`
	Source            string         `json:"source,omitempty"`
	RiskScore         *int           `json:"risk_score,omitempty"`
	SeverityMap       map[string]int `json:"severity_map,omitempty"`
}

// Config carries everything NewEvent needs. Pre-formed fields (Title,
// Severity, Observables, ...) seed the event directly; when Data is set the
// record is parsed per BaseFields/SignatureFields/ObservableMapping on top.
type Config struct {
	// Source names where the event originated. Required.
	Source string

	// Data is the raw record to parse.
	Data map[string]any

	// SourceField, when set, selects a nested document inside Data as the
	// message to parse instead of Data itself.
	SourceField string

	BaseFields        *BaseFields
	SignatureFields   []string
	ObservableMapping []ObservableMapping

	// SeverityMap overrides the default label-to-integer translation.
	SeverityMap map[string]int

	// Pre-formed fields.
	Title        string
	Description  string
	Reference    string
	Severity     any
	TLP          int
	Tags         []string
	RawLog       string
	Signature    string
	DetectionID  string
	OriginalDate string
	RiskScore    int
	Observables  []Observable
}

// Event is a single security event bound for the console.
type Event struct {
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	Reference    string       `json:"reference,omitempty"`
	Source       string       `json:"source"`
	Type         string       `json:"type,omitempty"`
	Severity     int          `json:"severity"`
	TLP          int          `json:"tlp"`
	Tags         []string     `json:"tags,omitempty"`
	Observables  []Observable `json:"observables,omitempty"`
	RawLog       string       `json:"raw_log,omitempty"`
	Signature    string       `json:"signature,omitempty"`
	DetectionID  string       `json:"detection_id,omitempty"`
	RiskScore    int          `json:"risk_score,omitempty"`
	OriginalDate string       `json:"original_date,omitempty"`

	// message is the record (or its source-field extraction) the event was
	// parsed from. Not serialized.
	message any

	severityMap map[string]int
}

// NewEvent builds an event from pre-formed fields, a raw record, or both.
func NewEvent(cfg Config) (*Event, error) {
	if cfg.Source == "" {
		return nil, ErrSourceRequired
	}

	e := &Event{
		Title:        cfg.Title,
		Description:  cfg.Description,
		Reference:    cfg.Reference,
		Source:       cfg.Source,
		Severity:     1,
		TLP:          cfg.TLP,
		Tags:         cfg.Tags,
		Observables:  cfg.Observables,
		RawLog:       cfg.RawLog,
		Signature:    cfg.Signature,
		DetectionID:  cfg.DetectionID,
		RiskScore:    cfg.RiskScore,
		OriginalDate: cfg.OriginalDate,
		severityMap:  cfg.SeverityMap,
	}

	if cfg.Severity != nil {
		severity, err := e.mapSeverity(cfg.Severity)
		if err != nil {
			return nil, err
		}
		e.Severity = severity
	}

	if cfg.Data != nil {
		if cfg.SourceField != "" {
			nested, ok := cfg.Data[cfg.SourceField]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrSourceFieldMissing, cfg.SourceField)
			}
			e.message = nested
		} else {
			e.message = cfg.Data
		}

		if err := e.setEventBase(cfg.BaseFields); err != nil {
			return nil, err
		}
		e.generateSignature(cfg.SignatureFields)
		e.extractObservables(cfg.ObservableMapping)
	}

	return e, nil
}

// Message returns the raw record the event was parsed from, nil for
// pre-formed events.
func (e *Event) Message() any { return e.message }

// JSON renders the event for the bulk endpoint. Internal parsing state and
// empty fields are not serialized.
func (e *Event) JSON() (json.RawMessage, error) {
	return json.Marshal(e)
}

// CacheValue resolves the deduplication key for the event: a well-known
// event field when key names one, otherwise a dot-path into the raw record.
func (e *Event) CacheValue(key string) string {
	switch key {
	case "", "signature":
		return e.Signature
	case "title":
		return e.Title
	case "reference":
		return e.Reference
	}
	value := ExtractFieldValue(e.message, key)
	if !helper.IsTruthy(value) {
		return ""
	}
	return stringify(value)
}

func (e *Event) setEventBase(base *BaseFields) error {
	if base == nil {
		raw, err := json.Marshal(e.message)
		if err != nil {
			return fmt.Errorf("failed to serialize raw log: %w", err)
		}
		e.RawLog = string(raw)
		return nil
	}

	if base.RuleName != "" {
		e.Title = extractString(e.message, base.RuleName)
	}
	if base.DescriptionField != "" {
		e.Description = extractString(e.message, base.DescriptionField)
	}
	if base.SourceReference != "" {
		e.Reference = extractString(e.message, base.SourceReference)
	}
	if base.OriginalDateField != "" {
		e.OriginalDate = strings.TrimSuffix(
			extractString(e.message, base.OriginalDateField), "Z")
	}

	if base.TLP != nil {
		e.TLP = *base.TLP
	}
	if base.Type != "" {
		e.Type = base.Type
	}
	if base.Source != "" {
		e.Source = base.Source
	}
	if base.RiskScore != nil {
		e.RiskScore = *base.RiskScore
	}

	if base.SeverityMap != nil && e.severityMap == nil {
		e.severityMap = base.SeverityMap
	}
	if base.SeverityField != "" {
		severity, err := e.mapSeverity(
			ExtractFieldValue(e.message, base.SeverityField))
		if err != nil {
			return err
		}
		e.Severity = severity
	}

	e.Tags = append(e.Tags, base.StaticTags...)
	for _, tagField := range base.TagFields {
		value := ExtractFieldValue(e.message, tagField)
		if !helper.IsTruthy(value) {
			continue
		}
		if list, ok := value.([]any); ok {
			for _, item := range list {
				e.Tags = append(e.Tags, fmt.Sprintf("%s:%s", tagField, stringify(item)))
			}
		} else {
			e.Tags = append(e.Tags, fmt.Sprintf("%s:%s", tagField, stringify(value)))
		}
	}

	raw, err := json.Marshal(e.message)
	if err != nil {
		return fmt.Errorf("failed to serialize raw log: %w", err)
	}
	e.RawLog = string(raw)
	return nil
}

// mapSeverity translates a severity label or number through the custom map
// when present, else the default map. Unknown values collapse to 1.
func (e *Event) mapSeverity(value any) (int, error) {
	if value == nil {
		return 1, nil
	}

	var key string
	switch v := value.(type) {
	case string:
		key = strings.ToLower(v)
	case int:
		key = strconv.Itoa(v)
	case int64:
		key = strconv.FormatInt(v, 10)
	case float64:
		key = strconv.Itoa(int(v))
	case json.Number:
		key = v.String()
	default:
		return 0, fmt.Errorf("%w: got %T", ErrInvalidSeverity, value)
	}

	severityMap := e.severityMap
	if severityMap == nil {
		severityMap = defaultSeverityMap
	}
	if severity, ok := severityMap[key]; ok {
		return severity, nil
	}
	return 1, nil
}

// generateSignature hashes the ordered extracted values of the signature
// fields, falling back to the title and current UTC time so that events
// without signature fields never collide across runs.
func (e *Event) generateSignature(signatureFields []string) {
	var values []any
	if len(signatureFields) == 0 {
		values = append(values, e.Title, time.Now().UTC())
	} else {
		for _, field := range signatureFields {
			value := ExtractFieldValue(e.message, field)
			if helper.IsTruthy(value) {
				values = append(values, value)
			}
		}
	}

	hasher := md5.New()
	fmt.Fprintf(hasher, "%v", values)
	e.Signature = hex.EncodeToString(hasher.Sum(nil))
}

func (e *Event) extractObservables(mapping []ObservableMapping) {
	var observables []Observable

	for _, entry := range mapping {
		value := ExtractFieldValue(e.message, entry.Field)
		if !helper.IsTruthy(value) {
			continue
		}

		sourceField := entry.Field
		if entry.Alias != "" {
			sourceField = entry.Alias
		}

		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}
		for _, item := range items {
			observables = append(observables, Observable{
				Value:               stringify(item),
				DataType:            entry.DataType,
				TLP:                 entry.TLP,
				Tags:                entry.Tags,
				IOC:                 entry.IOC,
				Spotted:             entry.Spotted,
				Safe:                entry.Safe,
				SourceField:         sourceField,
				OriginalSourceField: entry.Field,
			})
		}
	}

	e.Observables = observables
}

// ExtractFieldValue resolves a dot-path field inside a decoded JSON record.
// A key containing dots that is directly present wins over path traversal.
// Lists of records map the extraction across their elements, flattening one
// level; nil messages and dead-end paths yield nil.
func ExtractFieldValue(message any, field string) any {
	if m, ok := message.(map[string]any); ok {
		if value, ok := m[field]; ok {
			return value
		}
	}
	return extractPath(message, strings.Split(field, "."))
}

func extractPath(node any, parts []string) any {
	if node == nil {
		return nil
	}
	if len(parts) == 0 {
		return node
	}

	switch v := node.(type) {
	case map[string]any:
		child, ok := v[parts[0]]
		if !ok {
			return nil
		}
		if len(parts) == 1 {
			return child
		}
		return extractPath(child, parts[1:])
	case []any:
		var out []any
		for _, item := range v {
			if item == nil {
				continue
			}
			value := extractPath(item, parts)
			if value == nil {
				continue
			}
			if nested, ok := value.([]any); ok {
				out = append(out, nested...)
			} else {
				out = append(out, value)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

func extractString(message any, field string) string {
	value := ExtractFieldValue(message, field)
	if value == nil {
		return ""
	}
	return stringify(value)
}

func stringify(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
