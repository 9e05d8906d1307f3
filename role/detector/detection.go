// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package detector implements the role that schedules and executes the
// console's detection rules against a search backend, emitting matched
// documents as events.
package detector

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/reflexsoar/reflexsoar-agent/event"
)

// ErrMissingLastRun is returned by ShouldRun for rules the console has
// never stamped with a last run time.
var ErrMissingLastRun = errors.New("detection has no last_run timestamp")

// Rule types select the post-processing applied to a rule's hits.
const (
	RuleTypeMatch = iota
	RuleTypeThreshold
	RuleTypeMetric
	RuleTypeMismatch
	RuleTypeNewTerm
)

// QueryConfig is the backend query of a detection rule.
type QueryConfig struct {
	Query    string `json:"query"`
	Language string `json:"language"`
	Backend  string `json:"backend"`
}

// Exception suppresses hits matching a field condition before
// post-processing.
type Exception struct {
	Description string   `json:"description"`
	Field       string   `json:"field"`
	Condition   string   `json:"condition"`
	Values      []string `json:"values"`
}

// Detection is a console-issued detection rule. Intervals, lookbehind and
// the catchup period are minutes; the mute period is minutes applied as
// seconds*60 against last_hit.
type Detection struct {
	UUID             string                    `json:"uuid"`
	Name             string                    `json:"name"`
	Description      string                    `json:"description"`
	DetectionID      string                    `json:"detection_id"`
	Query            QueryConfig               `json:"query"`
	Interval         int                       `json:"interval"`
	Lookbehind       int                       `json:"lookbehind"`
	CatchupPeriod    int                       `json:"catchup_period"`
	MutePeriod       int                       `json:"mute_period"`
	LastRun          string                    `json:"last_run"`
	LastHit          string                    `json:"last_hit"`
	SignatureFields  []string                  `json:"signature_fields"`
	ObservableFields []event.ObservableMapping `json:"observable_fields"`
	Exceptions       []Exception               `json:"exceptions"`
	RuleType         int                       `json:"rule_type"`
	RuleTypeConfig   map[string]any            `json:"rule_type_config"`
	Active           bool                      `json:"active"`
	Severity         int                       `json:"severity"`
	RiskScore        int                       `json:"risk_score"`
	Tags             []string                  `json:"tags"`
}

// ShouldRun decides whether the rule fires now, and on firing widens the
// lookbehind window to cover the time the rule sat idle, capped by the
// catchup period.
func (d *Detection) ShouldRun(catchupPeriod int) (bool, error) {
	return d.shouldRunAt(time.Now().UTC(), catchupPeriod)
}

func (d *Detection) shouldRunAt(now time.Time, catchupPeriod int) (bool, error) {
	if d.LastRun == "" {
		return false, ErrMissingLastRun
	}
	lastRun, err := parseRuleTime(d.LastRun)
	if err != nil {
		return false, fmt.Errorf("failed to parse last_run: %w", err)
	}

	nextRun := lastRun.Add(time.Duration(d.Interval) * time.Minute)
	if now.Before(nextRun) {
		return false, nil
	}

	if d.MutePeriod > 0 && d.LastHit != "" {
		lastHit, err := parseRuleTime(d.LastHit)
		if err != nil {
			return false, fmt.Errorf("failed to parse last_hit: %w", err)
		}
		muteUntil := lastHit.Add(time.Duration(d.MutePeriod*60) * time.Second)
		if now.Before(muteUntil) {
			return false, nil
		}
	}

	minutesSince := now.Sub(nextRun).Minutes()
	switch {
	case minutesSince > float64(catchupPeriod):
		d.Lookbehind = int(math.Ceil(float64(d.Lookbehind) + float64(catchupPeriod)))
	case minutesSince > float64(d.Lookbehind):
		d.Lookbehind = int(math.Ceil(float64(d.Lookbehind) + minutesSince))
	}
	return true, nil
}

// FilterExceptions drops hits suppressed by the rule's exceptions. A hit
// is suppressed when an "is" condition matches one of the exception values
// or an "is not" condition matches none of them.
func (d *Detection) FilterExceptions(hits []map[string]any) []map[string]any {
	if len(d.Exceptions) == 0 {
		return hits
	}

	kept := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		if !d.excepted(hit) {
			kept = append(kept, hit)
		}
	}
	return kept
}

func (d *Detection) excepted(hit map[string]any) bool {
	source, ok := hit["_source"].(map[string]any)
	if !ok {
		source = hit
	}

	for _, exception := range d.Exceptions {
		value := event.ExtractFieldValue(source, exception.Field)
		matched := valueIn(value, exception.Values)
		switch strings.ToLower(exception.Condition) {
		case "is":
			if matched {
				return true
			}
		case "is not", "is_not":
			if !matched {
				return true
			}
		}
	}
	return false
}

func valueIn(value any, candidates []string) bool {
	var values []any
	if list, ok := value.([]any); ok {
		values = list
	} else if value != nil {
		values = []any{value}
	}
	for _, item := range values {
		text := fmt.Sprintf("%v", item)
		for _, candidate := range candidates {
			if text == candidate {
				return true
			}
		}
	}
	return false
}

// ruleTimeFormats are the timestamp shapes consoles emit for last_run and
// last_hit.
var ruleTimeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseRuleTime(raw string) (time.Time, error) {
	raw = strings.TrimSuffix(raw, "Z")
	var lastErr error
	for _, layout := range ruleTimeFormats {
		if stamp, err := time.Parse(layout, raw); err == nil {
			return stamp.UTC(), nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
