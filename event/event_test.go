// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/reflexsoar/reflexsoar-agent/ci"
	"github.com/reflexsoar/reflexsoar-agent/helper/pointer"
)

func testRecord() map[string]any {
	return map[string]any{
		"host": map[string]any{
			"hostname": "web-01",
			"ip":       []any{"10.0.0.5", "192.168.1.5"},
		},
		"kibana": map[string]any{
			"alert": map[string]any{
				"rule": map[string]any{
					"name":        "Suspicious Login",
					"description": "Multiple failed logins followed by success",
				},
			},
		},
		"event": map[string]any{
			"severity": "high",
			"created":  "2023-01-02T03:04:05Z",
		},
		"user": map[string]any{"name": "jsmith"},
	}
}

func TestExtractFieldValue(t *testing.T) {
	ci.Parallel(t)

	record := testRecord()

	must.Eq(t, "web-01", ExtractFieldValue(record, "host.hostname"))
	must.Eq(t, "Suspicious Login", ExtractFieldValue(record, "kibana.alert.rule.name"))
	must.Nil(t, ExtractFieldValue(record, "host.missing"))
	must.Nil(t, ExtractFieldValue(record, "missing.path"))
	must.Nil(t, ExtractFieldValue(nil, "host.hostname"))

	// a literal dotted key wins over traversal
	flat := map[string]any{"host.hostname": "literal", "host": map[string]any{"hostname": "nested"}}
	must.Eq(t, "literal", ExtractFieldValue(flat, "host.hostname"))

	// lists map the extraction across elements
	ips, ok := ExtractFieldValue(record, "host.ip").([]any)
	must.True(t, ok)
	must.Eq(t, []any{"10.0.0.5", "192.168.1.5"}, ips)

	listed := map[string]any{
		"processes": []any{
			map[string]any{"pid": float64(1), "name": "init"},
			map[string]any{"pid": float64(42), "name": "sshd"},
			nil,
		},
	}
	names, ok := ExtractFieldValue(listed, "processes.name").([]any)
	must.True(t, ok)
	must.Eq(t, []any{"init", "sshd"}, names)

	// nested lists flatten one level
	deep := map[string]any{
		"groups": []any{
			map[string]any{"members": []any{"a", "b"}},
			map[string]any{"members": []any{"c"}},
		},
	}
	members, ok := ExtractFieldValue(deep, "groups.members").([]any)
	must.True(t, ok)
	must.Eq(t, []any{"a", "b", "c"}, members)
}

func TestNewEvent_SourceRequired(t *testing.T) {
	ci.Parallel(t)

	_, err := NewEvent(Config{Title: "no source"})
	must.ErrorIs(t, err, ErrSourceRequired)
}

func TestNewEvent_FromRecord(t *testing.T) {
	ci.Parallel(t)

	e, err := NewEvent(Config{
		Source: "elasticsearch",
		Data:   testRecord(),
		BaseFields: &BaseFields{
			RuleName:          "kibana.alert.rule.name",
			DescriptionField:  "kibana.alert.rule.description",
			SeverityField:     "event.severity",
			OriginalDateField: "event.created",
			TLP:               pointer.Of(2),
			StaticTags:        []string{"siem"},
			TagFields:         []string{"user.name"},
		},
		SignatureFields: []string{"host.hostname", "kibana.alert.rule.name"},
		ObservableMapping: []ObservableMapping{
			{Field: "host.hostname", DataType: "host", TLP: 2},
			{Field: "host.ip", Alias: "ip", DataType: "ip", TLP: 2, IOC: true},
			{Field: "host.missing", DataType: "host", TLP: 2},
		},
	})
	must.NoError(t, err)

	must.Eq(t, "Suspicious Login", e.Title)
	must.Eq(t, "Multiple failed logins followed by success", e.Description)
	must.Eq(t, 3, e.Severity)
	must.Eq(t, 2, e.TLP)
	must.Eq(t, "elasticsearch", e.Source)

	// trailing Z is stripped from the original date
	must.Eq(t, "2023-01-02T03:04:05", e.OriginalDate)

	must.SliceContains(t, e.Tags, "siem")
	must.SliceContains(t, e.Tags, "user.name:jsmith")

	// the raw log captures the full message
	var rawLog map[string]any
	must.NoError(t, json.Unmarshal([]byte(e.RawLog), &rawLog))
	must.MapContainsKey(t, rawLog, "host")

	// one observable per extracted value; list fields fan out
	must.Len(t, 3, e.Observables)
	must.Eq(t, "web-01", e.Observables[0].Value)
	must.Eq(t, "host.hostname", e.Observables[0].SourceField)
	must.Eq(t, "ip", e.Observables[1].SourceField)
	must.Eq(t, "host.ip", e.Observables[1].OriginalSourceField)
	must.True(t, e.Observables[1].IOC)
	must.Eq(t, "10.0.0.5", e.Observables[1].Value)
	must.Eq(t, "192.168.1.5", e.Observables[2].Value)
}

func TestNewEvent_SourceField(t *testing.T) {
	ci.Parallel(t)

	wrapped := map[string]any{"_source": testRecord()}

	e, err := NewEvent(Config{
		Source:      "elasticsearch",
		Data:        wrapped,
		SourceField: "_source",
		BaseFields:  &BaseFields{RuleName: "kibana.alert.rule.name"},
	})
	must.NoError(t, err)
	must.Eq(t, "Suspicious Login", e.Title)

	_, err = NewEvent(Config{
		Source:      "elasticsearch",
		Data:        wrapped,
		SourceField: "_nope",
	})
	must.ErrorIs(t, err, ErrSourceFieldMissing)
}

func TestNewEvent_Signature(t *testing.T) {
	ci.Parallel(t)

	sigFields := []string{"host.hostname", "kibana.alert.rule.name"}

	build := func(record map[string]any) *Event {
		e, err := NewEvent(Config{
			Source:          "test",
			Data:            record,
			SignatureFields: sigFields,
		})
		must.NoError(t, err)
		return e
	}

	first := testRecord()
	second := testRecord()
	second["user"] = map[string]any{"name": "different"}

	// identical signature fields hash identically regardless of the rest
	must.Eq(t, build(first).Signature, build(second).Signature)

	third := testRecord()
	third["host"].(map[string]any)["hostname"] = "web-02"
	must.NotEq(t, build(first).Signature, build(third).Signature)

	// without signature fields the signature still populates, seeded from
	// the title and current time
	e, err := NewEvent(Config{Source: "test", Data: testRecord()})
	must.NoError(t, err)
	must.NotEq(t, "", e.Signature)
}

func TestNewEvent_SeverityMapping(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name     string
		severity any
		custom   map[string]int
		exp      int
	}{
		{"low default map", "low", nil, 1},
		{"critical default map", "critical", nil, 4},
		{"case folded", "HIGH", nil, 3},
		{"numeric passthrough", 2, nil, 2},
		{"custom map", "low", map[string]int{"low": 10}, 10},
		{"out of range", 5, nil, 1},
		{"unknown label", "urgent", nil, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewEvent(Config{
				Source:      "test",
				Severity:    tc.severity,
				SeverityMap: tc.custom,
			})
			must.NoError(t, err)
			must.Eq(t, tc.exp, e.Severity)
		})
	}

	_, err := NewEvent(Config{Source: "test", Severity: []any{"low"}})
	must.ErrorIs(t, err, ErrInvalidSeverity)
}

func TestEvent_JSON(t *testing.T) {
	ci.Parallel(t)

	e, err := NewEvent(Config{
		Source: "test",
		Title:  "only a title",
	})
	must.NoError(t, err)

	raw, err := e.JSON()
	must.NoError(t, err)

	var decoded map[string]any
	must.NoError(t, json.Unmarshal(raw, &decoded))
	must.Eq(t, "only a title", decoded["title"])
	must.Eq(t, "test", decoded["source"])

	// empty fields are skipped
	must.MapNotContainsKey(t, decoded, "description")
	must.MapNotContainsKey(t, decoded, "observables")
	must.MapNotContainsKey(t, decoded, "raw_log")

	// internal parsing state never serializes
	must.MapNotContainsKey(t, decoded, "message")
}

func TestQueue_FIFO(t *testing.T) {
	ci.Parallel(t)

	q := NewQueue()
	for i := 0; i < 10; i++ {
		e, err := NewEvent(Config{Source: "test", Title: fmt.Sprintf("event-%d", i)})
		must.NoError(t, err)
		q.Enqueue(e)
	}
	must.Eq(t, 10, q.Size())

	batch := q.Dequeue(4)
	must.Len(t, 4, batch)
	for i, e := range batch {
		must.Eq(t, fmt.Sprintf("event-%d", i), e.Title)
	}

	rest := q.Dequeue(100)
	must.Len(t, 6, rest)
	must.Eq(t, "event-4", rest[0].Title)
	must.Eq(t, "event-9", rest[5].Title)
	must.Eq(t, 0, q.Size())
	must.Nil(t, q.Dequeue(10))
}
