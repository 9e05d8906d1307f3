// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/reflexsoar/reflexsoar-agent/ci"
	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/input"
	"github.com/reflexsoar/reflexsoar-agent/management"
	"github.com/reflexsoar/reflexsoar-agent/role"
)

func stamp(t time.Time) string {
	return t.UTC().Format(stateTimeLayout)
}

func TestDetection_ShouldRun(t *testing.T) {
	ci.Parallel(t)

	now := time.Now().UTC()

	rule := &Detection{
		Interval:   5,
		Lookbehind: 30,
		MutePeriod: 5,
		LastRun:    stamp(now.Add(-48 * time.Hour)),
		LastHit:    stamp(now.Add(-24 * time.Hour)),
	}

	run, err := rule.ShouldRun(1440)
	must.NoError(t, err)
	must.True(t, run)
	// the idle window exceeded the catchup period, so the lookbehind grows
	// by exactly the catchup period
	must.Eq(t, 1470, rule.Lookbehind)

	rule.LastRun = stamp(now)
	run, err = rule.ShouldRun(1440)
	must.NoError(t, err)
	must.False(t, run)
}

func TestDetection_ShouldRun_WidensWithinCatchup(t *testing.T) {
	ci.Parallel(t)

	now := time.Now().UTC()
	rule := &Detection{
		Interval:   5,
		Lookbehind: 30,
		LastRun:    stamp(now.Add(-1570 * time.Minute)),
	}

	run, err := rule.ShouldRun(2500)
	must.NoError(t, err)
	must.True(t, run)
	// 1565 idle minutes fit inside the catchup period, so the lookbehind
	// grows by the idle time instead
	must.True(t, rule.Lookbehind >= 1595)
	must.True(t, rule.Lookbehind <= 1596)
}

func TestDetection_ShouldRun_Muted(t *testing.T) {
	ci.Parallel(t)

	now := time.Now().UTC()
	rule := &Detection{
		Interval:   5,
		Lookbehind: 30,
		MutePeriod: 60,
		LastRun:    stamp(now.Add(-30 * time.Minute)),
		LastHit:    stamp(now.Add(-5 * time.Minute)),
	}

	run, err := rule.ShouldRun(1440)
	must.NoError(t, err)
	must.False(t, run)

	// once the mute window has elapsed the rule fires again
	rule.LastHit = stamp(now.Add(-2 * time.Hour))
	run, err = rule.ShouldRun(1440)
	must.NoError(t, err)
	must.True(t, run)
}

func TestDetection_ShouldRun_MissingLastRun(t *testing.T) {
	ci.Parallel(t)

	rule := &Detection{Interval: 5}
	_, err := rule.ShouldRun(1440)
	must.ErrorIs(t, err, ErrMissingLastRun)
}

func TestDetection_FilterExceptions(t *testing.T) {
	ci.Parallel(t)

	rule := &Detection{
		Exceptions: []Exception{{
			Field:     "user.name",
			Condition: "is",
			Values:    []string{"svc-backup", "svc-monitor"},
		}},
	}

	hits := []map[string]any{
		{"_source": map[string]any{"user": map[string]any{"name": "svc-backup"}}},
		{"_source": map[string]any{"user": map[string]any{"name": "jdoe"}}},
		{"_source": map[string]any{"user": map[string]any{"name": "svc-monitor"}}},
	}

	kept := rule.FilterExceptions(hits)
	must.Len(t, 1, kept)
	source := kept[0]["_source"].(map[string]any)
	must.Eq(t, "jdoe", source["user"].(map[string]any)["name"])

	rule.Exceptions[0].Condition = "is not"
	kept = rule.FilterExceptions(hits)
	must.Len(t, 2, kept)
}

func TestDetector_Threshold(t *testing.T) {
	ci.Parallel(t)

	d := New(&role.Deps{Logger: hclog.NewNullLogger()})
	hits := []map[string]any{{"a": 1}, {"a": 2}, {"a": 3}}

	rule := &Detection{
		RuleType:       RuleTypeThreshold,
		RuleTypeConfig: map[string]any{"threshold": float64(2), "operator": ">"},
	}
	must.Len(t, 3, d.postProcess(rule, hits))

	rule.RuleTypeConfig["threshold"] = float64(5)
	must.Len(t, 0, d.postProcess(rule, hits))

	rule.RuleTypeConfig = map[string]any{"threshold": float64(3), "operator": ">="}
	must.Len(t, 3, d.postProcess(rule, hits))
}

func TestDetector_NewTerm(t *testing.T) {
	ci.Parallel(t)

	d := New(&role.Deps{Logger: hclog.NewNullLogger()})
	rule := &Detection{
		UUID:           "rule-1",
		RuleType:       RuleTypeNewTerm,
		RuleTypeConfig: map[string]any{"field": "user.name"},
	}

	hit := func(name string) map[string]any {
		return map[string]any{"_source": map[string]any{
			"user": map[string]any{"name": name},
		}}
	}

	// first evaluation baselines without firing
	must.Len(t, 0, d.postProcess(rule, []map[string]any{hit("alice"), hit("bob")}))

	// known terms stay quiet, new terms fire once
	fired := d.postProcess(rule, []map[string]any{hit("alice"), hit("mallory")})
	must.Len(t, 1, fired)
	must.Len(t, 0, d.postProcess(rule, []map[string]any{hit("mallory")}))
}

// stubBackend serves canned hits for the integration tests.
type stubBackend struct {
	cfg *input.Config
}

var (
	stubMu    sync.Mutex
	stubPolls int
	stubHits  []map[string]any
)

func (s *stubBackend) Alias() string { return s.cfg.Name }
func (s *stubBackend) Type() string  { return input.TypePoll }

func (s *stubBackend) Poll(ctx context.Context) ([]map[string]any, error) {
	stubMu.Lock()
	defer stubMu.Unlock()
	stubPolls++
	return stubHits, nil
}

func init() {
	input.Register("stubdetect", input.Factory{
		ConfigFields: []string{"hosts", "index"},
		New: func(cfg *input.Config, creds *input.Credentials) (input.Input, error) {
			return &stubBackend{cfg: cfg}, nil
		},
	})
}

type recordingSender struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
}

func (r *recordingSender) BulkEvents(events []json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return true
}

func (r *recordingSender) URL() string { return "http://console.test" }

func (r *recordingSender) sent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batch := range r.batches {
		n += len(batch)
	}
	return n
}

func ruleDoc(uuid string, lastRun time.Time) map[string]any {
	return map[string]any{
		"uuid":   uuid,
		"name":   "Suspicious Logon",
		"active": true,
		"query": map[string]any{
			"query":   "event.action:logon",
			"backend": "stubdetect",
		},
		"interval":         5,
		"lookbehind":       30,
		"severity":         3,
		"risk_score":       75,
		"signature_fields": []any{"host.hostname"},
		"observable_fields": []any{map[string]any{
			"field":     "host.hostname",
			"data_type": "host",
			"tlp":       2,
		}},
		"last_run": stamp(lastRun),
	}
}

func testDetector(t *testing.T, docs []map[string]any) (*Detector, *recordingSender) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2.0/agent/detections" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"detections": docs})
	}))
	t.Cleanup(srv.Close)

	registry := management.NewRegistry()
	_, err := management.NewManagementConnection(management.HTTPConnectionConfig{
		URL:    srv.URL,
		APIKey: "token",
		Logger: hclog.NewNullLogger(),
	}, registry)
	must.NoError(t, err)

	sender := &recordingSender{}
	events := event.NewManager(event.ManagerConfig{
		Logger:            hclog.NewNullLogger(),
		DisableCacheCheck: true,
	})
	must.NoError(t, events.Initialize(sender))
	t.Cleanup(events.Stop)

	deps := &role.Deps{
		Config:      role.NewSharedConfig(nil),
		Connections: registry,
		Events:      events,
		Logger:      hclog.NewNullLogger(),
	}
	return New(deps), sender
}

func TestDetector_ExecutesDueRules(t *testing.T) {
	ci.Parallel(t)

	stubMu.Lock()
	stubPolls = 0
	stubHits = []map[string]any{{
		"_index": "logs-1",
		"_source": map[string]any{
			"host":  map[string]any{"hostname": "web-01"},
			"event": map[string]any{"action": "logon"},
		},
	}}
	stubMu.Unlock()

	docs := []map[string]any{ruleDoc("det-1", time.Now().UTC().Add(-time.Hour))}
	d, sender := testDetector(t, docs)

	must.NoError(t, d.Main(context.Background()))

	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return sender.sent() == 1 }),
		wait.Timeout(3*time.Second),
		wait.Gap(10*time.Millisecond),
	))

	sender.mu.Lock()
	var decoded map[string]any
	must.NoError(t, json.Unmarshal(sender.batches[0][0], &decoded))
	sender.mu.Unlock()

	must.Eq(t, "Suspicious Logon", decoded["title"])
	must.Eq(t, "det-1", decoded["detection_id"])
	must.Eq(t, Shortname, decoded["source"])
	severity, ok := decoded["severity"].(float64)
	must.True(t, ok)
	must.Eq(t, float64(3), severity)
	riskScore, ok := decoded["risk_score"].(float64)
	must.True(t, ok)
	must.Eq(t, float64(75), riskScore)
	must.NotEq(t, "", decoded["signature"])

	observables := decoded["observables"].([]any)
	must.Len(t, 1, observables)
	must.Eq(t, "web-01", observables[0].(map[string]any)["value"])

	// the local run stamp keeps the rule quiet until its interval elapses,
	// even though the console still reports the stale last_run
	must.NoError(t, d.Main(context.Background()))
	stubMu.Lock()
	polls := stubPolls
	stubMu.Unlock()
	must.Eq(t, 1, polls)
}

func TestDetector_SkipsInactiveRules(t *testing.T) {
	ci.Parallel(t)

	doc := ruleDoc("det-2", time.Now().UTC().Add(-time.Hour))
	doc["active"] = false
	d, sender := testDetector(t, []map[string]any{doc})

	must.NoError(t, d.Main(context.Background()))
	must.Eq(t, 0, sender.sent())
}

func TestDetector_UnknownBackendLogged(t *testing.T) {
	ci.Parallel(t)

	doc := ruleDoc("det-3", time.Now().UTC().Add(-time.Hour))
	doc["query"] = map[string]any{"query": "x", "backend": "not-installed"}
	d, sender := testDetector(t, []map[string]any{doc})

	must.NoError(t, d.Main(context.Background()))
	must.Eq(t, 0, sender.sent())
}
