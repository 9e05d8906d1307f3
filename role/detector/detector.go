// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/input"
	"github.com/reflexsoar/reflexsoar-agent/management"
	"github.com/reflexsoar/reflexsoar-agent/role"
)

// Shortname identifies the role in agent configuration.
const Shortname = "detector"

// DefaultCatchupPeriod caps how far a stale rule's window is widened, in
// minutes, when the role config does not set one.
const DefaultCatchupPeriod = 1440

const defaultBackend = "elasticsearch"

const stateTimeLayout = "2006-01-02T15:04:05.999999999"

func init() {
	role.Register(Shortname, func(deps *role.Deps) role.Role {
		return New(deps)
	})
}

// runState tracks when this agent last ran and last matched a rule. The
// console's copies of last_run and last_hit lag behind the agent, so the
// local stamps win when newer.
type runState struct {
	lastRun string
	lastHit string
}

// Detector evaluates the console's detection rules on their schedules.
type Detector struct {
	deps   *role.Deps
	logger hclog.Logger

	// state and seenTerms are only touched by the role's own goroutine.
	state     map[string]*runState
	seenTerms map[string]map[string]struct{}
}

// New builds a detector bound to the shared agent resources.
func New(deps *role.Deps) *Detector {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	return &Detector{
		deps:      deps,
		logger:    logger.Named(Shortname),
		state:     make(map[string]*runState),
		seenTerms: make(map[string]map[string]struct{}),
	}
}

// Shortname implements role.Role.
func (d *Detector) Shortname() string { return Shortname }

// Main performs one detection cycle: fetch the assigned rules and execute
// every active rule whose schedule has come due.
func (d *Detector) Main(ctx context.Context) error {
	conn := d.deps.GetConnection("")
	if conn == nil {
		d.logger.Warn("no console connection available")
		return nil
	}

	docs := conn.AgentGetDetections()
	if len(docs) == 0 {
		return nil
	}

	catchup := d.deps.Config.GetInt("catchup_period", DefaultCatchupPeriod)

	for _, doc := range docs {
		var rule Detection
		if err := json.Unmarshal(doc, &rule); err != nil {
			d.logger.Error("failed to decode detection rule", "error", err)
			continue
		}
		if !rule.Active {
			continue
		}
		d.applyState(&rule)

		ruleCatchup := catchup
		if rule.CatchupPeriod > 0 {
			ruleCatchup = rule.CatchupPeriod
		}

		run, err := rule.ShouldRun(ruleCatchup)
		if err != nil {
			d.logger.Warn("skipping unschedulable detection rule",
				"rule", rule.Name, "error", err)
			continue
		}
		if !run {
			continue
		}

		if err := d.execute(ctx, conn, &rule); err != nil {
			d.logger.Error("detection rule execution failed",
				"rule", rule.Name, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// applyState overlays the locally tracked run stamps onto the console's
// copy of the rule when they are newer.
func (d *Detector) applyState(rule *Detection) {
	state, ok := d.state[rule.UUID]
	if !ok {
		return
	}
	if newerStamp(state.lastRun, rule.LastRun) {
		rule.LastRun = state.lastRun
	}
	if newerStamp(state.lastHit, rule.LastHit) {
		rule.LastHit = state.lastHit
	}
}

func newerStamp(local, remote string) bool {
	if local == "" {
		return false
	}
	if remote == "" {
		return true
	}
	localTime, err := parseRuleTime(local)
	if err != nil {
		return false
	}
	remoteTime, err := parseRuleTime(remote)
	if err != nil {
		return true
	}
	return localTime.After(remoteTime)
}

// execute runs the rule's query against its backend, filters and
// post-processes the hits, and emits the survivors as events.
func (d *Detector) execute(ctx context.Context, conn *management.ManagementConnection, rule *Detection) error {
	now := time.Now().UTC()

	hits, err := d.query(ctx, conn, rule)
	if err != nil {
		return err
	}

	state, ok := d.state[rule.UUID]
	if !ok {
		state = &runState{}
		d.state[rule.UUID] = state
	}
	state.lastRun = now.Format(stateTimeLayout)

	hits = rule.FilterExceptions(hits)
	hits = d.postProcess(rule, hits)
	if len(hits) == 0 {
		return nil
	}
	state.lastHit = now.Format(stateTimeLayout)

	events := make([]any, 0, len(hits))
	for _, hit := range hits {
		evt, err := event.NewEvent(event.Config{
			Source:            Shortname,
			Title:             rule.Name,
			Description:       rule.Description,
			Severity:          rule.Severity,
			RiskScore:         rule.RiskScore,
			DetectionID:       rule.UUID,
			Tags:              rule.Tags,
			Data:              hit,
			SourceField:       input.DefaultSourceField,
			SignatureFields:   rule.SignatureFields,
			ObservableMapping: rule.ObservableFields,
		})
		if err != nil {
			d.logger.Error("failed to build event from detection hit",
				"rule", rule.Name, "error", err)
			continue
		}
		events = append(events, evt)
	}
	if len(events) == 0 {
		return nil
	}

	d.logger.Info("detection rule matched", "rule", rule.Name, "hits", len(events))
	return d.deps.Events.PrepareEvents(event.PrepareOptions{}, events...)
}

// query builds a one-shot adapter for the rule's backend, scoped to the
// rule's lucene query over its lookbehind window.
func (d *Detector) query(ctx context.Context, conn *management.ManagementConnection, rule *Detection) ([]map[string]any, error) {
	backend := rule.Query.Backend
	if backend == "" {
		backend = defaultBackend
	}

	factory, ok := input.Lookup(backend)
	if !ok {
		return nil, fmt.Errorf("no adapter installed for backend %q", backend)
	}

	snapshot := d.deps.Config.Snapshot()
	settings := make(map[string]any, len(factory.ConfigFields))
	for _, field := range factory.ConfigFields {
		if value, ok := snapshot[field]; ok {
			settings[field] = value
		}
	}
	settings["lucene_filter"] = rule.Query.Query
	settings["search_period"] = fmt.Sprintf("%dm", rule.Lookbehind)

	var creds *input.Credentials
	if credID, _ := snapshot["credential"].(string); credID != "" {
		resolved, ok := conn.AgentGetInputCredentials(credID)
		if !ok {
			return nil, fmt.Errorf("failed to resolve backend credential %q", credID)
		}
		creds = &input.Credentials{
			Username: resolved.Username,
			Secret:   resolved.Secret,
		}
	}

	adapter, err := factory.New(&input.Config{
		UUID:        rule.UUID,
		Name:        rule.Name,
		Plugin:      backend,
		SourceField: input.DefaultSourceField,
		Settings:    settings,
	}, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend adapter: %w", err)
	}

	hits, err := adapter.Poll(ctx)
	if err != nil {
		if errors.Is(err, input.ErrAuthorizationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("backend query failed: %w", err)
	}
	return hits, nil
}

// postProcess applies the rule-type semantics to the filtered hits.
func (d *Detector) postProcess(rule *Detection, hits []map[string]any) []map[string]any {
	switch rule.RuleType {
	case RuleTypeMatch:
		return hits
	case RuleTypeThreshold:
		return d.applyThreshold(rule, hits)
	case RuleTypeNewTerm:
		return d.applyNewTerm(rule, hits)
	case RuleTypeMetric, RuleTypeMismatch:
		d.logger.Debug("rule type not supported by this agent",
			"rule", rule.Name, "rule_type", rule.RuleType)
		return nil
	default:
		d.logger.Warn("unknown rule type", "rule", rule.Name, "rule_type", rule.RuleType)
		return nil
	}
}

// applyThreshold fires all hits when their count satisfies the configured
// operator and threshold, nothing otherwise.
func (d *Detector) applyThreshold(rule *Detection, hits []map[string]any) []map[string]any {
	threshold := configInt(rule.RuleTypeConfig, "threshold", 0)
	operator, _ := rule.RuleTypeConfig["operator"].(string)
	if operator == "" {
		operator = ">"
	}

	count := len(hits)
	var fired bool
	switch operator {
	case ">":
		fired = count > threshold
	case ">=":
		fired = count >= threshold
	case "==", "=":
		fired = count == threshold
	case "<":
		fired = count < threshold
	case "<=":
		fired = count <= threshold
	default:
		d.logger.Warn("unknown threshold operator", "rule", rule.Name, "operator", operator)
		return nil
	}
	if !fired {
		return nil
	}
	return hits
}

// applyNewTerm fires hits whose term value has not been seen before. The
// first evaluation of a rule baselines its terms without firing.
func (d *Detector) applyNewTerm(rule *Detection, hits []map[string]any) []map[string]any {
	field, _ := rule.RuleTypeConfig["field"].(string)
	if field == "" {
		d.logger.Warn("new term rule has no field configured", "rule", rule.Name)
		return nil
	}

	seen, baselined := d.seenTerms[rule.UUID]
	if !baselined {
		seen = make(map[string]struct{})
		d.seenTerms[rule.UUID] = seen
	}

	var fired []map[string]any
	for _, hit := range hits {
		source, ok := hit[input.DefaultSourceField].(map[string]any)
		if !ok {
			source = hit
		}
		value := event.ExtractFieldValue(source, field)
		if value == nil {
			continue
		}
		term := fmt.Sprintf("%v", value)
		if _, known := seen[term]; known {
			continue
		}
		seen[term] = struct{}{}
		if baselined {
			fired = append(fired, hit)
		}
	}
	return fired
}

func configInt(config map[string]any, key string, def int) int {
	switch n := config[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
