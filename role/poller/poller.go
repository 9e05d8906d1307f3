// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package poller implements the role that drives the agent's configured
// inputs: each tick it reconciles the input set against the console and
// runs the input that has waited longest.
package poller

import (
	"context"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/input"
	"github.com/reflexsoar/reflexsoar-agent/management"
	"github.com/reflexsoar/reflexsoar-agent/role"
)

// Shortname identifies the role in agent configuration.
const Shortname = "poller"

func init() {
	role.Register(Shortname, func(deps *role.Deps) role.Role {
		return New(deps)
	})
}

// Poller reconciles and schedules the agent's inputs.
type Poller struct {
	deps   *role.Deps
	logger hclog.Logger

	// configured indexes live inputs by console uuid. Only the role's own
	// goroutine touches it.
	configured map[string]*input.Managed
}

// New builds a poller bound to the shared agent resources.
func New(deps *role.Deps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	return &Poller{
		deps:       deps,
		logger:     logger.Named(Shortname),
		configured: make(map[string]*input.Managed),
	}
}

// Shortname implements role.Role.
func (p *Poller) Shortname() string { return Shortname }

// Inputs returns the uuids of the currently configured inputs.
func (p *Poller) Inputs() []string {
	uuids := make([]string, 0, len(p.configured))
	for uuid := range p.configured {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// Main performs one poll cycle: fetch the input set, reconcile adapters,
// run the stalest input and forward its records to the event pipeline.
func (p *Poller) Main(ctx context.Context) error {
	conn := p.deps.GetConnection("")
	if conn == nil {
		p.logger.Warn("no console connection available")
		return nil
	}

	docs := conn.AgentGetInputs()
	if len(docs) == 0 {
		if len(p.configured) > 0 {
			p.logger.Info("no inputs assigned, clearing configured inputs",
				"cleared", len(p.configured))
			p.configured = make(map[string]*input.Managed)
		}
		return nil
	}

	p.reconcile(conn, docs)

	next := p.fetchNext()
	if next == nil {
		return nil
	}

	records, err := next.Run(ctx)
	if err != nil {
		p.logger.Error("input poll failed", "input", next.Config().Name, "error", err)
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	cfg := next.Config()
	payload := make([]any, len(records))
	for i, record := range records {
		payload[i] = record
	}

	return p.deps.Events.PrepareEvents(event.PrepareOptions{
		BaseFields:        cfg.BaseFields,
		SignatureFields:   cfg.SignatureFields,
		ObservableMapping: cfg.ObservableMapping,
		SourceField:       cfg.SourceField,
	}, payload...)
}

// reconcile configures adapters for new input documents and drops adapters
// whose uuid vanished from the console.
func (p *Poller) reconcile(conn *management.ManagementConnection, docs []map[string]any) {
	seen := make(map[string]struct{}, len(docs))

	for _, doc := range docs {
		uuid, _ := doc["uuid"].(string)
		if uuid == "" {
			continue
		}
		seen[uuid] = struct{}{}

		if _, ok := p.configured[uuid]; ok {
			continue
		}
		managed := p.configure(conn, doc)
		if managed != nil {
			p.configured[uuid] = managed
			p.logger.Info("configured input", "uuid", uuid, "name", managed.Config().Name)
		}
	}

	for uuid := range p.configured {
		if _, ok := seen[uuid]; !ok {
			p.logger.Info("removing vanished input", "uuid", uuid)
			delete(p.configured, uuid)
		}
	}
}

func (p *Poller) configure(conn *management.ManagementConnection, doc map[string]any) *input.Managed {
	plugin, _ := doc["plugin"].(string)
	plugin = strings.ToLower(plugin)

	factory, ok := input.Lookup(plugin)
	if !ok {
		p.logger.Warn("no adapter installed for input plugin", "plugin", plugin)
		return nil
	}

	cfg, err := input.ParseConfig(doc, factory.ConfigFields)
	if err != nil {
		p.logger.Error("failed to parse input config", "error", err)
		return nil
	}

	var creds *input.Credentials
	if cfg.CredentialUUID != "" {
		resolved, ok := conn.AgentGetInputCredentials(cfg.CredentialUUID)
		if !ok {
			p.logger.Error("failed to resolve input credential",
				"input", cfg.Name, "credential", cfg.CredentialUUID)
			return nil
		}
		creds = &input.Credentials{
			Username: resolved.Username,
			Secret:   resolved.Secret,
		}
	}

	adapter, err := factory.New(cfg, creds)
	if err != nil {
		p.logger.Error("failed to build input adapter", "input", cfg.Name, "error", err)
		return nil
	}
	return input.NewManaged(adapter, cfg)
}

// fetchNext selects the input to run: never-run inputs first, then the one
// with the oldest completed run.
func (p *Poller) fetchNext() *input.Managed {
	var oldest *input.Managed
	for _, managed := range p.configured {
		if managed.Running() {
			continue
		}
		lastRun, hasRun := managed.LastRun()
		if !hasRun {
			return managed
		}
		if oldest == nil {
			oldest = managed
			continue
		}
		oldestRun, _ := oldest.LastRun()
		if lastRun.Before(oldestRun) {
			oldest = managed
		}
	}
	return oldest
}
