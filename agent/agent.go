// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent implements the supervisor that pairs with the console,
// heartbeats, reconciles policy, and owns the lifecycle of the roles and
// the event pipeline.
package agent

import (
	"errors"
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	sockaddr "github.com/hashicorp/go-sockaddr"

	"github.com/reflexsoar/reflexsoar-agent/config"
	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/management"
	"github.com/reflexsoar/reflexsoar-agent/role"
	"github.com/reflexsoar/reflexsoar-agent/version"
)

var (
	// ErrConsoleURLRequired is returned by Pair when no console URL is given.
	ErrConsoleURLRequired = errors.New("console URL is required")

	// ErrAccessTokenRequired is returned by Pair when no access token is
	// given.
	ErrAccessTokenRequired = errors.New("access token is required")
)

// Config tunes a new Agent.
type Config struct {
	// DataDir overrides the directory holding the persistent configuration.
	// Empty selects the user data directory.
	DataDir string

	// Offline suppresses all console communication.
	Offline bool

	Logger hclog.Logger
}

// Agent is the supervisor process.
type Agent struct {
	logger  hclog.Logger
	config  *config.AgentConfig
	dataDir string
	offline bool

	connections *management.Registry
	events      *event.Manager

	// runners and sharedConfigs hold the live roles, keyed by shortname.
	runners       map[string]*role.Runner
	sharedConfigs map[string]*role.SharedConfig

	healthy  bool
	warnings []string

	// sleep is swapped out by tests exercising the run loop.
	sleep func(time.Duration)
}

// New builds an agent from the persistent configuration found in the data
// directory, falling back to defaults when none exists.
func New(cfg Config) (*Agent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("agent")

	dataDir := cfg.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	agentConfig, err := config.Load(dataDir)
	if err != nil {
		logger.Warn("failed to load persistent configuration, using defaults",
			"error", err)
		agentConfig = config.DefaultAgentConfig()
	}

	a := &Agent{
		logger:        logger,
		config:        agentConfig,
		dataDir:       dataDir,
		offline:       cfg.Offline,
		connections:   management.NewRegistry(),
		runners:       make(map[string]*role.Runner),
		sharedConfigs: make(map[string]*role.SharedConfig),
		healthy:       true,
		sleep:         time.Sleep,
	}

	installed := make(map[string]struct{})
	for _, name := range role.Registered() {
		installed[name] = struct{}{}
	}
	for _, name := range agentConfig.Roles {
		if _, ok := installed[name]; !ok {
			a.warnings = append(a.warnings,
				fmt.Sprintf("Role %q not installed in agent library", name))
		}
	}
	return a, nil
}

// Config returns the agent's persistent configuration.
func (a *Agent) Config() *config.AgentConfig { return a.config }

// DataDir returns the directory the persistent configuration lives in.
func (a *Agent) DataDir() string { return a.dataDir }

// Warnings returns the agent's current health warnings.
func (a *Agent) Warnings() []string { return a.warnings }

// Connections returns the shared connection registry.
func (a *Agent) Connections() *management.Registry { return a.connections }

// SaveConfig persists the agent configuration.
func (a *Agent) SaveConfig() error {
	return a.config.Save(a.dataDir)
}

// SetConfigValue updates one operator-settable key and persists the
// configuration.
func (a *Agent) SetConfigValue(key string, value any) error {
	if err := a.config.SetValue(key, value); err != nil {
		return err
	}
	return a.SaveConfig()
}

// ClearPersistentConfig deletes the persistent configuration file. It
// reports whether a file was actually removed.
func (a *Agent) ClearPersistentConfig() (bool, error) {
	return config.Clear(a.dataDir)
}

// ResetConsolePairing forgets the pairing with the given console.
func (a *Agent) ResetConsolePairing(url string) error {
	if err := a.config.RemovePairedConsole(url); err != nil {
		return err
	}
	return a.SaveConfig()
}

// ipAddress resolves the host's private IP for the pairing payload.
func (a *Agent) ipAddress() string {
	ip, err := sockaddr.GetPrivateIP()
	if err != nil || ip == "" {
		return "127.0.0.1"
	}
	return ip
}

// Pair registers the agent with a console and persists the returned
// identity. Pairing with the already-paired console fails with
// management.ErrConsoleAlreadyPaired.
func (a *Agent) Pair(consoleURL, token string, groups []string, ignoreTLS bool) error {
	if consoleURL == "" {
		return ErrConsoleURLRequired
	}
	if token == "" {
		return ErrAccessTokenRequired
	}
	if a.config.ConsoleInfo.URL == consoleURL {
		return fmt.Errorf("%w: %s", management.ErrConsoleAlreadyPaired, consoleURL)
	}

	conn, err := management.NewManagementConnection(management.HTTPConnectionConfig{
		URL:       consoleURL,
		APIKey:    token,
		IgnoreTLS: ignoreTLS,
		Logger:    a.logger,
	}, a.connections)
	if err != nil {
		return err
	}

	if groups == nil {
		groups = []string{}
	}
	resp, err := conn.AgentPair(map[string]any{
		"name":       a.config.Name,
		"ip_address": a.ipAddress(),
		"groups":     groups,
	})
	if err != nil {
		return err
	}

	a.config.UUID = resp.UUID
	a.config.ConsoleInfo = conn.Info()
	if err := a.SaveConfig(); err != nil {
		return err
	}
	a.logger.Info("agent paired with console", "console", consoleURL, "uuid", resp.UUID)
	return nil
}

// console returns the default console connection, building one from the
// persisted pairing when the registry has none yet.
func (a *Agent) console() *management.ManagementConnection {
	if conn := a.connections.Default(); conn != nil {
		return conn
	}
	if a.config.ConsoleInfo.URL == "" {
		return nil
	}
	conn, err := management.NewManagementConnection(management.HTTPConnectionConfig{
		URL:       a.config.ConsoleInfo.URL,
		APIKey:    a.config.ConsoleInfo.APIKey,
		IgnoreTLS: a.config.ConsoleInfo.IgnoreTLS,
		Logger:    a.logger,
	}, a.connections)
	if err != nil {
		a.logger.Error("failed to build console connection", "error", err)
		return nil
	}
	return conn
}

// Heartbeat reports health to the console and reconciles policy on
// success. Offline agents short-circuit to healthy. Only a console that
// explicitly rejects the heartbeat makes this return false.
func (a *Agent) Heartbeat(skipRun bool) bool {
	if a.offline {
		return true
	}

	conn := a.console()
	if conn == nil {
		a.logger.Warn("no console connection established")
		return true
	}

	body := map[string]any{
		"healthy":       a.healthy,
		"health_issues": a.warnings,
		"recovered":     false,
		"version":       version.GetVersion().VersionNumber(),
	}

	resp, err := conn.AgentHeartbeat(a.config.UUID, body)
	if err != nil {
		a.logger.Error("heartbeat failed", "error", err)
		return false
	}
	if resp == nil {
		a.logger.Error("console unreachable, heartbeat skipped")
		return true
	}

	a.logger.Info("heartbeat sent", "console", conn.URL())
	a.CheckPolicy(skipRun)
	return true
}

// CheckPolicy fetches the console policy and, when its uuid or revision
// moved, merges it into the configuration, updates the live role configs,
// restarts roles to match the assigned set, and persists the result.
func (a *Agent) CheckPolicy(skipRun bool) {
	conn := a.connections.Default()
	if conn == nil {
		return
	}

	policy := conn.AgentGetPolicy(a.config.UUID)
	if policy == nil {
		return
	}

	revision := policyRevision(policy["revision"], a.config.PolicyRevision)
	uuid, _ := policy["uuid"].(string)
	if revision == a.config.PolicyRevision && uuid == a.config.PolicyUUID {
		return
	}

	a.config.FromPolicy(policy)

	if roleConfigs := a.collectRoleConfigs(policy); len(roleConfigs) > 0 {
		a.config.RoleConfigs = roleConfigs
	}

	if !skipRun {
		if len(a.config.Roles) > 0 {
			a.StopRoles(a.config.Roles)
			a.StartRoles()
		} else {
			a.StopRoles(nil)
		}
	}

	if err := a.SaveConfig(); err != nil {
		a.logger.Error("failed to persist policy update", "error", err)
	}
}

// collectRoleConfigs lifts per-role config documents out of a policy and
// pushes them into the live shared configs of running roles.
func (a *Agent) collectRoleConfigs(policy map[string]any) map[string]map[string]any {
	roleConfigs := make(map[string]map[string]any)
	for _, name := range role.Registered() {
		key := name + "_config"
		roleConfig, ok := policy[key].(map[string]any)
		if !ok {
			continue
		}
		roleConfigs[key] = roleConfig
		if shared, ok := a.sharedConfigs[name]; ok {
			shared.Update(roleConfig)
		}
	}
	return roleConfigs
}

// StartEventPipeline builds the event manager and connects its spooler to
// the console. Calling it again is a no-op.
func (a *Agent) StartEventPipeline() {
	if a.events != nil {
		return
	}
	a.events = event.NewManager(event.ManagerConfig{
		Logger:            a.logger,
		CacheKey:          a.config.EventCacheKey,
		CacheTTL:          a.config.EventCacheTTL,
		DisableCacheCheck: a.config.DisableEventCacheCheck,
	})

	conn := a.connections.Default()
	if conn == nil {
		a.logger.Warn("no console connection, event pipeline idle")
		return
	}
	if err := a.events.Initialize(conn); err != nil {
		a.logger.Error("failed to start event pipeline", "error", err)
	}
}

// initializeRole builds a runner for the named role with its config from
// role_configs.
func (a *Agent) initializeRole(name string) (*role.Runner, error) {
	factory, ok := role.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("role %q not installed in agent library", name)
	}

	roleConfig := a.config.RoleConfigs[name+"_config"]
	if roleConfig == nil {
		roleConfig = map[string]any{"wait_interval": 5}
	}
	shared := role.NewSharedConfig(roleConfig)
	a.sharedConfigs[name] = shared

	deps := &role.Deps{
		Config:      shared,
		Connections: a.connections,
		Events:      a.events,
		Logger:      a.logger,
	}
	return role.NewRunner(factory(deps), deps, role.RunnerConfig{Logger: a.logger}), nil
}

// StartRoles launches every assigned role that is not already running.
func (a *Agent) StartRoles() {
	a.StartEventPipeline()

	assigned := make(map[string]struct{}, len(a.config.Roles))
	for _, name := range a.config.Roles {
		assigned[name] = struct{}{}
	}

	for _, name := range role.Registered() {
		if _, ok := assigned[name]; !ok {
			a.logger.Debug("agent not configured for role", "role", name)
			continue
		}
		if _, running := a.runners[name]; running {
			continue
		}
		runner, err := a.initializeRole(name)
		if err != nil {
			a.logger.Error("failed to initialize role", "role", name, "error", err)
			continue
		}
		a.runners[name] = runner
		runner.Start()
	}
}

// StopRoles stops running roles. A nil keep set stops everything;
// otherwise only roles absent from keep are stopped.
func (a *Agent) StopRoles(keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	for name, runner := range a.runners {
		if keep != nil {
			if _, ok := keepSet[name]; ok {
				continue
			}
		}
		a.logger.Info("stopping role", "role", name)
		runner.Stop(false)
		delete(a.runners, name)
		delete(a.sharedConfigs, name)
	}
}

// RunningRoles returns the shortnames of the live roles.
func (a *Agent) RunningRoles() []string {
	names := make([]string, 0, len(a.runners))
	for name, runner := range a.runners {
		if runner.Running() {
			names = append(names, name)
		}
	}
	return names
}

// Run starts the agent and blocks until the console rejects a heartbeat
// or shutdownCh closes. The return value is the process exit code.
func (a *Agent) Run(shutdownCh <-chan struct{}) int {
	a.logger.Info("agent starting", "version", version.GetVersion().VersionNumber())
	if a.offline {
		a.logger.Warn("running in offline mode, some roles may not work")
	}

	if !a.Heartbeat(true) {
		a.logger.Error("failed to send heartbeat")
		return 1
	}

	a.StartEventPipeline()
	a.StartRoles()

	for {
		interval := time.Duration(a.config.HealthCheckInterval) * time.Second
		a.logger.Info("agent sleeping", "seconds", a.config.HealthCheckInterval)

		wake := make(chan struct{})
		go func() {
			a.sleep(interval)
			close(wake)
		}()
		select {
		case <-shutdownCh:
			a.shutdown()
			return 0
		case <-wake:
		}

		select {
		case <-shutdownCh:
			a.shutdown()
			return 0
		default:
		}

		if !a.Heartbeat(false) {
			a.shutdown()
			return 1
		}
	}
}

// policyRevision coerces the decoded revision number, which arrives as a
// float64 from JSON.
func policyRevision(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func (a *Agent) shutdown() {
	a.StopRoles(nil)
	if a.events != nil {
		a.events.Stop()
	}
	a.logger.Info("agent stopped")
}
