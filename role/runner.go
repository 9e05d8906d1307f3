// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package role

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/helper"
)

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	// DisableRunLoop makes the runner call Main exactly once. Roles that
	// block for their whole lifetime (listeners) set this.
	DisableRunLoop bool

	// MaxLoopCount stops the runner after that many iterations when
	// positive. Used by tests.
	MaxLoopCount int

	Logger hclog.Logger
}

// Runner owns a role's loop and lifecycle. Stop signaling, iteration pacing
// and connection sharing live here so role implementations cannot override
// them.
type Runner struct {
	role   Role
	deps   *Deps
	logger hclog.Logger

	disableRunLoop bool
	maxLoopCount   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// LoopDisabler is implemented by roles whose Main blocks for the role's
// whole lifetime. The runner calls them exactly once.
type LoopDisabler interface {
	DisableRunLoop() bool
}

// NewRunner binds a role to its dependencies. Call Start to launch it.
func NewRunner(role Role, deps *Deps, cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	if d, ok := role.(LoopDisabler); ok && d.DisableRunLoop() {
		cfg.DisableRunLoop = true
	}
	return &Runner{
		role:           role,
		deps:           deps,
		logger:         logger.Named(role.Shortname()),
		disableRunLoop: cfg.DisableRunLoop,
		maxLoopCount:   cfg.MaxLoopCount,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Role returns the wrapped role.
func (r *Runner) Role() Role { return r.role }

// Running reports whether the loop is live.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start launches the role's loop. Starting a runner twice is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.logger.Info("role started")
	go r.run()
}

// Stop signals the loop to exit and, unless called from inside the role
// itself, waits for it to finish. Safe to call more than once.
func (r *Runner) Stop(fromSelf bool) {
	r.mu.Lock()
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	started := r.running
	r.mu.Unlock()

	if started && !fromSelf {
		<-r.doneCh
	}
}

func (r *Runner) run() {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(r.doneCh)
		r.logger.Info("role stopped")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	timer, stop := helper.NewStoppedTimer()
	defer stop()

	iterations := 0
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if err := r.role.Main(ctx); err != nil {
			r.logger.Error("role iteration failed", "error", err)
		}
		iterations++

		if r.disableRunLoop {
			return
		}
		if r.maxLoopCount > 0 && iterations >= r.maxLoopCount {
			return
		}

		timer.Reset(r.deps.Config.WaitInterval())
		select {
		case <-r.stopCh:
			return
		case <-timer.C:
		}
	}
}
