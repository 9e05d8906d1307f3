// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrManagerInitialized is returned by Initialize on a manager that
	// already has a console connection.
	ErrManagerInitialized = errors.New("event manager already initialized")

	// ErrManagerNotInitialized is returned by PrepareEvents before
	// Initialize has run.
	ErrManagerNotInitialized = errors.New("event manager not initialized")
)

const (
	// defaultMaxSpooledEvents is the queue depth above which producers are
	// held back.
	defaultMaxSpooledEvents = 10_000

	// dedupCacheSize bounds the dedup cache independent of its TTL.
	dedupCacheSize = 10_000
)

// ManagerConfig parameterizes NewManager.
type ManagerConfig struct {
	Logger hclog.Logger

	// MaxSpooledEvents overrides the backpressure bound.
	MaxSpooledEvents int

	// CacheKey selects the event field used for deduplication. Default
	// "signature".
	CacheKey string

	// CacheTTL is how long a cache key suppresses duplicates, in minutes.
	CacheTTL int

	// DisableCacheCheck turns deduplication off entirely.
	DisableCacheCheck bool
}

// PrepareOptions carries the per-call parsing configuration for
// PrepareEvents. All fields are optional.
type PrepareOptions struct {
	BaseFields        *BaseFields
	SignatureFields   []string
	ObservableMapping []ObservableMapping
	SourceField       string
	SeverityMap       map[string]int

	// Source labels events built from raw records. Defaults to "Unknown".
	Source string
}

// Manager is the facade event producers publish through. It owns the queue
// and the spooler, applies backpressure when the console falls behind, and
// drops events recently seen per the dedup cache.
type Manager struct {
	logger hclog.Logger

	mu          sync.Mutex
	initialized bool
	conn        BulkSender
	spooler     *Spooler

	queue            *Queue
	maxSpooledEvents int

	// backPressure scales the stall sleep and is bumped concurrently by
	// every producer goroutine caught in the hold loop.
	backPressure atomic.Int64

	cacheKey     string
	disableCache bool
	cache        *expirable.LRU[string, struct{}]

	// sleep is swapped out by tests exercising backpressure.
	sleep func(time.Duration)
}

// NewManager builds an uninitialized manager; Initialize attaches the
// console connection and starts the spooler.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	maxSpooled := cfg.MaxSpooledEvents
	if maxSpooled <= 0 {
		maxSpooled = defaultMaxSpooledEvents
	}

	cacheKey := cfg.CacheKey
	if cacheKey == "" {
		cacheKey = "signature"
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30
	}

	m := &Manager{
		logger:           logger.Named("event_manager"),
		queue:            NewQueue(),
		maxSpooledEvents: maxSpooled,
		cacheKey:         cacheKey,
		disableCache:     cfg.DisableCacheCheck,
		cache: expirable.NewLRU[string, struct{}](
			dedupCacheSize, nil, time.Duration(cacheTTL)*time.Minute),
		sleep: time.Sleep,
	}
	m.backPressure.Store(1)
	return m
}

// Initialize attaches the console connection and starts the spooler. It may
// run once per manager.
func (m *Manager) Initialize(conn BulkSender) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return ErrManagerInitialized
	}

	m.conn = conn
	m.spooler = NewSpooler(conn, m.queue, m.logger)
	m.spooler.Start()
	m.initialized = true
	m.logger.Info("event manager initialized")
	return nil
}

// Initialized reports whether Initialize has run.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// QueueSize returns the number of events awaiting the spooler.
func (m *Manager) QueueSize() int { return m.queue.Size() }

// Stop shuts the spooler down. Safe on an uninitialized manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	spooler := m.spooler
	m.mu.Unlock()

	if spooler != nil {
		spooler.Stop(false)
	}
}

// PrepareEvents turns raw records into Events and enqueues them for the
// spooler. Ready *Event values pass through untouched; map records are
// parsed per opts. Producers stall while the queue is above the spooled
// bound, sleeping progressively longer until the spooler catches up.
func (m *Manager) PrepareEvents(opts PrepareOptions, events ...any) error {
	if !m.Initialized() {
		return ErrManagerNotInitialized
	}

	source := opts.Source
	if source == "" {
		source = "Unknown"
	}

	for m.queue.Size() > m.maxSpooledEvents {
		stall := m.backPressure.Add(1)
		m.logger.Warn("event queue is full, holding events until queue is free",
			"queued", m.queue.Size(), "back_pressure", stall)
		m.sleep(time.Duration(stall) * time.Second)
	}
	m.backPressure.Store(1)

	for _, item := range events {
		var e *Event
		switch v := item.(type) {
		case *Event:
			e = v
		case Event:
			e = &v
		case map[string]any:
			built, err := NewEvent(Config{
				Source:            source,
				Data:              v,
				SourceField:       opts.SourceField,
				BaseFields:        opts.BaseFields,
				SignatureFields:   opts.SignatureFields,
				ObservableMapping: opts.ObservableMapping,
				SeverityMap:       opts.SeverityMap,
			})
			if err != nil {
				m.logger.Error("failed to build event from record", "error", err)
				continue
			}
			e = built
		default:
			m.logger.Error("unsupported event payload", "type", hclog.Fmt("%T", item))
			continue
		}

		if m.isDuplicate(e) {
			continue
		}
		m.queue.Enqueue(e)
	}
	return nil
}

// isDuplicate records the event's cache key and reports whether it was
// already seen within the cache TTL.
func (m *Manager) isDuplicate(e *Event) bool {
	if m.disableCache {
		return false
	}
	key := e.CacheValue(m.cacheKey)
	if key == "" {
		return false
	}
	if _, ok := m.cache.Get(key); ok {
		m.logger.Debug("dropping duplicate event", "cache_key", m.cacheKey, "value", key)
		return true
	}
	m.cache.Add(key, struct{}{})
	return false
}
