// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"encoding/json"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/helper"
)

const (
	// spoolerBulkSize caps how many events one bulk request carries.
	spoolerBulkSize = 100

	// spoolerPollPeriod is the idle sleep between drains of an empty queue.
	spoolerPollPeriod = time.Second
)

// BulkSender ships a batch of serialized events to the console. Satisfied by
// management.ManagementConnection.
type BulkSender interface {
	BulkEvents(events []json.RawMessage) bool
	URL() string
}

// Spooler drains the event queue in the background, batching events to the
// console's bulk endpoint. Failed batches are logged and dropped; durable
// spooling is out of scope for the in-memory pipeline.
type Spooler struct {
	queue  *Queue
	conn   BulkSender
	logger hclog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSpooler wires a spooler to a queue and console connection. Call Start
// to begin draining.
func NewSpooler(conn BulkSender, queue *Queue, logger hclog.Logger) *Spooler {
	if logger == nil {
		logger = hclog.Default()
	}
	return &Spooler{
		queue:  queue,
		conn:   conn,
		logger: logger.Named("spooler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (s *Spooler) Start() {
	s.logger.Info("event spooler started")
	go s.run()
}

// Stop signals the drain loop to exit. Unless called from inside the loop
// itself it waits for the loop to finish.
func (s *Spooler) Stop(fromSelf bool) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if !fromSelf {
		<-s.doneCh
	}
}

func (s *Spooler) run() {
	defer close(s.doneCh)

	timer, stop := helper.NewStoppedTimer()
	defer stop()

	for {
		batch := s.queue.Dequeue(spoolerBulkSize)
		if len(batch) > 0 {
			s.send(batch)
			continue
		}

		timer.Reset(spoolerPollPeriod)
		select {
		case <-s.stopCh:
			s.logger.Info("event spooler stopped")
			return
		case <-timer.C:
		}
	}
}

func (s *Spooler) send(batch []*Event) {
	payload := make([]json.RawMessage, 0, len(batch))
	for _, e := range batch {
		raw, err := e.JSON()
		if err != nil {
			s.logger.Error("failed to serialize event", "error", err)
			continue
		}
		payload = append(payload, raw)
	}
	if len(payload) == 0 {
		return
	}

	if s.conn.BulkEvents(payload) {
		s.logger.Info("sent events to console", "count", len(payload), "url", s.conn.URL())
	} else {
		s.logger.Warn("failed to send events to console", "count", len(payload), "url", s.conn.URL())
	}
}
