// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"sync"
)

// Queue is the in-memory FIFO between event producers and the spooler.
// Bounding is enforced by the EventManager's backpressure loop rather than
// by the queue itself, so a slow console never deadlocks producers holding
// the manager lock.
type Queue struct {
	mu     sync.Mutex
	events []*Event
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends an event.
func (q *Queue) Enqueue(e *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

// Dequeue removes and returns up to n events in arrival order.
func (q *Queue) Dequeue(n int) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.events) {
		n = len(q.events)
	}
	if n == 0 {
		return nil
	}

	batch := make([]*Event, n)
	copy(batch, q.events[:n])
	q.events = append(q.events[:0], q.events[n:]...)
	return batch
}

// Size returns the number of queued events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
