// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"strconv"
	"sync"
)

type memoryEntry struct {
	id       string
	msg      *Message
	attempts int64
}

// Memory is an in-memory queue implementation for tests and single-node
// deployments. Delivery bookkeeping mirrors the broker-backed queue:
// dequeued entries stay pending until acked, nacked entries requeue, and
// entries past the poison threshold only surface through Poisoned.
type Memory struct {
	mu       sync.Mutex
	ready    []*memoryEntry
	pending  map[string]*memoryEntry
	nextID   int64
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex

	maxDeliveries int64
}

// MemoryConfig holds in-memory queue settings.
type MemoryConfig struct {
	// MaxDeliveries is the poison threshold. Defaults to
	// DefaultMaxDeliveries.
	MaxDeliveries int
}

// NewMemory creates a new in-memory queue.
func NewMemory(cfg MemoryConfig) *Memory {
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Memory{
		ready:         make([]*memoryEntry, 0),
		pending:       make(map[string]*memoryEntry),
		signal:        make(chan struct{}, 1),
		maxDeliveries: int64(maxDeliveries),
	}
}

// Enqueue adds a message to the queue.
func (q *Memory) Enqueue(ctx context.Context, msg *Message) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	q.nextID++
	q.ready = append(q.ready, &memoryEntry{
		id:  strconv.FormatInt(q.nextID, 10),
		msg: msg,
	})
	q.mu.Unlock()

	// Signal that a message is available
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next deliverable message. Entries at
// the poison threshold are skipped and left for Poisoned.
func (q *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		for i, e := range q.ready {
			if e.attempts >= q.maxDeliveries {
				continue
			}
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			e.attempts++
			q.pending[e.id] = e
			q.mu.Unlock()
			return &Delivery{ID: e.id, Attempts: e.attempts, Message: e.msg}, nil
		}
		q.mu.Unlock()

		// Wait for a message or context cancellation
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// Message may be available, loop again
		}
	}
}

// Ack removes a processed delivery. Acking an unknown delivery is a
// no-op so redeliveries can be acked blindly.
func (q *Memory) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, d.ID)
	return nil
}

// Nack returns a pending delivery to the queue for redelivery.
func (q *Memory) Nack(ctx context.Context, d *Delivery) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	e, ok := q.pending[d.ID]
	if ok {
		delete(q.pending, d.ID)
		q.ready = append(q.ready, e)
	}
	q.mu.Unlock()

	if ok {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Poisoned claims queued entries that reached the poison threshold.
func (q *Memory) Poisoned(ctx context.Context, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = DefaultPoisonBatch
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []*Delivery
	remaining := q.ready[:0]
	for _, e := range q.ready {
		if len(claimed) < limit && e.attempts >= q.maxDeliveries {
			e.attempts++
			q.pending[e.id] = e
			claimed = append(claimed, &Delivery{ID: e.id, Attempts: e.attempts, Message: e.msg})
			continue
		}
		remaining = append(remaining, e)
	}
	q.ready = remaining
	return claimed, nil
}

// Len returns the number of messages waiting for delivery.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Close closes the queue.
func (q *Memory) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

var _ Queue = (*Memory)(nil)
