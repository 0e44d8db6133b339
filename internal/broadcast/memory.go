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

package broadcast

import (
	"context"
	"sync"
)

// Event is what in-process subscribers receive.
type Event struct {
	Channel string
	Type    string
	Payload any
}

// Memory fans events out to in-process subscribers. Used by single-node
// deployments, the sync execution path and tests.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

// NewMemory creates a new in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{
		subscribers: make(map[string][]chan Event),
	}
}

// PublishExecution sends an executionUpdate to the execution's detail
// channel.
func (m *Memory) PublishExecution(ctx context.Context, update *ExecutionUpdate) error {
	m.publish(ExecutionChannel(update.ExecutionID), TypeExecutionUpdate, update)
	return nil
}

// PublishHistory sends an executionHistoryUpdate to a scope's history
// channel.
func (m *Memory) PublishHistory(ctx context.Context, scope string, update *HistoryUpdate) error {
	m.publish(HistoryChannel(scope), TypeExecutionHistoryUpdate, update)
	return nil
}

func (m *Memory) publish(channel, eventType string, payload any) {
	m.mu.RLock()
	subs := m.subscribers[channel]
	m.mu.RUnlock()

	event := Event{Channel: channel, Type: eventType, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up, skip
		}
	}
}

// Subscribe returns a channel receiving events for one channel name and
// an unsubscribe function.
func (m *Memory) Subscribe(channel string) (<-chan Event, func()) {
	ch := make(chan Event, 100)

	m.mu.Lock()
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	m.mu.Unlock()

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		subs := m.subscribers[channel]
		for i, sub := range subs {
			if sub == ch {
				m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}

	return ch, unsub
}

// SubscriberCount returns the number of subscribers on a channel.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[channel])
}

// Close drops all subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel, subs := range m.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subscribers, channel)
	}
	return nil
}

var _ Broadcaster = (*Memory)(nil)
