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
	"testing"
	"time"

	"github.com/bifrosthq/bifrost/internal/store"
)

func TestMemoryBroadcaster_ExecutionUpdates(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	ch, unsub := m.Subscribe(ExecutionChannel("exec-1"))
	defer unsub()

	update := &ExecutionUpdate{
		ExecutionID: "exec-1",
		Status:      store.StatusRunning,
		Timestamp:   time.Now().UTC(),
	}
	if err := m.PublishExecution(ctx, update); err != nil {
		t.Fatalf("PublishExecution failed: %v", err)
	}

	select {
	case event := <-ch:
		if event.Type != TypeExecutionUpdate {
			t.Errorf("Expected event type %s, got %s", TypeExecutionUpdate, event.Type)
		}
		if event.Channel != "execution:exec-1" {
			t.Errorf("Expected channel execution:exec-1, got %s", event.Channel)
		}
		got, ok := event.Payload.(*ExecutionUpdate)
		if !ok {
			t.Fatalf("Expected *ExecutionUpdate payload, got %T", event.Payload)
		}
		if got.Status != store.StatusRunning {
			t.Errorf("Expected status RUNNING, got %s", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryBroadcaster_HistoryUpdates(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	ch, unsub := m.Subscribe(HistoryChannel("org-7"))
	defer unsub()

	update := &HistoryUpdate{
		ExecutionID:    "exec-1",
		WorkflowName:   "billing_sync",
		Status:         store.StatusSuccess,
		ExecutedBy:     "user-1",
		ExecutedByName: "Ada",
	}
	if err := m.PublishHistory(ctx, "org-7", update); err != nil {
		t.Fatalf("PublishHistory failed: %v", err)
	}

	select {
	case event := <-ch:
		if event.Type != TypeExecutionHistoryUpdate {
			t.Errorf("Expected event type %s, got %s", TypeExecutionHistoryUpdate, event.Type)
		}
		got, ok := event.Payload.(*HistoryUpdate)
		if !ok {
			t.Fatalf("Expected *HistoryUpdate payload, got %T", event.Payload)
		}
		if got.WorkflowName != "billing_sync" {
			t.Errorf("Expected workflow billing_sync, got %s", got.WorkflowName)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestMemoryBroadcaster_ChannelIsolation(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	ch1, unsub1 := m.Subscribe(ExecutionChannel("exec-1"))
	defer unsub1()
	ch2, unsub2 := m.Subscribe(ExecutionChannel("exec-2"))
	defer unsub2()

	err := m.PublishExecution(ctx, &ExecutionUpdate{ExecutionID: "exec-1", Status: store.StatusRunning})
	if err != nil {
		t.Fatalf("PublishExecution failed: %v", err)
	}

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("Subscriber for exec-1 received nothing")
	}

	select {
	case event := <-ch2:
		t.Fatalf("Subscriber for exec-2 received foreign event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroadcaster_Unsubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	_, unsub := m.Subscribe(ExecutionChannel("exec-1"))
	if m.SubscriberCount(ExecutionChannel("exec-1")) != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", m.SubscriberCount(ExecutionChannel("exec-1")))
	}

	unsub()
	if m.SubscriberCount(ExecutionChannel("exec-1")) != 0 {
		t.Errorf("Expected 0 subscribers, got %d", m.SubscriberCount(ExecutionChannel("exec-1")))
	}

	// Publishing with no subscribers is fine.
	err := m.PublishExecution(ctx, &ExecutionUpdate{ExecutionID: "exec-1", Status: store.StatusRunning})
	if err != nil {
		t.Fatalf("PublishExecution failed: %v", err)
	}
}

func TestMemoryBroadcaster_SlowSubscriberDropped(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()

	ch, unsub := m.Subscribe(ExecutionChannel("exec-1"))
	defer unsub()

	// Flood past the subscriber buffer; publishing must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			_ = m.PublishExecution(ctx, &ExecutionUpdate{ExecutionID: "exec-1", Status: store.StatusRunning})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds what it could take; the rest was dropped.
	if got := len(ch); got != 100 {
		t.Errorf("Expected a full buffer of 100 events, got %d", got)
	}
}
