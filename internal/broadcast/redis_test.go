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
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bifrosthq/bifrost/internal/store"
)

func TestRedisBroadcaster_ExecutionUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()

	sub := rdb.Subscribe(ctx, ExecutionChannel("exec-1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b := NewRedis(rdb)
	update := &ExecutionUpdate{
		ExecutionID: "exec-1",
		Status:      store.StatusRunning,
		Timestamp:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := b.PublishExecution(ctx, update); err != nil {
		t.Fatalf("PublishExecution failed: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if msg.Channel != "execution:exec-1" {
		t.Errorf("Expected channel execution:exec-1, got %s", msg.Channel)
	}

	var got struct {
		Event string          `json:"event"`
		Data  ExecutionUpdate `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if got.Event != TypeExecutionUpdate {
		t.Errorf("Expected event %s, got %s", TypeExecutionUpdate, got.Event)
	}
	if got.Data.ExecutionID != "exec-1" || got.Data.Status != store.StatusRunning {
		t.Errorf("Payload mangled in transit: %+v", got.Data)
	}
}

func TestRedisBroadcaster_HistoryUpdate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()

	sub := rdb.Subscribe(ctx, HistoryChannel("org-7"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b := NewRedis(rdb)
	update := &HistoryUpdate{
		ExecutionID:    "exec-1",
		WorkflowName:   "billing_sync",
		Status:         store.StatusSuccess,
		ExecutedBy:     "user-1",
		ExecutedByName: "Ada",
		DurationMs:     1200,
	}
	if err := b.PublishHistory(ctx, "org-7", update); err != nil {
		t.Fatalf("PublishHistory failed: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}

	var got struct {
		Event string        `json:"event"`
		Data  HistoryUpdate `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	if got.Event != TypeExecutionHistoryUpdate {
		t.Errorf("Expected event %s, got %s", TypeExecutionHistoryUpdate, got.Event)
	}
	if got.Data.WorkflowName != "billing_sync" || got.Data.DurationMs != 1200 {
		t.Errorf("Payload mangled in transit: %+v", got.Data)
	}
}
