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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
)

type failingBroadcaster struct {
	calls int
}

func (f *failingBroadcaster) PublishExecution(ctx context.Context, update *ExecutionUpdate) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingBroadcaster) PublishHistory(ctx context.Context, scope string, update *HistoryUpdate) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingBroadcaster) Close() error { return nil }

type capturingBroadcaster struct {
	executions []*ExecutionUpdate
	histories  []*HistoryUpdate
}

func (c *capturingBroadcaster) PublishExecution(ctx context.Context, update *ExecutionUpdate) error {
	c.executions = append(c.executions, update)
	return nil
}

func (c *capturingBroadcaster) PublishHistory(ctx context.Context, scope string, update *HistoryUpdate) error {
	c.histories = append(c.histories, update)
	return nil
}

func (c *capturingBroadcaster) Close() error { return nil }

func TestNotifier_SwallowsFailures(t *testing.T) {
	ctx := context.Background()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	failing := &failingBroadcaster{}
	n := NewNotifier(failing, logger)

	for i := 0; i < 10; i++ {
		n.ExecutionUpdated(ctx, &ExecutionUpdate{ExecutionID: "exec-1", Status: store.StatusRunning})
	}

	if failing.calls != 10 {
		t.Errorf("Expected 10 publish attempts, got %d", failing.calls)
	}

	// The limiter admits a burst of 3 warnings, then throttles.
	warns := strings.Count(buf.String(), "execution broadcast failed")
	if warns != 3 {
		t.Errorf("Expected 3 rate-limited warnings, got %d", warns)
	}
}

func TestNotifier_StampsTimestamp(t *testing.T) {
	ctx := context.Background()

	capturing := &capturingBroadcaster{}
	n := NewNotifier(capturing, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	n.HistoryUpdated(ctx, "org-7", &HistoryUpdate{ExecutionID: "exec-1", Status: store.StatusPending})

	if len(capturing.histories) != 1 {
		t.Fatalf("Expected 1 history event, got %d", len(capturing.histories))
	}
	if capturing.histories[0].Timestamp.IsZero() {
		t.Error("Expected Notifier to stamp a timestamp")
	}
}

func TestNotifier_TrimsLogTail(t *testing.T) {
	ctx := context.Background()

	capturing := &capturingBroadcaster{}
	n := NewNotifier(capturing, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	logs := make([]*logstream.Entry, 0, 60)
	for i := 1; i <= 60; i++ {
		logs = append(logs, &logstream.Entry{
			ExecutionID: "exec-1",
			Sequence:    i,
			Level:       logstream.LevelInfo,
			Message:     fmt.Sprintf("line %d", i),
			Timestamp:   time.Now().UTC(),
		})
	}

	n.ExecutionUpdated(ctx, &ExecutionUpdate{
		ExecutionID: "exec-1",
		Status:      store.StatusRunning,
		LatestLogs:  logs,
	})

	if len(capturing.executions) != 1 {
		t.Fatalf("Expected 1 execution event, got %d", len(capturing.executions))
	}
	got := capturing.executions[0].LatestLogs
	if len(got) != MaxLatestLogs {
		t.Fatalf("Expected log tail capped at %d, got %d", MaxLatestLogs, len(got))
	}
	if got[0].Sequence != 11 {
		t.Errorf("Expected tail to keep the newest entries, first sequence = %d", got[0].Sequence)
	}
}
