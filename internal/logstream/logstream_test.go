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

package logstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bifrosthq/bifrost/internal/tablestore/memory"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	return New(memory.New(TableSpec()))
}

func appendEntries(t *testing.T, s *Store, executionID string, base time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Append(context.Background(), &Entry{
			ExecutionID: executionID,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Sequence:    i + 1,
			Level:       LevelInfo,
			Message:     fmt.Sprintf("step %d", i+1),
			Source:      SourceWorkflow,
		})
		if err != nil {
			t.Fatalf("failed to append entry %d: %v", i+1, err)
		}
	}
}

func TestStore_AppendAndAll(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendEntries(t, s, "exec-1", base, 3)

	entries, err := s.All(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Sequence != i+1 {
			t.Errorf("position %d: expected sequence %d, got %d", i, i+1, entry.Sequence)
		}
		if entry.ExecutionLogID == "" {
			t.Errorf("expected log ID to be assigned")
		}
	}
	if entries[0].Message != "step 1" {
		t.Errorf("expected chronological order, got %q first", entries[0].Message)
	}
}

func TestStore_AppendValidation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, &Entry{Sequence: 1, Message: "no id"}); err == nil {
		t.Errorf("expected error for missing execution ID")
	}
	if err := s.Append(ctx, &Entry{ExecutionID: "exec-1", Message: "no sequence"}); err == nil {
		t.Errorf("expected error for missing sequence")
	}
}

func TestStore_SameMillisecondOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Identical timestamps resolve by sequence
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)
	for seq := 1; seq <= 3; seq++ {
		err := s.Append(ctx, &Entry{
			ExecutionID: "exec-1",
			Timestamp:   ts,
			Sequence:    seq,
			Level:       LevelInfo,
			Message:     fmt.Sprintf("burst %d", seq),
			Source:      SourceScript,
		})
		if err != nil {
			t.Fatalf("failed to append entry: %v", err)
		}
	}

	entries, err := s.All(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	for i, entry := range entries {
		if entry.Sequence != i+1 {
			t.Errorf("position %d: expected sequence %d, got %d", i, i+1, entry.Sequence)
		}
	}
}

func TestStore_Since(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendEntries(t, s, "exec-1", base, 5)

	entries, err := s.Since(ctx, "exec-1", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries since cutoff, got %d", len(entries))
	}
	if entries[0].Sequence != 3 {
		t.Errorf("expected first entry at sequence 3, got %d", entries[0].Sequence)
	}
}

func TestStore_Latest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendEntries(t, s, "exec-1", base, 10)

	entries, err := s.Latest(ctx, "exec-1", 4)
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	// Chronological order within the tail
	for i, want := range []int{7, 8, 9, 10} {
		if entries[i].Sequence != want {
			t.Errorf("position %d: expected sequence %d, got %d", i, want, entries[i].Sequence)
		}
	}

	// Asking for more than exists returns everything
	entries, err = s.Latest(ctx, "exec-1", 50)
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("expected 10 entries, got %d", len(entries))
	}
}

func TestStore_Count(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	count, err := s.Count(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 entries, got %d", count)
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendEntries(t, s, "exec-1", base, 6)

	count, err = s.Count(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to count entries: %v", err)
	}
	if count != 6 {
		t.Errorf("expected 6 entries, got %d", count)
	}
}

func TestStore_ExecutionIsolation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	appendEntries(t, s, "exec-1", base, 3)
	appendEntries(t, s, "exec-2", base, 2)

	entries, err := s.All(ctx, "exec-1")
	if err != nil {
		t.Fatalf("failed to read entries: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries for exec-1, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.ExecutionID != "exec-1" {
			t.Errorf("entry from foreign execution: %s", entry.ExecutionID)
		}
	}
}

func TestRowKeyFormat(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC)
	key := RowKey(ts, 7)
	want := "2026-03-01T10:00:00.123456Z-0007"
	if key != want {
		t.Errorf("expected %s, got %s", want, key)
	}
}
