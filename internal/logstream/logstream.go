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

// Package logstream stores per-execution log entries.
//
// The table is partitioned by execution ID with row keys of
// "{iso-timestamp}-{sequence}", so chronological order is the natural
// key order and same-millisecond records stay stable. Entries are
// append-only; nothing here mutates or deletes.
package logstream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/tablestore"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
)

// Table is the log entry table name.
const Table = "execution_logs"

// Levels a log entry may carry. TRACEBACK is hidden from non-admin
// viewers.
const (
	LevelDebug     = "DEBUG"
	LevelInfo      = "INFO"
	LevelWarning   = "WARNING"
	LevelError     = "ERROR"
	LevelTraceback = "TRACEBACK"
)

// Sources a log entry may carry.
const (
	SourceWorkflow = "workflow"
	SourceScript   = "script"
	SourceSystem   = "system"
)

// Entry is one log record for an execution.
type Entry struct {
	ExecutionLogID string    `json:"execution_log_id"`
	ExecutionID    string    `json:"execution_id"`
	Timestamp      time.Time `json:"timestamp"`
	Sequence       int       `json:"sequence"`
	Level          string    `json:"level"`
	Message        string    `json:"message"`
	Source         string    `json:"source"`
}

// TableSpec declares the log table for the tablestore backend.
func TableSpec() tablestore.TableSpec {
	return tablestore.TableSpec{Name: Table}
}

// rowKeyTimeLayout renders timestamps at microsecond precision in UTC.
const rowKeyTimeLayout = "2006-01-02T15:04:05.000000Z"

// RowKey builds the ordered row key for an entry. The timestamp is
// rendered in UTC at microsecond precision; the four-digit sequence
// de-collides same-instant records and keeps assignment order.
func RowKey(timestamp time.Time, sequence int) string {
	return fmt.Sprintf("%s-%04d", timestamp.UTC().Format(rowKeyTimeLayout), sequence)
}

// Store appends and reads execution log entries.
type Store struct {
	table tablestore.Table
}

// New creates a log stream store. The tablestore must have been opened
// with TableSpec().
func New(ts tablestore.Store) *Store {
	return &Store{table: ts.Table(Table)}
}

// Append writes one entry synchronously. Entries must carry a positive
// sequence assigned by the caller's per-execution counter; the ID and
// timestamp are filled in when absent.
func (s *Store) Append(ctx context.Context, entry *Entry) error {
	if entry.ExecutionID == "" {
		return &bifrosterrors.ValidationError{Field: "execution_id", Message: "execution_id is required"}
	}
	if entry.Sequence <= 0 {
		return &bifrosterrors.ValidationError{Field: "sequence", Message: "sequence must be positive"}
	}
	if entry.ExecutionLogID == "" {
		entry.ExecutionLogID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Source == "" {
		entry.Source = SourceSystem
	}

	doc := map[string]any{
		"execution_log_id": entry.ExecutionLogID,
		"execution_id":     entry.ExecutionID,
		"timestamp":        entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"sequence":         entry.Sequence,
		"level":            entry.Level,
		"message":          entry.Message,
		"source":           entry.Source,
	}

	rowKey := RowKey(entry.Timestamp, entry.Sequence)
	if _, err := s.table.Insert(ctx, entry.ExecutionID, rowKey, doc); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Since returns entries at or after ts in chronological order, for
// incremental tailing. The bound is pushed into the row key range: keys
// carry a sequence suffix, so every entry stamped exactly ts sorts after
// the bare timestamp and is included.
func (s *Store) Since(ctx context.Context, executionID string, ts time.Time) ([]*Entry, error) {
	var entries []*Entry
	token := ""
	if !ts.IsZero() {
		token = tablestore.EncodeContinuation(ts.UTC().Format(rowKeyTimeLayout))
	}
	for {
		result, err := s.table.Query(ctx, executionID, tablestore.QueryOptions{
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query log entries: %w", err)
		}
		for _, entity := range result.Entities {
			entries = append(entries, entryFromEntity(entity))
		}
		if result.ContinuationToken == "" {
			break
		}
		token = result.ContinuationToken
	}
	return entries, nil
}

// Latest returns the most recent n entries in chronological order.
func (s *Store) Latest(ctx context.Context, executionID string, n int) ([]*Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	result, err := s.table.Query(ctx, executionID, tablestore.QueryOptions{
		Reverse: true,
		Limit:   n,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}

	// Reverse scan returns newest first; flip back to chronological.
	entries := make([]*Entry, len(result.Entities))
	for i, entity := range result.Entities {
		entries[len(entries)-1-i] = entryFromEntity(entity)
	}
	return entries, nil
}

// Count returns the number of entries recorded for an execution.
func (s *Store) Count(ctx context.Context, executionID string) (int, error) {
	count := 0
	token := ""
	for {
		result, err := s.table.Query(ctx, executionID, tablestore.QueryOptions{
			ContinuationToken: token,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to count log entries: %w", err)
		}
		count += len(result.Entities)
		if result.ContinuationToken == "" {
			break
		}
		token = result.ContinuationToken
	}
	return count, nil
}

// All returns every entry for an execution in chronological order. The
// consumer uses this to build the final log artifact at commit time.
func (s *Store) All(ctx context.Context, executionID string) ([]*Entry, error) {
	return s.Since(ctx, executionID, time.Time{})
}

func entryFromEntity(entity *tablestore.Entity) *Entry {
	doc := entity.Document

	entry := &Entry{
		ExecutionLogID: docString(doc, "execution_log_id"),
		ExecutionID:    docString(doc, "execution_id"),
		Sequence:       docInt(doc, "sequence"),
		Level:          docString(doc, "level"),
		Message:        docString(doc, "message"),
		Source:         docString(doc, "source"),
	}
	if ts := docString(doc, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
	}
	return entry
}

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docInt(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
