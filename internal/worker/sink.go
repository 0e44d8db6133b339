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

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/broadcast"
	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
)

// broadcastBuffer sizes the sink's event channel. Entries beyond a full
// buffer are dropped from broadcast only; they are always captured and
// persisted.
const broadcastBuffer = 256

// Sink is the execution-scoped slog.Handler. Records carrying a source
// attribute of workflow, script or system become numbered log entries;
// everything else (infrastructure SDK logging) is silenced. Sequence
// assignment, in-memory capture and synchronous persistence happen
// under one mutex so entry order is total; broadcasts are drained by a
// single goroutine from a buffered channel, so broadcast order equals
// assignment order.
//
// The persistence path reports its own failures through a separate
// plain logger, never through the sink itself.
type Sink struct {
	state *sinkState
	attrs []slog.Attr
}

type sinkState struct {
	executionID string
	persist     *logstream.Store
	notifier    *broadcast.Notifier
	plain       *slog.Logger

	mu      sync.Mutex
	seq     int
	entries []*logstream.Entry

	events    chan *logstream.Entry
	drained   chan struct{}
	closeOnce sync.Once
}

// NewSink creates a sink for one execution. A nil persist store skips
// persistence (transient executions); a nil notifier skips broadcasts.
func NewSink(executionID string, persist *logstream.Store, notifier *broadcast.Notifier, plain *slog.Logger) *Sink {
	if plain == nil {
		plain = slog.Default()
	}
	s := &sinkState{
		executionID: executionID,
		persist:     persist,
		notifier:    notifier,
		plain:       plain,
		events:      make(chan *logstream.Entry, broadcastBuffer),
		drained:     make(chan struct{}),
	}
	if notifier != nil {
		go s.drain()
	} else {
		close(s.drained)
	}
	return &Sink{state: s}
}

// Enabled accepts every level; filtering happens on the source attr.
func (s *Sink) Enabled(context.Context, slog.Level) bool { return true }

// Handle turns an accepted record into a numbered log entry.
func (s *Sink) Handle(ctx context.Context, record slog.Record) error {
	source := ""
	for _, a := range s.attrs {
		if a.Key == log.SourceKey {
			source = a.Value.String()
		}
	}
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == log.SourceKey {
			source = a.Value.String()
		}
		return true
	})
	switch source {
	case logstream.SourceWorkflow, logstream.SourceScript, logstream.SourceSystem:
	default:
		return nil
	}

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := &logstream.Entry{
		ExecutionLogID: uuid.NewString(),
		ExecutionID:    s.state.executionID,
		Timestamp:      ts.UTC(),
		Level:          log.LevelName(record.Level),
		Message:        record.Message,
		Source:         source,
	}

	// Entries written after cancellation or timeout must still land;
	// strip the deadline but keep the values.
	if ctx == nil {
		ctx = context.Background()
	} else {
		ctx = context.WithoutCancel(ctx)
	}

	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	entry.Sequence = st.seq
	st.entries = append(st.entries, entry)

	if st.persist != nil {
		if err := st.persist.Append(ctx, entry); err != nil {
			st.plain.Warn("failed to persist execution log entry",
				log.ExecutionIDKey, st.executionID, "sequence", entry.Sequence, log.Error(err))
		}
	}
	if st.notifier != nil {
		select {
		case st.events <- entry:
		default:
			st.plain.Warn("log broadcast buffer full, dropping entry",
				log.ExecutionIDKey, st.executionID, "sequence", entry.Sequence)
		}
	}
	return nil
}

// WithAttrs returns a sink that considers the bound attributes when
// resolving the record source.
func (s *Sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make([]slog.Attr, 0, len(s.attrs)+len(attrs))
	bound = append(bound, s.attrs...)
	bound = append(bound, attrs...)
	return &Sink{state: s.state, attrs: bound}
}

// WithGroup flattens groups; grouping has no meaning for captured
// execution logs.
func (s *Sink) WithGroup(string) slog.Handler { return s }

// Entries returns the captured entries in sequence order.
func (s *Sink) Entries() []*logstream.Entry {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*logstream.Entry, len(st.entries))
	copy(out, st.entries)
	return out
}

// Close stops the broadcast drain after the queued events flush.
// The sink stays usable for capture afterwards.
func (s *Sink) Close() {
	st := s.state
	st.closeOnce.Do(func() { close(st.events) })
	<-st.drained
}

func (st *sinkState) drain() {
	defer close(st.drained)
	for entry := range st.events {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		st.notifier.ExecutionUpdated(ctx, &broadcast.ExecutionUpdate{
			ExecutionID: st.executionID,
			Status:      store.StatusRunning,
			Timestamp:   entry.Timestamp,
			LatestLogs:  []*logstream.Entry{entry},
		})
		cancel()
	}
}

var _ slog.Handler = (*Sink)(nil)
