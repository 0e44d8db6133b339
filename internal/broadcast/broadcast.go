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

// Package broadcast pushes execution progress to real-time subscribers.
//
// Two channel families exist: "execution:{id}" carries per-log
// executionUpdate events for detail views, and "history:{scope}" carries
// executionHistoryUpdate events for list views. Delivery is best-effort;
// executions never fail because a broadcast did.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/bifrosthq/bifrost/internal/logstream"
	"github.com/bifrosthq/bifrost/internal/store"
)

// Event type names as subscribers see them.
const (
	TypeExecutionUpdate        = "executionUpdate"
	TypeExecutionHistoryUpdate = "executionHistoryUpdate"
)

// ExecutionChannel names the detail-view channel for one execution.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// HistoryChannel names the list-view channel for one scope.
func HistoryChannel(scope string) string {
	return "history:" + scope
}

// MaxLatestLogs caps the log tail attached to an executionUpdate.
const MaxLatestLogs = 50

// ExecutionUpdate is the detail-view event payload.
type ExecutionUpdate struct {
	ExecutionID string             `json:"executionId"`
	Status      store.Status       `json:"status"`
	IsComplete  bool               `json:"isComplete"`
	Timestamp   time.Time          `json:"timestamp"`
	LatestLogs  []*logstream.Entry `json:"latestLogs,omitempty"`
}

// HistoryUpdate is the list-view event payload.
type HistoryUpdate struct {
	ExecutionID    string       `json:"executionId"`
	WorkflowName   string       `json:"workflowName"`
	Status         store.Status `json:"status"`
	ExecutedBy     string       `json:"executedBy"`
	ExecutedByName string       `json:"executedByName"`
	StartedAt      time.Time    `json:"startedAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	DurationMs     int64        `json:"durationMs,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Broadcaster delivers events to subscribers.
type Broadcaster interface {
	// PublishExecution sends an executionUpdate to the execution's
	// detail channel.
	PublishExecution(ctx context.Context, update *ExecutionUpdate) error

	// PublishHistory sends an executionHistoryUpdate to a scope's
	// history channel.
	PublishHistory(ctx context.Context, scope string, update *HistoryUpdate) error

	// Close releases subscriber resources.
	Close() error
}

// Notifier wraps a Broadcaster with the fire-and-forget semantics the
// execution path needs: publish failures are swallowed and logged at
// warning, rate limited so a dead broker does not flood the log.
type Notifier struct {
	broadcaster Broadcaster
	logger      *slog.Logger
	warnLimit   *rate.Limiter
}

// NewNotifier creates a Notifier. A nil logger falls back to
// slog.Default().
func NewNotifier(b Broadcaster, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		broadcaster: b,
		logger:      logger,
		warnLimit:   rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// ExecutionUpdated publishes a detail-view event. The timestamp is
// stamped here when the caller left it zero.
func (n *Notifier) ExecutionUpdated(ctx context.Context, update *ExecutionUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	if len(update.LatestLogs) > MaxLatestLogs {
		update.LatestLogs = update.LatestLogs[len(update.LatestLogs)-MaxLatestLogs:]
	}
	if err := n.broadcaster.PublishExecution(ctx, update); err != nil {
		n.warn("execution broadcast failed", "execution_id", update.ExecutionID, "error", err)
	}
}

// HistoryUpdated publishes a list-view event.
func (n *Notifier) HistoryUpdated(ctx context.Context, scope string, update *HistoryUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}
	if err := n.broadcaster.PublishHistory(ctx, scope, update); err != nil {
		n.warn("history broadcast failed", "scope", scope, "execution_id", update.ExecutionID, "error", err)
	}
}

func (n *Notifier) warn(msg string, args ...any) {
	if n.warnLimit.Allow() {
		n.logger.Warn(msg, args...)
	}
}

// envelope is the wire form shared by the broker-backed implementations.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}
