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

// Package store manages execution records and their derived indexes.
//
// The primary table is partitioned by scope with reverse-timestamp row
// keys, so an ascending scan returns newest executions first. Four
// index families live in a second table under a single GLOBAL
// partition: by user, by workflow, by form, and by active status. Index
// rows carry denormalized display projections so list views never join
// back to the primary record.
//
// Index writes are best effort. A failure after the primary write is
// logged, not rolled back; read paths tolerate missing index rows by
// querying the primary partition on execution_id.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bifrosthq/bifrost/internal/log"
	"github.com/bifrosthq/bifrost/internal/objectstore"
	"github.com/bifrosthq/bifrost/internal/tablestore"
	bifrosterrors "github.com/bifrosthq/bifrost/pkg/errors"
)

const (
	// ExecutionsTable holds primary records, partitioned by scope.
	ExecutionsTable = "executions"

	// IndexTable holds all index rows under IndexPartition.
	IndexTable = "execution_index"

	// IndexPartition is the fixed partition for index rows.
	IndexPartition = "GLOBAL"

	// ScopeGlobal is the scope executions run under when no
	// organization is attached to the request.
	ScopeGlobal = "GLOBAL"
)

// InlineResultLimit is the largest serialized result stored inline on
// the record. Anything bigger spills to object storage.
const InlineResultLimit = 1 << 10

// Stuck-execution detection defaults.
const (
	DefaultPendingTimeout = 10 * time.Minute
	DefaultRunningTimeout = 30 * time.Minute
)

// reverseEpochMax inverts unix milliseconds so newer executions sort
// first under ascending row key order.
const reverseEpochMax = 9_999_999_999_999

// TableSpecs declares the tables the manager requires. Pass these to
// the tablestore backend constructor.
func TableSpecs() []tablestore.TableSpec {
	return []tablestore.TableSpec{
		{Name: ExecutionsTable, IndexFields: []string{fieldExecutionID, fieldStatus}},
		{Name: IndexTable, IndexFields: []string{fieldExecutionID}},
	}
}

// Row key constructors. Formats are part of the storage contract.

// PrimaryRowKey builds the reverse-timestamp row key for a record.
func PrimaryRowKey(createdAt time.Time, executionID string) string {
	return fmt.Sprintf("execution:%013d_%s", reverseEpochMax-createdAt.UnixMilli(), executionID)
}

// UserIndexKey builds the per-user index row key.
func UserIndexKey(userID, executionID string) string {
	return fmt.Sprintf("userexec:%s:%s", userID, executionID)
}

// WorkflowIndexKey builds the per-workflow index row key.
func WorkflowIndexKey(workflowName, scope, executionID string) string {
	return fmt.Sprintf("workflowexec:%s:%s:%s", workflowName, scope, executionID)
}

// FormIndexKey builds the per-form index row key.
func FormIndexKey(formID, executionID string) string {
	return fmt.Sprintf("formexec:%s:%s", formID, executionID)
}

// StatusIndexKey builds the active-status index row key.
func StatusIndexKey(status Status, executionID string) string {
	return fmt.Sprintf("status:%s:%s", status, executionID)
}

// Page selects a window of a list operation.
type Page struct {
	// Limit bounds the page size. Zero means the backend default.
	Limit int

	// Token resumes a previous page. Empty starts from the beginning.
	Token string
}

// Manager implements the execution record contract on a tablestore and
// an objectstore.
type Manager struct {
	executions tablestore.Table
	index      tablestore.Table
	objects    objectstore.Store
	logger     *slog.Logger
}

// NewManager creates a record manager. The tablestore must have been
// opened with TableSpecs().
func NewManager(ts tablestore.Store, objects objectstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		executions: ts.Table(ExecutionsTable),
		index:      ts.Table(IndexTable),
		objects:    objects,
		logger:     log.WithComponent(logger, "store"),
	}
}

// Create writes a new execution record and its index rows.
//
// Write order is primary record, user index, workflow index, status
// index, form index. Index failures after the primary write are logged
// and not rolled back.
func (m *Manager) Create(ctx context.Context, e *Execution) (*Execution, error) {
	if e.ExecutionID == "" {
		return nil, &bifrosterrors.ValidationError{Field: "execution_id", Message: "execution_id is required"}
	}
	if e.Scope == "" {
		return nil, &bifrosterrors.ValidationError{Field: "scope", Message: "scope is required"}
	}
	if !e.Status.Valid() {
		return nil, &bifrosterrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", e.Status)}
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.rowKey = PrimaryRowKey(now, e.ExecutionID)

	entity, err := m.executions.Insert(ctx, e.Scope, e.rowKey, docFromExecution(e))
	if err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}
	e.etag = entity.ETag

	// Index writes are best effort from here on.
	proj := docFromProjection(e.projection())
	m.writeIndex(ctx, e.ExecutionID, UserIndexKey(e.Caller.UserID, e.ExecutionID), proj)
	m.writeIndex(ctx, e.ExecutionID, WorkflowIndexKey(e.WorkflowName, e.Scope, e.ExecutionID), proj)
	if e.Status.IsActive() {
		m.writeIndex(ctx, e.ExecutionID, StatusIndexKey(e.Status, e.ExecutionID), proj)
	}
	if e.FormID != "" {
		m.writeIndex(ctx, e.ExecutionID, FormIndexKey(e.FormID, e.ExecutionID), proj)
	}

	return e, nil
}

// Update re-reads the record, applies mutate, and writes it back under
// optimistic concurrency. Terminal records reject status changes.
// Results larger than the inline threshold spill to object storage
// before the record is written. Index projections are refreshed and the
// status index row is swapped on transitions.
//
// An etag conflict surfaces as a ConcurrencyError and is not retried
// here; callers decide whether to retry.
func (m *Manager) Update(ctx context.Context, executionID, scope string, mutate func(*Execution) error) (*Execution, error) {
	current, err := m.Get(ctx, executionID, scope)
	if err != nil {
		return nil, err
	}
	oldStatus := current.Status

	if err := mutate(current); err != nil {
		return nil, err
	}

	// Identity fields are immutable regardless of what mutate did.
	current.ExecutionID = executionID
	current.Scope = scope

	if !current.Status.Valid() {
		return nil, &bifrosterrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", current.Status)}
	}
	if oldStatus.IsTerminal() && current.Status != oldStatus {
		return nil, &bifrosterrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("execution is %s and cannot transition to %s", oldStatus, current.Status),
		}
	}

	// Stamp completion on entry to a terminal status.
	if current.Status.IsTerminal() && current.CompletedAt == nil {
		completed := time.Now().UTC().Truncate(time.Millisecond)
		current.CompletedAt = &completed
		current.DurationMs = completed.Sub(current.StartedAt).Milliseconds()
	}

	if err := m.spillResult(ctx, current); err != nil {
		return nil, err
	}

	entity, err := m.executions.Update(ctx, scope, current.rowKey, docFromExecution(current), current.etag)
	if err != nil {
		if errors.Is(err, tablestore.ErrConflict) {
			return nil, &bifrosterrors.ConcurrencyError{Partition: scope, RowKey: current.rowKey}
		}
		return nil, fmt.Errorf("failed to update execution record: %w", err)
	}
	current.etag = entity.ETag

	m.refreshIndexes(ctx, current, oldStatus)

	return current, nil
}

// Get retrieves one execution by ID within a scope.
//
// The primary row key embeds the creation timestamp, so point reads go
// through the execution_id field index on the scope partition. This is
// also why readers survive missing index rows.
func (m *Manager) Get(ctx context.Context, executionID, scope string) (*Execution, error) {
	result, err := m.executions.Query(ctx, scope, tablestore.QueryOptions{
		FieldEquals: map[string]string{fieldExecutionID: executionID},
		Limit:       1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	if len(result.Entities) == 0 {
		return nil, &bifrosterrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return executionFromEntity(result.Entities[0]), nil
}

// GetStatus retrieves only the current status of an execution.
func (m *Manager) GetStatus(ctx context.Context, executionID, scope string) (Status, error) {
	e, err := m.Get(ctx, executionID, scope)
	if err != nil {
		return "", err
	}
	return e.Status, nil
}

// ListByUser returns display projections for a user's executions.
func (m *Manager) ListByUser(ctx context.Context, userID string, page Page) ([]*Projection, string, error) {
	return m.listIndex(ctx, "userexec:"+userID+":", page)
}

// ListByWorkflow returns display projections for a workflow within a
// scope.
func (m *Manager) ListByWorkflow(ctx context.Context, workflowName, scope string, page Page) ([]*Projection, string, error) {
	return m.listIndex(ctx, "workflowexec:"+workflowName+":"+scope+":", page)
}

// ListByForm returns display projections for a form correlation.
func (m *Manager) ListByForm(ctx context.Context, formID string, page Page) ([]*Projection, string, error) {
	return m.listIndex(ctx, "formexec:"+formID+":", page)
}

// ListByScope returns full records for a scope, newest first.
func (m *Manager) ListByScope(ctx context.Context, scope string, page Page) ([]*Execution, string, error) {
	result, err := m.executions.Query(ctx, scope, tablestore.QueryOptions{
		Prefix:            "execution:",
		Limit:             page.Limit,
		ContinuationToken: page.Token,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list executions: %w", err)
	}

	executions := make([]*Execution, 0, len(result.Entities))
	for _, entity := range result.Entities {
		executions = append(executions, executionFromEntity(entity))
	}
	return executions, result.ContinuationToken, nil
}

// GetStuck returns projections for executions that have sat in PENDING
// or RUNNING past their timeout. Zero timeouts select the defaults.
// Only the status index is scanned, never the primary table.
func (m *Manager) GetStuck(ctx context.Context, pendingTimeout, runningTimeout time.Duration) ([]*Projection, error) {
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	if runningTimeout <= 0 {
		runningTimeout = DefaultRunningTimeout
	}

	now := time.Now().UTC()
	var stuck []*Projection

	for _, probe := range []struct {
		status  Status
		timeout time.Duration
	}{
		{StatusPending, pendingTimeout},
		{StatusRunning, runningTimeout},
	} {
		cutoff := now.Add(-probe.timeout)
		token := ""
		for {
			result, err := m.index.Query(ctx, IndexPartition, tablestore.QueryOptions{
				Prefix:            "status:" + string(probe.status) + ":",
				ContinuationToken: token,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to scan status index: %w", err)
			}
			for _, entity := range result.Entities {
				proj := projectionFromEntity(entity)
				if !proj.StartedAt.IsZero() && proj.StartedAt.Before(cutoff) {
					stuck = append(stuck, proj)
				}
			}
			if result.ContinuationToken == "" {
				break
			}
			token = result.ContinuationToken
		}
	}

	return stuck, nil
}

// SaveArtifacts writes the large per-execution payloads to object
// storage. Nil members are skipped.
func (m *Manager) SaveArtifacts(ctx context.Context, executionID string, a Artifacts) error {
	put := func(key string, v any) error {
		if v == nil {
			return nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize artifact %s: %w", key, err)
		}
		if err := m.objects.Put(ctx, key, data, objectstore.ContentTypeJSON); err != nil {
			return fmt.Errorf("failed to store artifact %s: %w", key, err)
		}
		return nil
	}

	if err := put(objectstore.LogsKey(executionID), a.Logs); err != nil {
		return err
	}
	if err := put(objectstore.VariablesKey(executionID), a.Variables); err != nil {
		return err
	}
	return put(objectstore.SnapshotKey(executionID), a.Snapshot)
}

// GetResult loads the result payload, following the object store
// reference when the record spilled it.
func (m *Manager) GetResult(ctx context.Context, e *Execution) (any, error) {
	if !e.ResultInObjectStore {
		return e.Result, nil
	}

	for _, format := range []string{"json", "html", "txt"} {
		data, err := m.objects.Get(ctx, objectstore.ResultKey(e.ExecutionID, format))
		if errors.Is(err, objectstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load result: %w", err)
		}
		if format == "json" {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, fmt.Errorf("failed to parse result: %w", err)
			}
			return v, nil
		}
		return string(data), nil
	}

	return nil, &bifrosterrors.NotFoundError{Resource: "execution result", ID: e.ExecutionID}
}

// spillResult moves an oversized inline result to object storage and
// marks the record accordingly.
func (m *Manager) spillResult(ctx context.Context, e *Execution) error {
	if e.Result == nil || e.ResultInObjectStore {
		return nil
	}

	payload, format, err := resultPayload(e.Result)
	if err != nil {
		return err
	}
	if len(payload) <= InlineResultLimit {
		return nil
	}

	key := objectstore.ResultKey(e.ExecutionID, format)
	if err := m.objects.Put(ctx, key, payload, objectstore.ContentTypeFor(format)); err != nil {
		return fmt.Errorf("failed to spill result: %w", err)
	}

	e.Result = nil
	e.ResultInObjectStore = true
	return nil
}

// resultPayload serializes a result and picks its blob format. String
// results keep their raw bytes; everything else is JSON.
func resultPayload(result any) ([]byte, string, error) {
	if s, ok := result.(string); ok {
		if looksLikeHTML(s) {
			return []byte(s), "html", nil
		}
		return []byte(s), "txt", nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize result: %w", err)
	}
	return data, "json", nil
}

func looksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, ">")
}

// writeIndex upserts one index row, logging failures instead of
// propagating them.
func (m *Manager) writeIndex(ctx context.Context, executionID, rowKey string, doc map[string]any) {
	if _, err := m.index.Upsert(ctx, IndexPartition, rowKey, doc); err != nil {
		m.logger.Warn("failed to write index row",
			log.String(log.ExecutionIDKey, executionID),
			log.String("row_key", rowKey),
			log.Error(err))
	}
}

// refreshIndexes rewrites display projections and swaps the status
// index row after an update.
func (m *Manager) refreshIndexes(ctx context.Context, e *Execution, oldStatus Status) {
	proj := docFromProjection(e.projection())

	m.writeIndex(ctx, e.ExecutionID, UserIndexKey(e.Caller.UserID, e.ExecutionID), proj)
	m.writeIndex(ctx, e.ExecutionID, WorkflowIndexKey(e.WorkflowName, e.Scope, e.ExecutionID), proj)
	if e.FormID != "" {
		m.writeIndex(ctx, e.ExecutionID, FormIndexKey(e.FormID, e.ExecutionID), proj)
	}

	statusChanged := e.Status != oldStatus
	if oldStatus.IsActive() && statusChanged {
		if err := m.index.Delete(ctx, IndexPartition, StatusIndexKey(oldStatus, e.ExecutionID)); err != nil &&
			!errors.Is(err, tablestore.ErrNotFound) {
			m.logger.Warn("failed to delete status index row",
				log.String(log.ExecutionIDKey, e.ExecutionID),
				log.String(log.StatusKey, string(oldStatus)),
				log.Error(err))
		}
	}
	if e.Status.IsActive() {
		m.writeIndex(ctx, e.ExecutionID, StatusIndexKey(e.Status, e.ExecutionID), proj)
	}
}

// listIndex scans one index family by row key prefix.
func (m *Manager) listIndex(ctx context.Context, prefix string, page Page) ([]*Projection, string, error) {
	result, err := m.index.Query(ctx, IndexPartition, tablestore.QueryOptions{
		Prefix:            prefix,
		Limit:             page.Limit,
		ContinuationToken: page.Token,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list index: %w", err)
	}

	projections := make([]*Projection, 0, len(result.Entities))
	for _, entity := range result.Entities {
		projections = append(projections, projectionFromEntity(entity))
	}
	return projections, result.ContinuationToken, nil
}
