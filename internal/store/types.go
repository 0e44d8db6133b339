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

package store

import (
	"time"
)

// Status is an execution lifecycle state.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusRunning             Status = "RUNNING"
	StatusCancelling          Status = "CANCELLING"
	StatusSuccess             Status = "SUCCESS"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusTimeout             Status = "TIMEOUT"
	StatusCancelled           Status = "CANCELLED"
)

// IsTerminal reports whether the status is frozen. Terminal executions
// never transition again and their completed_at/duration are immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusCompletedWithErrors, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status participates in the status index.
// Only PENDING and RUNNING executions are tracked there.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCancelling,
		StatusSuccess, StatusCompletedWithErrors, StatusFailed,
		StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Caller identifies who requested an execution.
type Caller struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ResourceMetrics holds the worker's resource consumption for one
// execution. CPU values are deltas across the run; RSS is the peak.
type ResourceMetrics struct {
	PeakRSSBytes     int64   `json:"peak_rss_bytes"`
	CPUUserSeconds   float64 `json:"cpu_user_seconds"`
	CPUSystemSeconds float64 `json:"cpu_system_seconds"`
}

// Execution is the primary record for one workflow run.
type Execution struct {
	ExecutionID  string
	Scope        string
	WorkflowName string

	// InlineCode is the decoded script source for script executions.
	// Empty for named workflow executions.
	InlineCode []byte

	Caller     Caller
	Parameters map[string]any
	FormID     string

	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64

	// Result is the inline result value. Cleared when the serialized
	// result exceeds the inline threshold and spills to object storage.
	Result              any
	ResultInObjectStore bool

	ErrorMessage string
	ErrorType    string

	ResourceMetrics *ResourceMetrics

	// rowKey and etag tie the record back to its table row for
	// optimistic updates. Populated on read, never serialized.
	rowKey string
	etag   int64
}

// RowKey returns the primary table row key the record was read from.
func (e *Execution) RowKey() string {
	return e.rowKey
}

// Projection is the denormalized display row carried by every index
// entry, sized so list views need no join back to the primary record.
type Projection struct {
	ExecutionID    string     `json:"execution_id"`
	PrimaryRowKey  string     `json:"row_key"`
	Scope          string     `json:"scope"`
	WorkflowName   string     `json:"workflow_name,omitempty"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ExecutedByName string     `json:"executed_by_name,omitempty"`
}

// Artifacts are the large per-execution payloads that always live in
// object storage, never inline in the record.
type Artifacts struct {
	// Logs is the aggregated log array written at commit time.
	Logs any

	// Variables is the captured-variables map from the worker.
	Variables any

	// Snapshot is the full document snapshot of the final record.
	Snapshot any
}

// projection builds the display row for an execution.
func (e *Execution) projection() *Projection {
	return &Projection{
		ExecutionID:    e.ExecutionID,
		PrimaryRowKey:  e.rowKey,
		Scope:          e.Scope,
		WorkflowName:   e.WorkflowName,
		Status:         e.Status,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
		DurationMs:     e.DurationMs,
		ErrorMessage:   e.ErrorMessage,
		ExecutedByName: e.Caller.DisplayName,
	}
}
