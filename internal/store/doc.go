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
	"encoding/base64"
	"time"

	"github.com/bifrosthq/bifrost/internal/tablestore"
)

// Document field names for the primary record and index projections.
// These are the wire format of the tables and must stay stable.
const (
	fieldExecutionID         = "execution_id"
	fieldScope               = "scope"
	fieldWorkflowName        = "workflow_name"
	fieldInlineCode          = "inline_code"
	fieldCaller              = "caller"
	fieldParameters          = "parameters"
	fieldFormID              = "form_id"
	fieldStatus              = "status"
	fieldStartedAt           = "started_at"
	fieldCompletedAt         = "completed_at"
	fieldDurationMs          = "duration_ms"
	fieldResult              = "result"
	fieldResultInObjectStore = "result_in_object_store"
	fieldErrorMessage        = "error_message"
	fieldErrorType           = "error_type"
	fieldResourceMetrics     = "resource_metrics"
	fieldRowKey              = "row_key"
	fieldExecutedByName      = "executed_by_name"
)

// docFromExecution serializes a record into a table document.
func docFromExecution(e *Execution) map[string]any {
	doc := map[string]any{
		fieldExecutionID: e.ExecutionID,
		fieldScope:       e.Scope,
		fieldStatus:      string(e.Status),
		fieldStartedAt:   formatTime(e.StartedAt),
		fieldDurationMs:  e.DurationMs,
		fieldCaller: map[string]any{
			"user_id":      e.Caller.UserID,
			"email":        e.Caller.Email,
			"display_name": e.Caller.DisplayName,
		},
		fieldResultInObjectStore: e.ResultInObjectStore,
	}

	if e.WorkflowName != "" {
		doc[fieldWorkflowName] = e.WorkflowName
	}
	if len(e.InlineCode) > 0 {
		doc[fieldInlineCode] = base64.StdEncoding.EncodeToString(e.InlineCode)
	}
	if e.Parameters != nil {
		doc[fieldParameters] = e.Parameters
	}
	if e.FormID != "" {
		doc[fieldFormID] = e.FormID
	}
	if e.CompletedAt != nil {
		doc[fieldCompletedAt] = formatTime(*e.CompletedAt)
	}
	if e.Result != nil {
		doc[fieldResult] = e.Result
	}
	if e.ErrorMessage != "" {
		doc[fieldErrorMessage] = e.ErrorMessage
	}
	if e.ErrorType != "" {
		doc[fieldErrorType] = e.ErrorType
	}
	if e.ResourceMetrics != nil {
		doc[fieldResourceMetrics] = map[string]any{
			"peak_rss_bytes":     e.ResourceMetrics.PeakRSSBytes,
			"cpu_user_seconds":   e.ResourceMetrics.CPUUserSeconds,
			"cpu_system_seconds": e.ResourceMetrics.CPUSystemSeconds,
		}
	}

	return doc
}

// executionFromEntity parses a table entity back into a record.
func executionFromEntity(entity *tablestore.Entity) *Execution {
	doc := entity.Document

	e := &Execution{
		ExecutionID:         docString(doc, fieldExecutionID),
		Scope:               docString(doc, fieldScope),
		WorkflowName:        docString(doc, fieldWorkflowName),
		FormID:              docString(doc, fieldFormID),
		Status:              Status(docString(doc, fieldStatus)),
		StartedAt:           docTime(doc, fieldStartedAt),
		DurationMs:          docInt64(doc, fieldDurationMs),
		Result:              doc[fieldResult],
		ResultInObjectStore: docBool(doc, fieldResultInObjectStore),
		ErrorMessage:        docString(doc, fieldErrorMessage),
		ErrorType:           docString(doc, fieldErrorType),

		rowKey: entity.RowKey,
		etag:   entity.ETag,
	}

	if encoded := docString(doc, fieldInlineCode); encoded != "" {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			e.InlineCode = decoded
		}
	}
	if params, ok := doc[fieldParameters].(map[string]any); ok {
		e.Parameters = params
	}
	if caller, ok := doc[fieldCaller].(map[string]any); ok {
		e.Caller = Caller{
			UserID:      docString(caller, "user_id"),
			Email:       docString(caller, "email"),
			DisplayName: docString(caller, "display_name"),
		}
	}
	if completed := docTime(doc, fieldCompletedAt); !completed.IsZero() {
		e.CompletedAt = &completed
	}
	if metrics, ok := doc[fieldResourceMetrics].(map[string]any); ok {
		e.ResourceMetrics = &ResourceMetrics{
			PeakRSSBytes:     docInt64(metrics, "peak_rss_bytes"),
			CPUUserSeconds:   docFloat64(metrics, "cpu_user_seconds"),
			CPUSystemSeconds: docFloat64(metrics, "cpu_system_seconds"),
		}
	}

	return e
}

// docFromProjection serializes a display row into an index document.
func docFromProjection(p *Projection) map[string]any {
	doc := map[string]any{
		fieldExecutionID: p.ExecutionID,
		fieldRowKey:      p.PrimaryRowKey,
		fieldScope:       p.Scope,
		fieldStatus:      string(p.Status),
		fieldStartedAt:   formatTime(p.StartedAt),
		fieldDurationMs:  p.DurationMs,
	}
	if p.WorkflowName != "" {
		doc[fieldWorkflowName] = p.WorkflowName
	}
	if p.CompletedAt != nil {
		doc[fieldCompletedAt] = formatTime(*p.CompletedAt)
	}
	if p.ErrorMessage != "" {
		doc[fieldErrorMessage] = p.ErrorMessage
	}
	if p.ExecutedByName != "" {
		doc[fieldExecutedByName] = p.ExecutedByName
	}
	return doc
}

// projectionFromEntity parses an index entity back into a display row.
func projectionFromEntity(entity *tablestore.Entity) *Projection {
	doc := entity.Document

	p := &Projection{
		ExecutionID:    docString(doc, fieldExecutionID),
		PrimaryRowKey:  docString(doc, fieldRowKey),
		Scope:          docString(doc, fieldScope),
		WorkflowName:   docString(doc, fieldWorkflowName),
		Status:         Status(docString(doc, fieldStatus)),
		StartedAt:      docTime(doc, fieldStartedAt),
		DurationMs:     docInt64(doc, fieldDurationMs),
		ErrorMessage:   docString(doc, fieldErrorMessage),
		ExecutedByName: docString(doc, fieldExecutedByName),
	}
	if completed := docTime(doc, fieldCompletedAt); !completed.IsZero() {
		p.CompletedAt = &completed
	}
	return p
}

// formatTime renders a UTC timestamp at millisecond precision.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
}

// Document value helpers. Numeric fields may come back as int64 (memory
// backend) or float64 (JSON round trip), so both are handled.

func docString(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func docBool(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

func docInt64(doc map[string]any, key string) int64 {
	switch v := doc[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func docFloat64(doc map[string]any, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func docTime(doc map[string]any, key string) time.Time {
	s := docString(doc, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
