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

package log

import (
	"log/slog"
	"time"
)

// Operation describes a unit of engine work for logging purposes: a
// dispatch, a consumed queue message, a pool execution.
type Operation struct {
	// Event is the event type logged on start and completion
	// (e.g., "dispatch", "consume", "pool_execute").
	Event string

	// ExecutionID correlates the operation across processes.
	ExecutionID string

	// Workflow is the workflow name, when known.
	Workflow string

	// Scope is the tenant scope the operation runs under.
	Scope string

	// Metadata contains additional operation metadata.
	Metadata map[string]interface{}
}

// OperationResult captures the outcome of a completed operation.
type OperationResult struct {
	// Success indicates whether the operation completed without error.
	Success bool

	// Error is the error message if the operation failed.
	Error string

	// DurationMs is the duration of the operation in milliseconds.
	DurationMs int64

	// Metadata contains additional result metadata (e.g., final status).
	Metadata map[string]interface{}
}

// LogOperationStart logs the beginning of an engine operation.
func LogOperationStart(logger *slog.Logger, op *Operation) {
	attrs := []any{
		EventKey, op.Event + "_started",
	}

	if op.ExecutionID != "" {
		attrs = append(attrs, ExecutionIDKey, op.ExecutionID)
	}

	if op.Workflow != "" {
		attrs = append(attrs, WorkflowKey, op.Workflow)
	}

	if op.Scope != "" {
		attrs = append(attrs, ScopeKey, op.Scope)
	}

	for k, v := range op.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info(op.Event+" started", attrs...)
}

// LogOperationEnd logs the completion of an engine operation. Failures log
// at error level.
func LogOperationEnd(logger *slog.Logger, op *Operation, result *OperationResult) {
	attrs := []any{
		EventKey, op.Event + "_completed",
		"success", result.Success,
		DurationKey, result.DurationMs,
	}

	if op.ExecutionID != "" {
		attrs = append(attrs, ExecutionIDKey, op.ExecutionID)
	}

	if op.Workflow != "" {
		attrs = append(attrs, WorkflowKey, op.Workflow)
	}

	if op.Scope != "" {
		attrs = append(attrs, ScopeKey, op.Scope)
	}

	if result.Error != "" {
		attrs = append(attrs, "error", result.Error)
	}

	for k, v := range result.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := op.Event + " completed"

	if !result.Success {
		level = slog.LevelError
		message = op.Event + " failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// OperationMiddleware wraps engine operations with start/end logging.
type OperationMiddleware struct {
	logger *slog.Logger
}

// NewOperationMiddleware creates a new operation logging middleware.
func NewOperationMiddleware(logger *slog.Logger) *OperationMiddleware {
	return &OperationMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that performs an engine operation.
// It logs the start and completion automatically.
func (m *OperationMiddleware) Handler(op *Operation, handler func() error) error {
	start := time.Now()

	// Log operation start
	LogOperationStart(m.logger, op)

	// Execute handler
	err := handler()

	// Calculate duration
	duration := time.Since(start).Milliseconds()

	// Log completion
	result := &OperationResult{
		Success:    err == nil,
		DurationMs: duration,
	}

	if err != nil {
		result.Error = err.Error()
	}

	LogOperationEnd(m.logger, op, result)

	return err
}

// HandlerWithMetadata wraps an operation that reports result metadata
// (e.g., the terminal execution status) for the completion log entry.
func (m *OperationMiddleware) HandlerWithMetadata(op *Operation, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	// Log operation start
	LogOperationStart(m.logger, op)

	// Execute handler
	metadata, err := handler()

	// Calculate duration
	duration := time.Since(start).Milliseconds()

	// Log completion
	result := &OperationResult{
		Success:    err == nil,
		DurationMs: duration,
		Metadata:   metadata,
	}

	if err != nil {
		result.Error = err.Error()
	}

	LogOperationEnd(m.logger, op, result)

	return metadata, err
}
