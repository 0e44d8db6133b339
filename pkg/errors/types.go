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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error type identifiers recorded on execution records and returned to
// dispatch callers. These strings are part of the persisted record format
// and must not change.
const (
	TypeWorkflowNotFound   = "WorkflowNotFound"
	TypeWorkflowLoadError  = "WorkflowLoadError"
	TypeUserError          = "UserError"
	TypeValidationError    = "ValidationError"
	TypeTimeoutError       = "TimeoutError"
	TypeWorkerCrash        = "WorkerCrash"
	TypeNoResult           = "NoResult"
	TypePoisonQueueFailure = "PoisonQueueFailure"
	TypeInternalError      = "InternalError"
)

// ErrCancelled signals that an execution was terminated on request.
// Cancellation is a status, not an error type: the record terminates at
// CANCELLED with no error_type set.
var ErrCancelled = errors.New("execution cancelled")

// WorkflowNotFoundError represents a failed registry lookup.
// Use this when the requested workflow name does not resolve in the
// caller's scope.
type WorkflowNotFoundError struct {
	// Name is the workflow name that was not found
	Name string

	// Scope is the scope the lookup ran under
	Scope string
}

// Error implements the error interface.
func (e *WorkflowNotFoundError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("workflow not found: %s (scope %s)", e.Name, e.Scope)
	}
	return fmt.Sprintf("workflow not found: %s", e.Name)
}

// ErrorType returns the taxonomy identifier.
func (e *WorkflowNotFoundError) ErrorType() string { return TypeWorkflowNotFound }

// WorkflowLoadError represents a workflow definition that could not be
// loaded or compiled. Use this for unreadable files, syntax errors, and
// malformed metadata discovered at load time.
type WorkflowLoadError struct {
	// Path is the workspace file that failed to load
	Path string

	// Reason explains what went wrong
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *WorkflowLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to load workflow %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("failed to load workflow: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkflowLoadError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the taxonomy identifier.
func (e *WorkflowLoadError) ErrorType() string { return TypeWorkflowLoadError }

// UserError is raised deliberately by workflow code to surface a message
// verbatim to the caller. Unlike every other failure, the message is shown
// unmasked regardless of the caller's admin status.
type UserError struct {
	// Message is shown to the caller exactly as provided
	Message string
}

// Error implements the error interface.
func (e *UserError) Error() string {
	return e.Message
}

// ErrorType returns the taxonomy identifier.
func (e *UserError) ErrorType() string { return TypeUserError }

// UserMessage returns the message for user display.
func (e *UserError) UserMessage() string { return e.Message }

// IsUserVisible reports that this error is safe to show to end users.
func (e *UserError) IsUserVisible() bool { return true }

// ValidationError represents user input validation failures.
// Use this for invalid parameters, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType returns the taxonomy identifier.
func (e *ValidationError) ErrorType() string { return TypeValidationError }

// TimeoutError represents operation timeouts.
// Use this when an execution exceeds its wall-clock budget.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "workflow execution")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the taxonomy identifier.
func (e *TimeoutError) ErrorType() string { return TypeTimeoutError }

// WorkerCrashError indicates the worker process exited non-zero without
// reporting a result.
type WorkerCrashError struct {
	// ExitCode is the worker process exit code
	ExitCode int
}

// Error implements the error interface.
func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("Worker process exited with code %d", e.ExitCode)
}

// ErrorType returns the taxonomy identifier.
func (e *WorkerCrashError) ErrorType() string { return TypeWorkerCrash }

// NoResultError indicates the worker exited cleanly but never wrote a
// result to the handshake store.
type NoResultError struct {
	// ExecutionID identifies the execution whose result is missing
	ExecutionID string
}

// Error implements the error interface.
func (e *NoResultError) Error() string {
	return fmt.Sprintf("worker exited without a result for execution %s", e.ExecutionID)
}

// ErrorType returns the taxonomy identifier.
func (e *NoResultError) ErrorType() string { return TypeNoResult }

// PoisonQueueError marks executions whose queue messages exhausted their
// delivery attempts and were moved to the dead-letter queue.
type PoisonQueueError struct {
	// DequeueCount is how many times the broker delivered the message
	DequeueCount int64
}

// Error implements the error interface.
func (e *PoisonQueueError) Error() string {
	return fmt.Sprintf("message moved to poison queue after %d delivery attempts", e.DequeueCount)
}

// ErrorType returns the taxonomy identifier.
func (e *PoisonQueueError) ErrorType() string { return TypePoisonQueueFailure }

// ConcurrencyError surfaces an optimistic-concurrency conflict from the
// record store. The store never retries internally; callers decide whether
// to reload and reapply.
type ConcurrencyError struct {
	// Partition and RowKey identify the contested entity
	Partition string
	RowKey    string
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent update conflict on %s/%s", e.Partition, e.RowKey)
}

// NotFoundError represents a resource not found error.
// Use this when a requested execution or table entity does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "execution", "entity")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
