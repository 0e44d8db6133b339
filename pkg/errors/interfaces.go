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

// UserVisibleError defines errors whose message may be shown verbatim to
// end users. Everything else is masked for non-admin callers before it
// reaches a dispatch response or execution record.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error should be shown to users.
	// Internal errors or debugging details should return false.
	IsUserVisible() bool

	// UserMessage returns a user-friendly error message.
	// This should avoid technical jargon and implementation details.
	UserMessage() string
}

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface carry their taxonomy identifier,
// which Classify records on failed executions and the queue consumer uses
// to decide between acknowledging and redelivering.
type ErrorClassifier interface {
	error

	// ErrorType returns the taxonomy identifier for the error category.
	// Examples: "ValidationError", "WorkflowNotFound", "TimeoutError"
	ErrorType() string
}
