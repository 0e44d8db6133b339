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
	"context"
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := store.Update(ctx, rec); err != nil {
//	    return errors.Wrap(err, "persisting execution record")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := loadFile(path); err != nil {
//	    return errors.Wrapf(err, "loading workflow %s", path)
//	}
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
//
// Usage:
//
//	var conflict *ConcurrencyError
//	if errors.As(err, &conflict) {
//	    // reload and reapply
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
// This is a convenience wrapper around errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// Classify maps an error to its taxonomy identifier for persistence on the
// execution record. Typed errors report their own identifier; context
// deadline errors classify as timeouts; everything else is internal.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeoutError
	}
	return TypeInternalError
}

// UserFacing returns the message that may be shown to a non-admin caller.
// UserError messages pass through verbatim; every other error is masked
// behind a generic message so internals never leak to end users. Admin
// callers always receive the full error text.
func UserFacing(err error, admin bool) string {
	if err == nil {
		return ""
	}
	if admin {
		return err.Error()
	}
	var visible UserVisibleError
	if errors.As(err, &visible) && visible.IsUserVisible() {
		return visible.UserMessage()
	}
	return "An internal error occurred while running the workflow. Contact an administrator if the problem persists."
}

// IsDeterministic reports whether re-delivering the originating queue
// message could plausibly change the outcome. Lookup, validation, and user
// failures are deterministic: reprocessing yields the same result, so the
// message should be acknowledged rather than retried.
func IsDeterministic(err error) bool {
	switch Classify(err) {
	case TypeWorkflowNotFound, TypeWorkflowLoadError, TypeValidationError, TypeUserError:
		return true
	}
	return false
}
