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

// Package objectstore provides blob storage for large execution artifacts.
//
// Execution documents in the tablestore stay small; anything over the
// inline threshold (log arrays, variable snapshots, large results) is
// spilled here under the execution's ID prefix and referenced from the
// record by key.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no object exists at the requested key.
var ErrNotFound = errors.New("object not found")

// Container is the logical namespace for execution artifacts.
const Container = "execution-data"

// Content types for stored artifacts.
const (
	ContentTypeJSON = "application/json"
	ContentTypeHTML = "text/html"
	ContentTypeText = "text/plain"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the blob storage interface.
type Store interface {
	// Put stores data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get retrieves the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List returns the objects whose keys start with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Artifact keys, all scoped under the execution ID so a single prefix
// delete can clean up an execution.

// LogsKey is the spilled log array for an execution.
func LogsKey(executionID string) string {
	return executionID + "/logs.json"
}

// VariablesKey is the spilled variable map for an execution.
func VariablesKey(executionID string) string {
	return executionID + "/variables.json"
}

// SnapshotKey is the full document snapshot for an execution.
func SnapshotKey(executionID string) string {
	return executionID + "/snapshot.json"
}

// ResultKey is the spilled result payload. Format is "json", "html" or
// "txt" and selects both the extension and the content type.
func ResultKey(executionID, format string) string {
	return fmt.Sprintf("%s/result.%s", executionID, format)
}

// ContentTypeFor maps a result format to its content type.
func ContentTypeFor(format string) string {
	switch format {
	case "html":
		return ContentTypeHTML
	case "txt":
		return ContentTypeText
	default:
		return ContentTypeJSON
	}
}
