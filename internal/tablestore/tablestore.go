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

// Package tablestore provides the key-range table abstraction backing
// execution records, index rows and log streams.
//
// Entities are JSON documents addressed by (partition, rowKey). Row keys
// sort lexicographically within a partition, which the range queries rely
// on: callers encode ordering into the key itself (e.g. inverted-timestamp
// prefixes for newest-first listings). Every entity carries an etag, a
// monotonically increasing version used for optimistic concurrency on
// Update.
//
// Three backends implement the interface: sqlite (single-node default),
// postgres (shared deployments) and memory (tests, ephemeral dev).
package tablestore

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by Table implementations.
var (
	// ErrNotFound indicates the addressed entity does not exist.
	ErrNotFound = errors.New("tablestore: entity not found")

	// ErrEntityExists indicates an Insert collided with an existing entity.
	ErrEntityExists = errors.New("tablestore: entity already exists")

	// ErrConflict indicates an Update lost an optimistic concurrency race:
	// the entity's etag no longer matches the caller's ifMatch value.
	ErrConflict = errors.New("tablestore: etag mismatch")
)

// Entity is a stored row: a JSON document plus its version and timestamp.
type Entity struct {
	Partition string
	RowKey    string
	Document  map[string]any
	ETag      int64
	UpdatedAt time.Time
}

// QueryOptions narrows a partition scan.
type QueryOptions struct {
	// Prefix restricts results to row keys beginning with this string.
	Prefix string

	// FieldEquals filters on top-level JSON document fields.
	FieldEquals map[string]string

	// Reverse returns rows in descending row key order.
	Reverse bool

	// Limit caps the number of returned rows (0 = backend default of 1000).
	Limit int

	// ContinuationToken resumes a prior query from where it stopped.
	ContinuationToken string
}

// QueryResult is one page of a partition scan.
type QueryResult struct {
	Entities []*Entity

	// ContinuationToken is non-empty when more rows remain.
	ContinuationToken string
}

// Table is a single key-range table.
type Table interface {
	// Insert stores a new entity. Returns ErrEntityExists if the
	// (partition, rowKey) address is taken.
	Insert(ctx context.Context, partition, rowKey string, doc map[string]any) (*Entity, error)

	// Get retrieves an entity. Returns ErrNotFound if absent.
	Get(ctx context.Context, partition, rowKey string) (*Entity, error)

	// Update replaces an entity's document. When ifMatch > 0 the stored
	// etag must equal it or ErrConflict is returned; ifMatch == 0 skips
	// the check. Returns ErrNotFound if the entity does not exist.
	Update(ctx context.Context, partition, rowKey string, doc map[string]any, ifMatch int64) (*Entity, error)

	// Upsert stores an entity regardless of prior existence, without a
	// concurrency check. Used for index rows where last-writer-wins is
	// acceptable.
	Upsert(ctx context.Context, partition, rowKey string, doc map[string]any) (*Entity, error)

	// Delete removes an entity. Returns ErrNotFound if absent.
	Delete(ctx context.Context, partition, rowKey string) error

	// Query scans a partition with optional prefix, field filters,
	// ordering and pagination.
	Query(ctx context.Context, partition string, opts QueryOptions) (*QueryResult, error)
}

// Store provides access to named tables.
type Store interface {
	// Table returns a handle for the named table. Tables are declared at
	// store construction; requesting an undeclared table panics, which
	// surfaces wiring mistakes at startup.
	Table(name string) Table

	io.Closer
}

// TableSpec declares a table and the document fields that should carry
// expression indexes for FieldEquals queries.
type TableSpec struct {
	Name        string
	IndexFields []string
}

// DefaultQueryLimit is applied when QueryOptions.Limit is zero.
const DefaultQueryLimit = 1000

// EncodeContinuation builds the continuation token for the last row key of
// a page.
func EncodeContinuation(lastRowKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(lastRowKey))
}

// DecodeContinuation recovers the row key a query should resume after.
func DecodeContinuation(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("tablestore: malformed continuation token")
	}
	return string(raw), nil
}
