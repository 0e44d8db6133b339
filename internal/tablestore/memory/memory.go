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

// Package memory provides an in-memory tablestore for tests and
// single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/tablestore"
)

// Compile-time interface assertions.
var (
	_ tablestore.Store = (*Store)(nil)
	_ tablestore.Table = (*table)(nil)
)

// Store is an in-memory tablestore.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New creates a memory store with the given table declarations. Index
// fields are accepted for interface parity; every field filter scans.
func New(specs ...tablestore.TableSpec) *Store {
	s := &Store{tables: make(map[string]*table)}
	for _, spec := range specs {
		s.tables[spec.Name] = newTable()
	}
	return s
}

// Table returns the named table handle.
func (s *Store) Table(name string) tablestore.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		panic(fmt.Sprintf("tablestore: table %q not declared", name))
	}
	return t
}

// Close releases nothing; it exists for interface parity.
func (s *Store) Close() error {
	return nil
}

type table struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*tablestore.Entity
}

func newTable() *table {
	return &table{partitions: make(map[string]map[string]*tablestore.Entity)}
}

// Insert stores a new entity.
func (t *table) Insert(ctx context.Context, partition, rowKey string, doc map[string]any) (*tablestore.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.partitions[partition]
	if !ok {
		rows = make(map[string]*tablestore.Entity)
		t.partitions[partition] = rows
	}

	if _, exists := rows[rowKey]; exists {
		return nil, tablestore.ErrEntityExists
	}

	entity := &tablestore.Entity{
		Partition: partition,
		RowKey:    rowKey,
		Document:  copyDoc(doc),
		ETag:      1,
		UpdatedAt: time.Now().UTC(),
	}
	rows[rowKey] = entity
	return copyEntity(entity), nil
}

// Get retrieves an entity.
func (t *table) Get(ctx context.Context, partition, rowKey string) (*tablestore.Entity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entity, ok := t.partitions[partition][rowKey]
	if !ok {
		return nil, tablestore.ErrNotFound
	}
	return copyEntity(entity), nil
}

// Update replaces an entity's document with an optional etag check.
func (t *table) Update(ctx context.Context, partition, rowKey string, doc map[string]any, ifMatch int64) (*tablestore.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entity, ok := t.partitions[partition][rowKey]
	if !ok {
		return nil, tablestore.ErrNotFound
	}
	if ifMatch > 0 && entity.ETag != ifMatch {
		return nil, tablestore.ErrConflict
	}

	entity.Document = copyDoc(doc)
	entity.ETag++
	entity.UpdatedAt = time.Now().UTC()
	return copyEntity(entity), nil
}

// Upsert stores an entity unconditionally.
func (t *table) Upsert(ctx context.Context, partition, rowKey string, doc map[string]any) (*tablestore.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.partitions[partition]
	if !ok {
		rows = make(map[string]*tablestore.Entity)
		t.partitions[partition] = rows
	}

	entity, exists := rows[rowKey]
	if !exists {
		entity = &tablestore.Entity{Partition: partition, RowKey: rowKey}
		rows[rowKey] = entity
	}
	entity.Document = copyDoc(doc)
	entity.ETag++
	entity.UpdatedAt = time.Now().UTC()
	return copyEntity(entity), nil
}

// Delete removes an entity.
func (t *table) Delete(ctx context.Context, partition, rowKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := t.partitions[partition]
	if _, ok := rows[rowKey]; !ok {
		return tablestore.ErrNotFound
	}
	delete(rows, rowKey)
	return nil
}

// Query scans a partition in row key order.
func (t *table) Query(ctx context.Context, partition string, opts tablestore.QueryOptions) (*tablestore.QueryResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = tablestore.DefaultQueryLimit
	}

	var resumeAfter string
	if opts.ContinuationToken != "" {
		key, err := tablestore.DecodeContinuation(opts.ContinuationToken)
		if err != nil {
			return nil, err
		}
		resumeAfter = key
	}

	keys := make([]string, 0, len(t.partitions[partition]))
	for key := range t.partitions[partition] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}

	result := &tablestore.QueryResult{}
	for _, key := range keys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if resumeAfter != "" {
			if opts.Reverse && key >= resumeAfter {
				continue
			}
			if !opts.Reverse && key <= resumeAfter {
				continue
			}
		}

		entity := t.partitions[partition][key]
		if !matchesFields(entity, opts.FieldEquals) {
			continue
		}

		if len(result.Entities) == limit {
			result.ContinuationToken = tablestore.EncodeContinuation(result.Entities[limit-1].RowKey)
			return result, nil
		}
		result.Entities = append(result.Entities, copyEntity(entity))
	}

	return result, nil
}

func matchesFields(entity *tablestore.Entity, fields map[string]string) bool {
	for field, want := range fields {
		got, ok := entity.Document[field]
		if !ok {
			return false
		}
		str, ok := got.(string)
		if !ok || str != want {
			return false
		}
	}
	return true
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func copyEntity(e *tablestore.Entity) *tablestore.Entity {
	return &tablestore.Entity{
		Partition: e.Partition,
		RowKey:    e.RowKey,
		Document:  copyDoc(e.Document),
		ETag:      e.ETag,
		UpdatedAt: e.UpdatedAt,
	}
}
