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

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bifrosthq/bifrost/internal/tablestore"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	return New(
		tablestore.TableSpec{Name: "executions", IndexFields: []string{"execution_id", "status"}},
		tablestore.TableSpec{Name: "execution_logs"},
	)
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	doc := map[string]any{"execution_id": "exec-1", "status": "PENDING"}
	entity, err := table.Insert(ctx, "tenant-a", "row-1", doc)
	if err != nil {
		t.Fatalf("failed to insert entity: %v", err)
	}
	if entity.ETag != 1 {
		t.Errorf("expected etag 1, got %d", entity.ETag)
	}

	retrieved, err := table.Get(ctx, "tenant-a", "row-1")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if retrieved.Document["status"] != "PENDING" {
		t.Errorf("expected status PENDING, got %v", retrieved.Document["status"])
	}

	// Duplicate insert fails
	if _, err := table.Insert(ctx, "tenant-a", "row-1", doc); !errors.Is(err, tablestore.ErrEntityExists) {
		t.Errorf("expected ErrEntityExists, got %v", err)
	}
}

func TestMemoryStore_DocumentIsolation(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	doc := map[string]any{"status": "PENDING"}
	if _, err := table.Insert(ctx, "tenant-a", "row-1", doc); err != nil {
		t.Fatalf("failed to insert entity: %v", err)
	}

	// Mutating the caller's map must not leak into the store
	doc["status"] = "MUTATED"

	retrieved, err := table.Get(ctx, "tenant-a", "row-1")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if retrieved.Document["status"] != "PENDING" {
		t.Errorf("store leaked caller mutation: %v", retrieved.Document["status"])
	}

	// Mutating a returned document must not leak back either
	retrieved.Document["status"] = "MUTATED"
	again, err := table.Get(ctx, "tenant-a", "row-1")
	if err != nil {
		t.Fatalf("failed to get entity: %v", err)
	}
	if again.Document["status"] != "PENDING" {
		t.Errorf("store leaked reader mutation: %v", again.Document["status"])
	}
}

func TestMemoryStore_UpdateConcurrencyCheck(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	entity, err := table.Insert(ctx, "tenant-a", "row-1", map[string]any{"status": "PENDING"})
	if err != nil {
		t.Fatalf("failed to insert entity: %v", err)
	}

	updated, err := table.Update(ctx, "tenant-a", "row-1", map[string]any{"status": "RUNNING"}, entity.ETag)
	if err != nil {
		t.Fatalf("failed to update entity: %v", err)
	}
	if updated.ETag != 2 {
		t.Errorf("expected etag 2, got %d", updated.ETag)
	}

	// Stale etag conflicts
	if _, err := table.Update(ctx, "tenant-a", "row-1", map[string]any{"status": "SUCCESS"}, entity.ETag); !errors.Is(err, tablestore.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// Zero etag bypasses the check
	if _, err := table.Update(ctx, "tenant-a", "row-1", map[string]any{"status": "SUCCESS"}, 0); err != nil {
		t.Errorf("expected unconditional update to succeed, got %v", err)
	}

	if _, err := table.Update(ctx, "tenant-a", "missing", map[string]any{}, 0); !errors.Is(err, tablestore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpsertAndDelete(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	entity, err := table.Upsert(ctx, "GLOBAL", "status:PENDING:exec-1", map[string]any{"ref": "exec-1"})
	if err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}
	if entity.ETag != 1 {
		t.Errorf("expected etag 1, got %d", entity.ETag)
	}

	entity, err = table.Upsert(ctx, "GLOBAL", "status:PENDING:exec-1", map[string]any{"ref": "exec-1"})
	if err != nil {
		t.Fatalf("failed to upsert entity: %v", err)
	}
	if entity.ETag != 2 {
		t.Errorf("expected etag 2 after upsert, got %d", entity.ETag)
	}

	if err := table.Delete(ctx, "GLOBAL", "status:PENDING:exec-1"); err != nil {
		t.Fatalf("failed to delete entity: %v", err)
	}
	if err := table.Delete(ctx, "GLOBAL", "status:PENDING:exec-1"); !errors.Is(err, tablestore.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestMemoryStore_Query(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	docs := map[string]map[string]any{
		"execution:001_a": {"execution_id": "a", "status": "PENDING"},
		"execution:002_b": {"execution_id": "b", "status": "RUNNING"},
		"execution:003_c": {"execution_id": "c", "status": "PENDING"},
		"other:004_d":     {"execution_id": "d", "status": "PENDING"},
	}
	for key, doc := range docs {
		if _, err := table.Insert(ctx, "tenant-a", key, doc); err != nil {
			t.Fatalf("failed to insert entity: %v", err)
		}
	}

	// Prefix narrows to the execution rows
	result, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{Prefix: "execution:"})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(result.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(result.Entities))
	}
	if result.Entities[0].RowKey != "execution:001_a" {
		t.Errorf("expected ascending order, got %s first", result.Entities[0].RowKey)
	}

	// Reverse flips the order
	result, err = table.Query(ctx, "tenant-a", tablestore.QueryOptions{Prefix: "execution:", Reverse: true})
	if err != nil {
		t.Fatalf("failed to query reversed: %v", err)
	}
	if result.Entities[0].RowKey != "execution:003_c" {
		t.Errorf("expected descending order, got %s first", result.Entities[0].RowKey)
	}

	// Field filter selects by document value
	result, err = table.Query(ctx, "tenant-a", tablestore.QueryOptions{
		FieldEquals: map[string]string{"status": "RUNNING"},
	})
	if err != nil {
		t.Fatalf("failed to query with filter: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0].Document["execution_id"] != "b" {
		t.Errorf("unexpected filter result: %+v", result.Entities)
	}
}

func TestMemoryStore_QueryPagination(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("row-%02d", i)
		if _, err := table.Insert(ctx, "tenant-a", key, map[string]any{}); err != nil {
			t.Fatalf("failed to insert entity: %v", err)
		}
	}

	first, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("failed to query first page: %v", err)
	}
	if len(first.Entities) != 2 || first.ContinuationToken == "" {
		t.Fatalf("expected full first page with token, got %d entities", len(first.Entities))
	}

	second, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{
		Limit:             2,
		ContinuationToken: first.ContinuationToken,
	})
	if err != nil {
		t.Fatalf("failed to query second page: %v", err)
	}
	if len(second.Entities) != 2 {
		t.Fatalf("expected 2 entities on second page, got %d", len(second.Entities))
	}
	if second.Entities[0].RowKey != "row-02" {
		t.Errorf("second page started at %s", second.Entities[0].RowKey)
	}

	third, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{
		Limit:             2,
		ContinuationToken: second.ContinuationToken,
	})
	if err != nil {
		t.Fatalf("failed to query third page: %v", err)
	}
	if len(third.Entities) != 1 || third.ContinuationToken != "" {
		t.Errorf("expected final page of 1 with no token, got %d entities token %q",
			len(third.Entities), third.ContinuationToken)
	}
}

func TestMemoryStore_ReversePagination(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("row-%02d", i)
		if _, err := table.Insert(ctx, "tenant-a", key, map[string]any{}); err != nil {
			t.Fatalf("failed to insert entity: %v", err)
		}
	}

	first, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{Limit: 2, Reverse: true})
	if err != nil {
		t.Fatalf("failed to query first page: %v", err)
	}
	if first.Entities[0].RowKey != "row-03" || first.Entities[1].RowKey != "row-02" {
		t.Fatalf("unexpected first reverse page: %s, %s", first.Entities[0].RowKey, first.Entities[1].RowKey)
	}

	second, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{
		Limit:             2,
		Reverse:           true,
		ContinuationToken: first.ContinuationToken,
	})
	if err != nil {
		t.Fatalf("failed to query second page: %v", err)
	}
	if second.Entities[0].RowKey != "row-01" || second.Entities[1].RowKey != "row-00" {
		t.Errorf("unexpected second reverse page: %s, %s", second.Entities[0].RowKey, second.Entities[1].RowKey)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := createTestStore(t)
	defer s.Close()

	ctx := context.Background()
	table := s.Table("executions")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("row-%03d", n)
			if _, err := table.Insert(ctx, "tenant-a", key, map[string]any{"n": n}); err != nil {
				t.Errorf("insert %d failed: %v", n, err)
				return
			}
			if _, err := table.Get(ctx, "tenant-a", key); err != nil {
				t.Errorf("get %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	result, err := table.Query(ctx, "tenant-a", tablestore.QueryOptions{})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(result.Entities) != 20 {
		t.Errorf("expected 20 entities, got %d", len(result.Entities))
	}
}
