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

package fs

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/bifrosthq/bifrost/internal/objectstore"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestFSStore_PutAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	key := objectstore.LogsKey("exec-1")
	data := []byte(`[{"message":"started"}]`)

	if err := s.Put(ctx, key, data, objectstore.ContentTypeJSON); err != nil {
		t.Fatalf("failed to put object: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("failed to get object: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("expected %s, got %s", data, got)
	}

	// Put replaces
	replacement := []byte(`[{"message":"done"}]`)
	if err := s.Put(ctx, key, replacement, objectstore.ContentTypeJSON); err != nil {
		t.Fatalf("failed to replace object: %v", err)
	}
	got, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("failed to get replaced object: %v", err)
	}
	if !bytes.Equal(got, replacement) {
		t.Errorf("expected %s, got %s", replacement, got)
	}
}

func TestFSStore_GetNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Get(context.Background(), "missing/logs.json")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFSStore_Exists(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	key := objectstore.SnapshotKey("exec-1")

	exists, err := s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if exists {
		t.Errorf("expected object to be absent")
	}

	if err := s.Put(ctx, key, []byte("{}"), objectstore.ContentTypeJSON); err != nil {
		t.Fatalf("failed to put object: %v", err)
	}

	exists, err = s.Exists(ctx, key)
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if !exists {
		t.Errorf("expected object to exist")
	}
}

func TestFSStore_Delete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	key := objectstore.ResultKey("exec-1", "html")
	if err := s.Put(ctx, key, []byte("<html></html>"), objectstore.ContentTypeHTML); err != nil {
		t.Fatalf("failed to put object: %v", err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("failed to delete object: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}

func TestFSStore_List(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	keys := []string{
		objectstore.LogsKey("exec-1"),
		objectstore.VariablesKey("exec-1"),
		objectstore.LogsKey("exec-2"),
	}
	for _, key := range keys {
		if err := s.Put(ctx, key, []byte("{}"), objectstore.ContentTypeJSON); err != nil {
			t.Fatalf("failed to put object: %v", err)
		}
	}

	objects, err := s.List(ctx, "exec-1/")
	if err != nil {
		t.Fatalf("failed to list objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected 2 objects under exec-1/, got %d", len(objects))
	}
	for _, obj := range objects {
		if obj.Size != 2 {
			t.Errorf("expected size 2 for %s, got %d", obj.Key, obj.Size)
		}
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all objects: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 objects total, got %d", len(all))
	}
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	bad := []string{
		"../outside.json",
		"/etc/passwd",
		"a/../../outside.json",
		"",
	}
	for _, key := range bad {
		if err := s.Put(ctx, key, []byte("x"), ""); err == nil {
			t.Errorf("expected put %q to be rejected", key)
		}
		if _, err := s.Get(ctx, key); err == nil {
			t.Errorf("expected get %q to be rejected", key)
		}
	}
}

func TestArtifactKeys(t *testing.T) {
	if got := objectstore.LogsKey("abc"); got != "abc/logs.json" {
		t.Errorf("unexpected logs key %s", got)
	}
	if got := objectstore.VariablesKey("abc"); got != "abc/variables.json" {
		t.Errorf("unexpected variables key %s", got)
	}
	if got := objectstore.SnapshotKey("abc"); got != "abc/snapshot.json" {
		t.Errorf("unexpected snapshot key %s", got)
	}
	if got := objectstore.ResultKey("abc", "txt"); got != "abc/result.txt" {
		t.Errorf("unexpected result key %s", got)
	}
	if got := objectstore.ContentTypeFor("html"); got != objectstore.ContentTypeHTML {
		t.Errorf("unexpected content type %s", got)
	}
}
