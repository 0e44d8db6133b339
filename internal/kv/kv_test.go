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

package kv

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func createTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, Config{}), mr
}

func TestContextRoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"execution_id":"exec-1","workflow_name":"billing_sync"}`)
	if err := s.WriteContext(ctx, "exec-1", payload); err != nil {
		t.Fatalf("WriteContext failed: %v", err)
	}

	got, err := s.TakeContext(ctx, "exec-1")
	if err != nil {
		t.Fatalf("TakeContext failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}

	// Read-once: a second take finds nothing.
	if _, err := s.TakeContext(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second take, got %v", err)
	}
}

func TestWriteContextTwice(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteContext(ctx, "exec-1", []byte("first")); err != nil {
		t.Fatalf("WriteContext failed: %v", err)
	}
	if err := s.WriteContext(ctx, "exec-1", []byte("second")); !errors.Is(err, ErrAlreadyWritten) {
		t.Errorf("expected ErrAlreadyWritten, got %v", err)
	}

	// The first payload survives the rejected write.
	got, err := s.TakeContext(ctx, "exec-1")
	if err != nil {
		t.Fatalf("TakeContext failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("expected first payload, got %s", got)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"status":"SUCCESS","duration_ms":42}`)
	if err := s.WriteResult(ctx, "exec-1", payload); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}

	got, err := s.TakeResult(ctx, "exec-1")
	if err != nil {
		t.Fatalf("TakeResult failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}

	if _, err := s.TakeResult(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second take, got %v", err)
	}
}

func TestTakeMissingResult(t *testing.T) {
	s, _ := createTestStore(t)

	if _, err := s.TakeResult(context.Background(), "never-ran"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelFlag(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	requested, err := s.CancelRequested(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if requested {
		t.Error("cancel should not be requested initially")
	}

	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	// Requesting again is fine.
	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("repeat RequestCancel failed: %v", err)
	}

	requested, err = s.CancelRequested(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if !requested {
		t.Error("cancel should be requested after RequestCancel")
	}

	// The flag is per execution.
	requested, err = s.CancelRequested(ctx, "exec-2")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if requested {
		t.Error("cancel flag leaked to another execution")
	}
}

func TestClear(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteContext(ctx, "exec-1", []byte("ctx")); err != nil {
		t.Fatalf("WriteContext failed: %v", err)
	}
	if err := s.WriteResult(ctx, "exec-1", []byte("res")); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	if err := s.Clear(ctx, "exec-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, err := s.TakeContext(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("context should be gone, got %v", err)
	}
	if _, err := s.TakeResult(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("result should be gone, got %v", err)
	}
	requested, err := s.CancelRequested(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if requested {
		t.Error("cancel flag should be gone")
	}

	// Clearing an execution that never ran is not an error.
	if err := s.Clear(ctx, "never-ran"); err != nil {
		t.Fatalf("Clear of missing entries failed: %v", err)
	}
}

func TestEntriesExpire(t *testing.T) {
	s, mr := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteContext(ctx, "exec-1", []byte("ctx")); err != nil {
		t.Fatalf("WriteContext failed: %v", err)
	}
	if err := s.RequestCancel(ctx, "exec-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	mr.FastForward(DefaultTTL + time.Second)

	if _, err := s.TakeContext(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired context, got %v", err)
	}
	requested, err := s.CancelRequested(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CancelRequested failed: %v", err)
	}
	if requested {
		t.Error("cancel flag should have expired")
	}
}

func TestKeyLayout(t *testing.T) {
	s, mr := createTestStore(t)
	ctx := context.Background()

	if err := s.WriteContext(ctx, "abc-123", []byte("ctx")); err != nil {
		t.Fatalf("WriteContext failed: %v", err)
	}
	if err := s.WriteResult(ctx, "abc-123", []byte("res")); err != nil {
		t.Fatalf("WriteResult failed: %v", err)
	}
	if err := s.RequestCancel(ctx, "abc-123"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	keys := mr.Keys()
	sort.Strings(keys)
	want := []string{
		"bifrost:exec:abc-123:cancel",
		"bifrost:exec:abc-123:context",
		"bifrost:exec:abc-123:result",
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("key %d: expected %s, got %s", i, k, keys[i])
		}
	}
}
