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

// Package kv carries the transient handshake between the process pool
// and its worker processes.
//
// Three entries exist per execution, all TTL-bounded so crashed
// processes leave nothing behind:
//
//	bifrost:exec:{id}:context  written once by the pool, taken once by the worker
//	bifrost:exec:{id}:result   written once by the worker, taken once by the pool
//	bifrost:exec:{id}:cancel   presence means cancellation was requested
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds the lifetime of every handshake entry.
const DefaultTTL = 3600 * time.Second

var (
	// ErrNotFound is returned when a take finds no entry, either because
	// it was never written, already taken, or expired.
	ErrNotFound = errors.New("kv: entry not found")

	// ErrAlreadyWritten is returned when a write-once entry exists.
	ErrAlreadyWritten = errors.New("kv: entry already written")
)

const keyPrefix = "bifrost:exec:"

func contextKey(executionID string) string { return keyPrefix + executionID + ":context" }
func resultKey(executionID string) string  { return keyPrefix + executionID + ":result" }
func cancelKey(executionID string) string  { return keyPrefix + executionID + ":cancel" }

// Config holds handshake store settings.
type Config struct {
	// TTL applied to every entry. Defaults to DefaultTTL.
	TTL time.Duration
}

// Store is the Redis-backed handshake store. Entries are per-execution
// and never shared, so all operations are safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a handshake store on an existing Redis client. The caller
// retains ownership of the client.
func New(rdb *redis.Client, cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// WriteContext stores the serialized execution context for a worker to
// pick up. Writing twice for the same execution is a caller bug and
// returns ErrAlreadyWritten.
func (s *Store) WriteContext(ctx context.Context, executionID string, payload []byte) error {
	return s.writeOnce(ctx, contextKey(executionID), payload)
}

// TakeContext reads and deletes the execution context. A second take
// returns ErrNotFound.
func (s *Store) TakeContext(ctx context.Context, executionID string) ([]byte, error) {
	return s.take(ctx, contextKey(executionID))
}

// WriteResult stores the serialized worker result for the pool to
// collect.
func (s *Store) WriteResult(ctx context.Context, executionID string, payload []byte) error {
	return s.writeOnce(ctx, resultKey(executionID), payload)
}

// TakeResult reads and deletes the worker result.
func (s *Store) TakeResult(ctx context.Context, executionID string) ([]byte, error) {
	return s.take(ctx, resultKey(executionID))
}

// RequestCancel raises the cancel flag for an execution. Raising it
// repeatedly is harmless.
func (s *Store) RequestCancel(ctx context.Context, executionID string) error {
	if err := s.rdb.Set(ctx, cancelKey(executionID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("kv: request cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether the cancel flag is raised.
func (s *Store) CancelRequested(ctx context.Context, executionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(executionID)).Result()
	if err != nil {
		return false, fmt.Errorf("kv: check cancel: %w", err)
	}
	return n > 0, nil
}

// Clear removes all handshake entries for an execution. Missing entries
// are not an error; the pool calls this unconditionally during cleanup.
func (s *Store) Clear(ctx context.Context, executionID string) error {
	keys := []string{contextKey(executionID), resultKey(executionID), cancelKey(executionID)}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: clear %s: %w", executionID, err)
	}
	return nil
}

func (s *Store) writeOnce(ctx context.Context, key string, payload []byte) error {
	ok, err := s.rdb.SetNX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("kv: write %s: %w", key, ErrAlreadyWritten)
	}
	return nil
}

func (s *Store) take(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("kv: take %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("kv: take %s: %w", key, err)
	}
	return val, nil
}
