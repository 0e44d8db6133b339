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

// Package cache provides the in-process TTL cache for data provider
// results.
//
// Entries never persist across process restarts and never leave the
// process; the scope is part of every key, so tenants cannot observe
// each other's cached data.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Key builds the cache key for a data provider call. Parameters are
// serialized to canonical JSON (encoding/json sorts map keys) and
// truncated-SHA256 hashed; empty parameters collapse to scope:provider.
func Key(scope, provider string, params map[string]any) string {
	if len(params) == 0 {
		return fmt.Sprintf("%s:%s", scope, provider)
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		// Unserializable parameters cannot be cached deterministically;
		// fall back to the parameterless key.
		return fmt.Sprintf("%s:%s", scope, provider)
	}

	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s", scope, provider, hex.EncodeToString(sum[:])[:16])
}

// Config contains cache configuration.
type Config struct {
	// JanitorInterval is how often expired entries are swept in the
	// background. Zero disables the janitor; expired entries are then
	// only removed lazily on Get.
	JanitorInterval time.Duration
}

type entry struct {
	data      any
	expiresAt time.Time
}

// Cache is a concurrency-safe TTL map.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts the janitor when configured.
func New(cfg Config) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	if cfg.JanitorInterval > 0 {
		go c.janitor(cfg.JanitorInterval)
	}
	return c
}

// Get returns the cached data and its expiry. Expired entries are
// deleted on the way out and reported as a miss.
func (c *Cache) Get(key string) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, time.Time{}, false
	}
	return e.data, e.expiresAt, true
}

// Set stores data under key for ttl. Non-positive TTLs store nothing.
func (c *Cache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{data: data, expiresAt: time.Now().Add(ttl)}
}

// Delete removes one entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of live entries, counting expired ones that
// have not been swept yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor. The cache stays usable afterwards.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
