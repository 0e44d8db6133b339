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

package cache

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	t.Run("empty parameters collapse", func(t *testing.T) {
		if got := Key("tenant-a", "inventory", nil); got != "tenant-a:inventory" {
			t.Errorf("expected tenant-a:inventory, got %s", got)
		}
		if got := Key("tenant-a", "inventory", map[string]any{}); got != "tenant-a:inventory" {
			t.Errorf("expected tenant-a:inventory for empty map, got %s", got)
		}
	})

	t.Run("parameters add a 16 char hash", func(t *testing.T) {
		key := Key("tenant-a", "inventory", map[string]any{"region": "emea"})
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			t.Fatalf("expected 3 key segments, got %q", key)
		}
		if len(parts[2]) != 16 {
			t.Errorf("expected 16 char hash, got %q", parts[2])
		}
	})

	t.Run("key order does not matter", func(t *testing.T) {
		a := Key("tenant-a", "inventory", map[string]any{"region": "emea", "limit": 10})
		b := Key("tenant-a", "inventory", map[string]any{"limit": 10, "region": "emea"})
		if a != b {
			t.Errorf("expected canonical keys to match: %s vs %s", a, b)
		}
	})

	t.Run("different parameters differ", func(t *testing.T) {
		a := Key("tenant-a", "inventory", map[string]any{"region": "emea"})
		b := Key("tenant-a", "inventory", map[string]any{"region": "apac"})
		if a == b {
			t.Errorf("expected distinct keys")
		}
	})

	t.Run("scope is always part of the key", func(t *testing.T) {
		params := map[string]any{"region": "emea"}
		a := Key("tenant-a", "inventory", params)
		b := Key("tenant-b", "inventory", params)
		if a == b {
			t.Errorf("expected scope to separate keys")
		}
	})
}

func TestCache_SetAndGet(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	c.Set("k", map[string]any{"rows": 3}, time.Minute)

	data, expiresAt, ok := c.Get("k")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if m, _ := data.(map[string]any); m["rows"] != 3 {
		t.Errorf("unexpected cached data %v", data)
	}
	if !expiresAt.After(time.Now()) {
		t.Errorf("expected future expiry, got %v", expiresAt)
	}

	if _, _, ok := c.Get("missing"); ok {
		t.Errorf("expected miss for unknown key")
	}
}

func TestCache_LazyExpiry(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	// The expired entry was deleted, not just hidden
	if c.Len() != 0 {
		t.Errorf("expected expired entry to be removed, len %d", c.Len())
	}
}

func TestCache_NonPositiveTTL(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	c.Set("k", "v", 0)
	c.Set("k2", "v", -time.Second)

	if c.Len() != 0 {
		t.Errorf("expected nothing stored for non-positive TTLs, len %d", c.Len())
	}
}

func TestCache_Janitor(t *testing.T) {
	c := New(Config{JanitorInterval: 10 * time.Millisecond})
	defer c.Close()

	c.Set("short", "v", 5*time.Millisecond)
	c.Set("long", "v", time.Minute)

	deadline := time.Now().Add(500 * time.Millisecond)
	for c.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 1 {
		t.Errorf("expected janitor to sweep the expired entry, len %d", c.Len())
	}
	if _, _, ok := c.Get("long"); !ok {
		t.Errorf("expected live entry to survive the sweep")
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := Key("tenant-a", "inventory", map[string]any{"n": n})
			c.Set(key, n, time.Minute)
			if _, _, ok := c.Get(key); !ok {
				t.Errorf("expected hit for %s", key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 20 {
		t.Errorf("expected 20 entries, got %d", c.Len())
	}
}
