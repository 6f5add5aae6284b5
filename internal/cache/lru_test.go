// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUGetAdd(t *testing.T) {
	c := NewLRU[string, int](2, time.Minute)
	c.Add("a", 1)
	c.Add("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}

	// "b" is now least recently used.
	c.Add("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should still be cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d", c.Len())
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU[string, string](10, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Add("k", "v")
	now = now.Add(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len = %d", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits, %d misses", hits, misses)
	}
}

func TestLRURemoveFunc(t *testing.T) {
	c := NewLRU[int, string](10, time.Minute)
	for i := 0; i < 6; i++ {
		c.Add(i, fmt.Sprintf("ds%d", i%2))
	}
	if n := c.RemoveFunc(func(_ int, v string) bool { return v == "ds1" }); n != 3 {
		t.Errorf("removed %d, want 3", n)
	}
	if c.Len() != 3 {
		t.Errorf("Len = %d", c.Len())
	}
	if !c.Remove(0) || c.Remove(0) {
		t.Error("Remove should succeed once")
	}
	c.Purge()
	if c.Len() != 0 {
		t.Error("Purge left entries")
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := NewLRU[int, int](100, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Add(i%150, g)
				c.Get(i % 150)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 100 {
		t.Errorf("capacity exceeded: %d", c.Len())
	}
}
