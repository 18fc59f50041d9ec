// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestFingerprintStableAndNormalized(t *testing.T) {
	base := Fingerprint("What is Docker?", []string{"p1", "p2"})

	tests := []struct {
		name     string
		question string
		passages []string
		same     bool
	}{
		{"identical inputs", "What is Docker?", []string{"p1", "p2"}, true},
		{"case is normalized", "WHAT IS DOCKER?", []string{"p1", "p2"}, true},
		{"whitespace is trimmed", "  What is Docker?  ", []string{"p1", "p2"}, true},
		{"different passages", "What is Docker?", []string{"p1"}, false},
		{"passage order matters", "What is Docker?", []string{"p2", "p1"}, false},
		{"different question", "What is Podman?", []string{"p1", "p2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.question, tt.passages)
			if (got == base) != tt.same {
				t.Errorf("Fingerprint(%q, %v) = %q, base = %q, want same=%v",
					tt.question, tt.passages, got, base, tt.same)
			}
		})
	}
}

func TestFingerprintNilAndEmptyPassagesMatch(t *testing.T) {
	withNil := Fingerprint("anything", nil)
	withEmpty := Fingerprint("anything", []string{})
	if withNil != withEmpty {
		t.Errorf("Fingerprint with nil passages = %q, with empty = %q, want equal", withNil, withEmpty)
	}
}

func TestLookupMissThenHit(t *testing.T) {
	c := New(10)
	key := Fingerprint("q", []string{"p"})

	if _, ok := c.Lookup(key); ok {
		t.Fatal("Lookup on empty cache reported a hit")
	}

	c.Store(key, "answer")

	got, ok := c.Lookup(key)
	if !ok {
		t.Fatal("Lookup after Store reported a miss")
	}
	if got != "answer" {
		t.Errorf("Lookup = %q, want %q", got, "answer")
	}

	stats := c.Snapshot()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit and 1 miss", stats)
	}
}

func TestStoreReplacesExistingEntry(t *testing.T) {
	c := New(10)
	c.Store("k", "first")
	c.Store("k", "second")

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Lookup("k")
	if got != "second" {
		t.Errorf("Lookup = %q, want %q", got, "second")
	}
}

func TestEvictionRemovesLeastRecentlyUsed(t *testing.T) {
	c := New(3)
	c.Store("a", "A")
	c.Store("b", "B")
	c.Store("c", "C")

	// Refresh "a" so "b" becomes the oldest access.
	if _, ok := c.Lookup("a"); !ok {
		t.Fatal("expected hit for a")
	}

	c.Store("d", "D")

	if _, ok := c.Lookup("b"); ok {
		t.Error("b should have been evicted as the least recently used entry")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Lookup(key); !ok {
			t.Errorf("%s should have survived eviction", key)
		}
	}

	if got := c.Snapshot().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := New(10)
	for i := 0; i < 100; i++ {
		c.Store(fmt.Sprintf("key-%d", i), "v")
		if c.Len() > 10 {
			t.Fatalf("Len() = %d exceeds capacity after %d inserts", c.Len(), i+1)
		}
	}
	if c.Len() != 10 {
		t.Errorf("Len() = %d, want 10", c.Len())
	}
}

func TestNonPositiveCapacityUsesDefault(t *testing.T) {
	c := New(0)
	if c.capacity != DefaultCapacity {
		t.Errorf("capacity = %d, want %d", c.capacity, DefaultCapacity)
	}
}

func TestConcurrentAccessKeepsInvariants(t *testing.T) {
	c := New(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := Fingerprint(fmt.Sprintf("q-%d", (g*13+i)%75), nil)
				if _, ok := c.Lookup(key); !ok {
					c.Store(key, "answer")
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len() = %d, want <= 50", c.Len())
	}
}
