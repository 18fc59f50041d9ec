// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the orchestrator's response cache: a
// fixed-capacity, mutex-guarded LRU keyed by an MD5 fingerprint of
// (normalized question, context passages).
package cache

// =============================================================================
// Response Cache — Fingerprinted LRU (volatile, never persisted)
// =============================================================================
//
// Design choices:
//
//	1. MD5 fingerprint: the key identifies (question, passages) pairs; it is
//	   a cache fingerprint, not a security boundary. MD5 keeps keys short and
//	   is stable across runs for the same normalized inputs.
//
//	2. Single mutex: every operation is pure memory and O(1); serializing
//	   reads and writes on one sync.Mutex keeps lookups linearizable and makes
//	   the capacity invariant trivial to maintain. No lock is ever held across
//	   I/O — callers do their network work before and after cache calls.
//
//	3. The model identifier is deliberately NOT part of the key. Two requests
//	   with the same question and passages share an entry even when task_hint
//	   routed them to different models; generation is idempotent for RAG
//	   purposes, so the first stored answer serves both.
//
//	4. No single-flight coalescing: concurrent identical misses may both
//	   generate and both store. The last write wins and the map keeps at most
//	   one entry per key.

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCapacity is the number of entries the cache holds unless
// RAG_CACHE_CAPACITY overrides it.
const DefaultCapacity = 2000

// Prometheus metrics for cache behavior.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "rag_cache",
		Name:      "hits_total",
		Help:      "Number of response cache hits.",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "rag_cache",
		Name:      "misses_total",
		Help:      "Number of response cache misses.",
	})

	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "rag_cache",
		Name:      "evictions_total",
		Help:      "Number of entries evicted to make room for new ones.",
	})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "rag_cache",
		Name:      "entries",
		Help:      "Current number of entries in the response cache.",
	})
)

// Fingerprint derives the cache key for a question and its context passages.
//
// # Description
//
// The question is normalized (surrounding whitespace trimmed, lower-cased);
// the passages are used verbatim, in order. Key material is
// normalized_question ‖ "\x00" ‖ join(passages, "\x00"), hashed with MD5 and
// hex-encoded. Stable across runs and processes for the same inputs.
//
// Nil and empty passage lists produce the same key: a question asked with no
// context still caches, so repeated empty-context questions hit.
func Fingerprint(question string, passages []string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	h := md5.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(passages, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is one cached answer. lastAccess is refreshed on every lookup hit and
// store; the list order mirrors it, so eviction can take the list tail
// instead of scanning timestamps.
type entry struct {
	key        string
	answer     string
	lastAccess time.Time
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// ResponseCache is a fixed-capacity LRU from fingerprint to answer.
//
// # Description
//
// Lookup refreshes recency and counts a hit or miss. Store replaces an
// existing entry in place or, when the cache is full, evicts exactly the
// least-recently-used entry before inserting. Size never exceeds capacity.
//
// # Thread Safety
//
// Safe for concurrent use. All operations serialize on one mutex; every
// operation is O(1) pure memory, so contention stays cheap.
type ResponseCache struct {
	mu        sync.Mutex
	capacity  int
	entries   map[string]*list.Element
	order     *list.List // front = most recently used
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a ResponseCache holding at most capacity entries.
// Non-positive capacities fall back to DefaultCapacity.
func New(capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResponseCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Lookup returns the cached answer for key and whether it was present.
// A hit refreshes the entry's recency.
func (c *ResponseCache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		cacheMissesTotal.Inc()
		return "", false
	}

	c.order.MoveToFront(el)
	e := el.Value.(*entry)
	e.lastAccess = time.Now()
	c.hits++
	cacheHitsTotal.Inc()
	return e.answer, true
}

// Store inserts or replaces the answer for key. When the cache is at
// capacity and key is new, the least-recently-used entry is evicted first.
func (c *ResponseCache) Store(key, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*entry)
		e.answer = answer
		e.lastAccess = time.Now()
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}

	el := c.order.PushFront(&entry{key: key, answer: answer, lastAccess: time.Now()})
	c.entries[key] = el
	cacheEntries.Set(float64(c.order.Len()))
}

// evictOldestLocked removes the list tail. Caller must hold c.mu.
func (c *ResponseCache) evictOldestLocked() {
	tail := c.order.Back()
	if tail == nil {
		return
	}
	c.order.Remove(tail)
	delete(c.entries, tail.Value.(*entry).key)
	c.evictions++
	cacheEvictionsTotal.Inc()
}

// Len returns the current number of entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Snapshot returns a copy of the counters for the stats endpoint.
func (c *ResponseCache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
}
