// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport owns the shared HTTP connection pool used for every
// outbound call to the vector store and the LLM runtime.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the per-request timeout applied when an adapter does
	// not ask for a specific one.
	DefaultTimeout = 5 * time.Second

	// maxIdleConns caps the total pooled connections across all hosts.
	maxIdleConns = 200

	// maxConnsPerHost caps concurrent connections to a single downstream.
	maxConnsPerHost = 50

	// dnsTTL is how long a resolved host is served from the DNS cache.
	dnsTTL = 300 * time.Second
)

// =============================================================================
// Caching Dialer
// =============================================================================

// dnsEntry is one cached resolution.
type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// cachingDialer resolves hostnames through a TTL cache before dialing.
//
// # Description
//
// The mutex guards only the cache map; it is released before any lookup or
// dial so slow DNS or connect attempts never serialize other requests.
// Literal IP addresses bypass the cache entirely. Lookup failures are not
// cached; the next dial retries resolution.
//
// # Thread Safety
//
// Safe for concurrent use.
type cachingDialer struct {
	dialer *net.Dialer
	ttl    time.Duration

	// lookup is swappable for tests; defaults to net.Resolver.LookupHost.
	lookup func(ctx context.Context, host string) ([]string, error)

	mu    sync.Mutex
	cache map[string]dnsEntry
}

func newCachingDialer(ttl time.Duration) *cachingDialer {
	resolver := &net.Resolver{}
	return &cachingDialer{
		dialer: &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		ttl:    ttl,
		lookup: resolver.LookupHost,
		cache:  make(map[string]dnsEntry),
	}
}

// DialContext resolves addr's host through the cache and dials the first
// address that accepts a connection.
func (d *cachingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}
	if net.ParseIP(host) != nil {
		return d.dialer.DialContext(ctx, network, addr)
	}

	addrs, err := d.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving %s: %w", host, err)
	}

	var lastErr error
	for _, a := range addrs {
		conn, dialErr := d.dialer.DialContext(ctx, network, net.JoinHostPort(a, port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	return nil, fmt.Errorf("transport: dialing %s: %w", addr, lastErr)
}

// resolve serves host from the cache or refreshes the entry. The lock is
// released before the lookup; concurrent misses may race to refresh, which
// is harmless (last write wins, both results are valid).
func (d *cachingDialer) resolve(ctx context.Context, host string) ([]string, error) {
	now := time.Now()

	d.mu.Lock()
	if entry, ok := d.cache[host]; ok && now.Before(entry.expires) {
		addrs := entry.addrs
		d.mu.Unlock()
		return addrs, nil
	}
	d.mu.Unlock()

	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for host")
	}

	d.mu.Lock()
	d.cache[host] = dnsEntry{addrs: addrs, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	return addrs, nil
}

// =============================================================================
// Pool
// =============================================================================

// Pool is the process-wide connection pool: one http.Transport shared by
// every adapter, handed out as http.Client views with per-adapter timeouts.
//
// # Description
//
// Keep-alives are on, idle connections are capped at 200 total and 50 per
// host, and DNS resolutions are cached for 300s. The pool never retries:
// transport errors surface to the adapter that issued the call.
//
// # Thread Safety
//
// Safe for concurrent use; http.Transport does its own connection
// accounting.
type Pool struct {
	transport *http.Transport
}

// NewPool constructs the shared pool.
func NewPool() *Pool {
	return &Pool{
		transport: &http.Transport{
			DialContext:           newCachingDialer(dnsTTL).DialContext,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxConnsPerHost,
			MaxConnsPerHost:       maxConnsPerHost,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Client returns an http.Client view over the shared transport with the
// given per-request timeout. Non-positive timeouts take DefaultTimeout.
// Adapters still apply per-call context deadlines on top.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: p.transport,
		Timeout:   timeout,
	}
}

// CloseIdleConnections releases pooled sockets. In-flight requests finish
// normally; callers invoke this after the server has drained.
func (p *Pool) CloseIdleConnections() {
	p.transport.CloseIdleConnections()
}
