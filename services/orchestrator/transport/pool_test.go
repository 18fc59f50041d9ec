// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientDefaultTimeout(t *testing.T) {
	p := NewPool()
	c := p.Client(0)
	if c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
}

func TestClientsShareTransport(t *testing.T) {
	p := NewPool()
	a := p.Client(3 * time.Second)
	b := p.Client(30 * time.Second)
	if a.Transport != b.Transport {
		t.Error("clients from the same pool should share one transport")
	}
	if a.Timeout == b.Timeout {
		t.Error("clients should carry their own timeouts")
	}
}

func TestDialerCachesLookups(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	var lookups atomic.Int32
	d := newCachingDialer(time.Minute)
	d.lookup = func(ctx context.Context, host string) ([]string, error) {
		lookups.Add(1)
		return []string{"127.0.0.1"}, nil
	}

	for i := 0; i < 3; i++ {
		conn, err := d.DialContext(context.Background(), "tcp", "fakehost.test:"+port)
		if err != nil {
			t.Fatalf("DialContext attempt %d error = %v", i, err)
		}
		conn.Close()
	}

	if got := lookups.Load(); got != 1 {
		t.Errorf("lookup called %d times, want 1 (cached)", got)
	}
}

func TestDialerRefreshesExpiredEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	var lookups atomic.Int32
	d := newCachingDialer(10 * time.Millisecond)
	d.lookup = func(ctx context.Context, host string) ([]string, error) {
		lookups.Add(1)
		return []string{"127.0.0.1"}, nil
	}

	dial := func() {
		t.Helper()
		conn, err := d.DialContext(context.Background(), "tcp", "fakehost.test:"+port)
		if err != nil {
			t.Fatalf("DialContext error = %v", err)
		}
		conn.Close()
	}

	dial()
	time.Sleep(30 * time.Millisecond)
	dial()

	if got := lookups.Load(); got != 2 {
		t.Errorf("lookup called %d times, want 2 (TTL expired)", got)
	}
}

func TestDialerBypassesCacheForLiteralIPs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	d := newCachingDialer(time.Minute)
	d.lookup = func(ctx context.Context, host string) ([]string, error) {
		t.Errorf("lookup called for literal IP host %q", host)
		return nil, nil
	}

	conn, err := d.DialContext(context.Background(), "tcp", server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("DialContext error = %v", err)
	}
	conn.Close()
}

func TestPoolServesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := NewPool()
	defer p.CloseIdleConnections()

	client := p.Client(2 * time.Second)
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
