// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge provides the static fallback knowledge table used when
// the vector store is unreachable. The default table is compiled into the
// binary; an optional override file can replace it at runtime.
package knowledge

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

var knowledgeTracer = otel.Tracer("aleutian.rag.knowledge")

// =============================================================================
// Embedded Default Knowledge Table
// =============================================================================

//go:embed fallback_knowledge.yaml
var defaultKnowledgeYAML []byte

// maxKnowledgeFileSize bounds override files; the table is a small rule set,
// not a document corpus.
const maxKnowledgeFileSize = 1 << 20

// =============================================================================
// Table Types
// =============================================================================

// Entry maps one substring keyword to its grounding snippets.
type Entry struct {
	// Keyword is matched as a substring of the lowercased question.
	Keyword string `yaml:"keyword"`

	// Snippets are the grounding passages returned on a match.
	Snippets []string `yaml:"snippets"`
}

// tableConfig is the YAML shape of a knowledge table.
type tableConfig struct {
	Entries []Entry  `yaml:"entries"`
	Default []string `yaml:"default"`
}

// Table is an immutable, ordered keyword→snippets table.
//
// # Description
//
// Lookup lowercases the question and returns the snippets of the FIRST entry
// whose keyword occurs as a substring, or the generic default list when none
// matches. Lookup is pure and side-effect free.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Table struct {
	entries  []Entry
	fallback []string
}

// Load parses and validates a knowledge table from YAML bytes.
//
// # Description
//
// Keywords are lowercased at load time so Lookup only lowercases the
// question. Validation requires at least one entry, a non-empty keyword and
// snippet list per entry, and a non-empty default list.
func Load(ctx context.Context, data []byte) (*Table, error) {
	_, span := knowledgeTracer.Start(ctx, "knowledge.Load")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("knowledge: empty YAML data")
	}
	if len(data) > maxKnowledgeFileSize {
		return nil, fmt.Errorf("knowledge: YAML data exceeds maximum size (%d > %d)", len(data), maxKnowledgeFileSize)
	}

	var cfg tableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("knowledge: parsing YAML: %w", err)
	}

	if len(cfg.Entries) == 0 {
		return nil, fmt.Errorf("knowledge: table must contain at least one entry")
	}
	if len(cfg.Default) == 0 {
		return nil, fmt.Errorf("knowledge: default snippet list must not be empty")
	}
	for i := range cfg.Entries {
		if strings.TrimSpace(cfg.Entries[i].Keyword) == "" {
			return nil, fmt.Errorf("knowledge: entry[%d]: keyword must not be empty", i)
		}
		if len(cfg.Entries[i].Snippets) == 0 {
			return nil, fmt.Errorf("knowledge: entry[%d] (%s): snippets must not be empty", i, cfg.Entries[i].Keyword)
		}
		cfg.Entries[i].Keyword = strings.ToLower(strings.TrimSpace(cfg.Entries[i].Keyword))
	}

	span.SetAttributes(
		attribute.Int("entries", len(cfg.Entries)),
		attribute.Int("default_snippets", len(cfg.Default)),
	)

	return &Table{entries: cfg.Entries, fallback: cfg.Default}, nil
}

// Lookup returns the snippets for the first keyword found in question, or
// the generic default list when no keyword matches. The returned slice is
// shared and must be treated as read-only.
func (t *Table) Lookup(question string) []string {
	lower := strings.ToLower(question)
	for _, e := range t.entries {
		if strings.Contains(lower, e.Keyword) {
			return e.Snippets
		}
	}
	return t.fallback
}

// Len returns the number of keyword entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// =============================================================================
// Singleton Default Table
// =============================================================================

var (
	defaultTableMu      sync.RWMutex
	defaultTableOnce    sync.Once
	cachedDefaultTable  *Table
	defaultTableLoadErr error
)

// DefaultTable returns the compiled-in knowledge table.
//
// # Thread Safety
//
// Safe for concurrent use via sync.Once.
func DefaultTable(ctx context.Context) (*Table, error) {
	defaultTableMu.RLock()
	if cachedDefaultTable != nil || defaultTableLoadErr != nil {
		t, err := cachedDefaultTable, defaultTableLoadErr
		defaultTableMu.RUnlock()
		return t, err
	}
	defaultTableMu.RUnlock()

	defaultTableMu.Lock()
	defer defaultTableMu.Unlock()

	defaultTableOnce.Do(func() {
		cachedDefaultTable, defaultTableLoadErr = Load(ctx, defaultKnowledgeYAML)
	})
	return cachedDefaultTable, defaultTableLoadErr
}

// =============================================================================
// Provider — override file with hot reload
// =============================================================================

// Provider serves the active knowledge table: the embedded default, or the
// override file named by RAG_KNOWLEDGE_FILE when one is configured.
//
// # Description
//
// The provider swaps immutable Table snapshots under an RWMutex; lookups
// never block on reloads. A broken override file logs a warning and keeps
// the last good table, so degraded retrieval always has snippets to serve.
//
// # Thread Safety
//
// Safe for concurrent use.
type Provider struct {
	mu           sync.RWMutex
	table        *Table
	overridePath string
}

// NewProvider builds a Provider from the embedded table, then applies the
// override file if overridePath is non-empty. A missing or invalid override
// is non-fatal: it logs a warning and the embedded table stays active.
func NewProvider(ctx context.Context, overridePath string) (*Provider, error) {
	base, err := DefaultTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("knowledge: loading embedded table: %w", err)
	}

	p := &Provider{table: base, overridePath: overridePath}
	if overridePath != "" {
		if err := p.Reload(ctx); err != nil {
			slog.Warn("Knowledge override unavailable, using embedded table",
				slog.String("path", overridePath),
				slog.String("error", err.Error()))
		}
	}
	return p, nil
}

// Lookup delegates to the active table snapshot.
func (p *Provider) Lookup(question string) []string {
	return p.Current().Lookup(question)
}

// Current returns the active table snapshot.
func (p *Provider) Current() *Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Reload re-reads the override file and swaps it in if it validates.
// No-op when no override path is configured.
func (p *Provider) Reload(ctx context.Context) error {
	if p.overridePath == "" {
		return nil
	}

	data, err := os.ReadFile(p.overridePath)
	if err != nil {
		return fmt.Errorf("knowledge: reading override: %w", err)
	}
	table, err := Load(ctx, data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.table = table
	p.mu.Unlock()

	slog.Info("Knowledge override loaded",
		slog.String("path", p.overridePath),
		slog.Int("entries", table.Len()))
	return nil
}

// Watch reloads the override file whenever it changes, until ctx is
// cancelled. The parent directory is watched because editors and config
// mounts typically replace the file rather than write it in place.
//
// Returns immediately (nil) when no override path is configured.
func (p *Provider) Watch(ctx context.Context) error {
	if p.overridePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("knowledge: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.overridePath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("knowledge: watching %s: %w", dir, err)
	}
	target := filepath.Clean(p.overridePath)

	slog.Info("Watching knowledge override for changes", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := p.Reload(ctx); err != nil {
				slog.Warn("Knowledge override reload failed, keeping previous table",
					slog.String("path", target),
					slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Knowledge watcher error", slog.String("error", err.Error()))
		}
	}
}
