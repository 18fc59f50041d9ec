// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"gopkg.in/yaml.v3"
)

// ModelTier is the closed set of quality tiers a model variant belongs to.
type ModelTier string

const (
	TierUltraFast    ModelTier = "ultra_fast"
	TierFast         ModelTier = "fast"
	TierQuality      ModelTier = "quality"
	TierUltraQuality ModelTier = "ultra_quality"
)

// Tiers lists every tier in ascending quality order.
var Tiers = []ModelTier{TierUltraFast, TierFast, TierQuality, TierUltraQuality}

// tierEnvOverrides maps each tier to its env override variable.
var tierEnvOverrides = map[ModelTier]string{
	TierUltraFast:    "RAG_MODEL_ULTRA_FAST",
	TierFast:         "RAG_MODEL_FAST",
	TierQuality:      "RAG_MODEL_QUALITY",
	TierUltraQuality: "RAG_MODEL_ULTRA_QUALITY",
}

//go:embed model_tiers.yaml
var defaultTiersYAML []byte

// tierConfig is the YAML shape of the embedded tier table.
type tierConfig struct {
	Tiers map[string]string `yaml:"tiers"`
}

// loadTierDefaults parses the embedded tier table and validates that all
// four tiers carry a model name.
func loadTierDefaults() (map[ModelTier]string, error) {
	var cfg tierConfig
	if err := yaml.Unmarshal(defaultTiersYAML, &cfg); err != nil {
		return nil, fmt.Errorf("routing: parsing tier defaults: %w", err)
	}
	names := make(map[ModelTier]string, len(Tiers))
	for _, tier := range Tiers {
		name, ok := cfg.Tiers[string(tier)]
		if !ok || name == "" {
			return nil, fmt.Errorf("routing: tier defaults missing %s", tier)
		}
		names[tier] = name
	}
	return names, nil
}

// Warmer is the LLM-side dependency of EnsureLoaded: the minimal generation
// that forces the runtime to load a model.
type Warmer interface {
	Warm(ctx context.Context, model string) error
}

// descriptor is one registered model variant.
type descriptor struct {
	name    string
	tier    ModelTier
	loaded  bool
	lastUse time.Time
}

// Registry holds the four model descriptors and routes buckets to them.
//
// # Description
//
// Select is a pure tier lookup. EnsureLoaded is idempotent and best-effort:
// under ONE process-wide mutex it issues the warm-up generation for a model
// that is not yet loaded and flips its descriptor on success; failures are
// logged and leave the descriptor cold, so the next request retries. The
// guard is deliberately process-wide rather than per-name — warming models
// competes for the same GPU memory, so serializing all warm-ups also
// prevents a thundering herd from loading four variants at once.
//
// # Thread Safety
//
// Safe for concurrent use. The warm-up mutex is held across the warm call
// by design (see above); Select and Snapshot use a separate state mutex and
// never block on warm-ups.
type Registry struct {
	warmer Warmer

	warmMu sync.Mutex // serializes all EnsureLoaded warm-ups

	mu          sync.Mutex // guards descriptors
	descriptors map[ModelTier]*descriptor
	byName      map[string][]*descriptor // env overrides can alias tiers to one name
}

// NewRegistry builds a registry from the embedded tier defaults and the
// RAG_MODEL_* env overrides.
func NewRegistry(warmer Warmer) (*Registry, error) {
	names, err := loadTierDefaults()
	if err != nil {
		return nil, err
	}
	for tier, envVar := range tierEnvOverrides {
		if override := os.Getenv(envVar); override != "" {
			slog.Info("Model tier overridden from environment",
				slog.String("tier", string(tier)),
				slog.String("model", override))
			names[tier] = override
		}
	}

	r := &Registry{
		warmer:      warmer,
		descriptors: make(map[ModelTier]*descriptor, len(Tiers)),
		byName:      make(map[string][]*descriptor, len(Tiers)),
	}
	for _, tier := range Tiers {
		d := &descriptor{name: names[tier], tier: tier}
		r.descriptors[tier] = d
		r.byName[d.name] = append(r.byName[d.name], d)
	}
	return r, nil
}

// Select returns the model name for a complexity bucket. Pure lookup:
// simple→ultra_fast, fast→fast, balanced→quality, complex→ultra_quality,
// anything else→fast.
func (r *Registry) Select(bucket Bucket) string {
	var tier ModelTier
	switch bucket {
	case BucketSimple:
		tier = TierUltraFast
	case BucketFast:
		tier = TierFast
	case BucketBalanced:
		tier = TierQuality
	case BucketComplex:
		tier = TierUltraQuality
	default:
		tier = TierFast
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.descriptors[tier]
	d.lastUse = time.Now()
	return d.name
}

// EnsureLoaded warms the named model if it has not been warmed yet.
//
// # Description
//
// Idempotent: once a descriptor is loaded it stays loaded and later calls
// return immediately. Best-effort: a warm-up failure logs a warning and
// returns the error, but callers are expected to continue — generation
// against a cold model merely pays the load latency on the first call.
// Unknown names are a no-op (the request may carry a model the registry
// does not manage). When env overrides alias several tiers to the same
// model name, one warm-up marks every one of those descriptors loaded: the
// runtime loads models by name, not by tier.
func (r *Registry) EnsureLoaded(ctx context.Context, name string) error {
	r.mu.Lock()
	ds, ok := r.byName[name]
	if !ok || ds[0].loaded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.warmMu.Lock()
	defer r.warmMu.Unlock()

	// Re-check under the warm guard: another request may have finished
	// this exact warm-up while we waited. Same-name descriptors flip
	// together, so checking the first one suffices.
	r.mu.Lock()
	if ds[0].loaded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.warmer.Warm(ctx, name); err != nil {
		slog.Warn("Model warm-up failed, descriptor stays cold",
			slog.String("model", name),
			slog.String("tier", string(ds[0].tier)),
			slog.String("error", err.Error()))
		return err
	}

	r.mu.Lock()
	now := time.Now()
	for _, d := range ds {
		d.loaded = true
		d.lastUse = now
	}
	r.mu.Unlock()
	return nil
}

// Snapshot returns the descriptor states in ascending tier order for the
// stats endpoint.
func (r *Registry) Snapshot() []datatypes.ModelState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]datatypes.ModelState, 0, len(Tiers))
	for _, tier := range Tiers {
		d := r.descriptors[tier]
		states = append(states, datatypes.ModelState{
			Name:    d.name,
			Tier:    string(d.tier),
			Loaded:  d.loaded,
			LastUse: d.lastUse,
		})
	}
	return states
}
