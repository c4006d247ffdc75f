// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// kindSet is one immutable metric-kind policy.
type kindSet struct {
	defaults  []datatypes.MetricKind
	available map[datatypes.MetricKind]bool
	order     []datatypes.MetricKind
}

// resolveKinds parses and cross-checks a policy.
func resolveKinds(defaults, available []string) (*kindSet, error) {
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: available kinds must not be empty", ErrInvalidConfig)
	}
	if len(defaults) == 0 {
		return nil, fmt.Errorf("%w: default kinds must not be empty", ErrInvalidConfig)
	}
	avail, err := datatypes.ParseMetricKinds(available)
	if err != nil {
		return nil, fmt.Errorf("%w: available: %w", ErrInvalidConfig, err)
	}
	defs, err := datatypes.ParseMetricKinds(defaults)
	if err != nil {
		return nil, fmt.Errorf("%w: default: %w", ErrInvalidConfig, err)
	}

	set := &kindSet{
		defaults:  defs,
		available: make(map[datatypes.MetricKind]bool, len(avail)),
		order:     avail,
	}
	for _, k := range avail {
		set.available[k] = true
	}
	for _, k := range defs {
		if !set.available[k] {
			return nil, fmt.Errorf("%w: default kind %q is not available", ErrInvalidConfig, k)
		}
	}
	return set, nil
}

// MetricConfig is the runtime metric-kind policy.
//
// # Description
//
// Holds the current policy behind an atomic pointer. Readers never block
// and always see a consistent pair of defaults and available kinds.
// Update swaps in a new policy only after it validates.
//
// # Thread Safety
//
// Safe for concurrent use.
type MetricConfig struct {
	current atomic.Pointer[kindSet]
}

// NewMetricConfig validates the startup policy.
func NewMetricConfig(cfg MetricKindsConfig) (*MetricConfig, error) {
	set, err := resolveKinds(cfg.Default, cfg.Available)
	if err != nil {
		return nil, err
	}
	m := &MetricConfig{}
	m.current.Store(set)
	return m, nil
}

// DefaultMetricKinds returns a copy of the current defaults.
func (m *MetricConfig) DefaultMetricKinds() []datatypes.MetricKind {
	set := m.current.Load()
	out := make([]datatypes.MetricKind, len(set.defaults))
	copy(out, set.defaults)
	return out
}

// IsAvailable reports whether requests may name kind.
func (m *MetricConfig) IsAvailable(kind datatypes.MetricKind) bool {
	return m.current.Load().available[kind]
}

// Snapshot returns the policy in API form.
func (m *MetricConfig) Snapshot() datatypes.MetricConfigResponse {
	set := m.current.Load()
	return datatypes.MetricConfigResponse{
		DefaultMetricKinds:   datatypes.MetricKindStrings(set.defaults),
		AvailableMetricKinds: datatypes.MetricKindStrings(set.order),
	}
}

// Update replaces the policy.
//
// # Inputs
//
//   - defaults: New default kinds. Empty keeps the current defaults.
//   - available: New available kinds. Empty keeps the current set.
//
// # Outputs
//
//   - error: Wraps ErrInvalidConfig for unknown kinds or a default that is
//     not available. The current policy is unchanged on error.
func (m *MetricConfig) Update(defaults, available []string) error {
	for {
		old := m.current.Load()
		defs, avail := defaults, available
		if len(defs) == 0 {
			defs = datatypes.MetricKindStrings(old.defaults)
		}
		if len(avail) == 0 {
			avail = datatypes.MetricKindStrings(old.order)
		}
		next, err := resolveKinds(defs, avail)
		if err != nil {
			return err
		}
		if m.current.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Apply replaces the policy from a reloaded config section.
func (m *MetricConfig) Apply(cfg MetricKindsConfig) error {
	set, err := resolveKinds(cfg.Default, cfg.Available)
	if err != nil {
		return err
	}
	m.current.Store(set)
	return nil
}
