// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeseries

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// MemoryStore keeps samples in process. It backs local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]datatypes.MetricSample
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string][]datatypes.MetricSample),
		now:     time.Now,
	}
}

// Register makes a user known without adding samples.
func (m *MemoryStore) Register(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.samples[userID]; !ok {
		m.samples[userID] = nil
	}
}

// WriteSamples appends samples for userID, registering the user.
func (m *MemoryStore) WriteSamples(_ context.Context, userID string, samples []datatypes.MetricSample) error {
	if err := validation.ValidateUserID(userID); err != nil {
		return err
	}
	if err := validateSamples(samples); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[userID] = append(m.samples[userID], samples...)
	return nil
}

// Fetch implements Store.
func (m *MemoryStore) Fetch(ctx context.Context, userID string, kinds []datatypes.MetricKind, since, until time.Time) ([]datatypes.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all, ok := m.samples[userID]
	if !ok {
		return nil, &NotFoundError{UserID: userID}
	}
	if until.IsZero() {
		until = m.now()
	}
	want := make(map[datatypes.MetricKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	out := make([]datatypes.MetricSample, 0)
	for _, s := range all {
		if !want[s.Kind] {
			continue
		}
		if s.Timestamp.Before(since) || !s.Timestamp.Before(until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
