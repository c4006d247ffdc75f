// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/viterin/vek/vek32"
)

type memoryEntry struct {
	doc    datatypes.KnowledgeDocument
	vector []float32
}

// MemoryIndex is a brute-force cosine index for tests and small corpora.
type MemoryIndex struct {
	mu      sync.RWMutex
	dim     int
	entries map[string]memoryEntry
}

// NewMemoryIndex returns an empty index of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{dim: dimension, entries: make(map[string]memoryEntry)}
}

// Dimension implements Index.
func (m *MemoryIndex) Dimension() int {
	return m.dim
}

// Len returns the number of stored documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Search implements Index. Ties in score are broken by id.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int, filter *datatypes.SearchFilter) ([]datatypes.ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkVector(vector, m.dim); err != nil {
		return nil, err
	}
	if err := checkFilter(filter); err != nil {
		return nil, err
	}
	out := make([]datatypes.ScoredDocument, 0)
	if k <= 0 {
		return out, nil
	}

	m.mu.RLock()
	for _, e := range m.entries {
		if !matches(e.doc, filter) {
			continue
		}
		score := float64(vek32.CosineSimilarity(vector, e.vector))
		if math.IsNaN(score) {
			// zero vector
			score = 0
		}
		out = append(out, datatypes.ScoredDocument{Document: e.doc, Score: score})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Document.ID < out[j].Document.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func matches(doc datatypes.KnowledgeDocument, f *datatypes.SearchFilter) bool {
	if f == nil {
		return true
	}
	switch f.Key {
	case "category":
		return doc.Metadata.Category == f.Value
	case "source":
		return doc.Metadata.Source == f.Value
	}
	return false
}

// Upsert implements Writer.
func (m *MemoryIndex) Upsert(_ context.Context, docs []datatypes.KnowledgeDocument, vectors [][]float32) error {
	if err := checkUpsert(docs, vectors, m.dim); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range docs {
		v := make([]float32, len(vectors[i]))
		copy(v, vectors[i])
		m.entries[d.ID] = memoryEntry{doc: d, vector: v}
	}
	return nil
}

// Delete implements Writer.
func (m *MemoryIndex) Delete(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.entries[id]; ok {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MemoryIndex) Ping(context.Context) error {
	return nil
}
