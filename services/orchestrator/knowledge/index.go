// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge stores and searches the medical knowledge corpus.
package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// ErrDimensionMismatch is returned when a vector's length differs from the index's.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Index is the read side used by the retriever.
type Index interface {
	// Search returns up to k documents nearest to vector, best first.
	// A nil filter searches the whole corpus.
	Search(ctx context.Context, vector []float32, k int, filter *datatypes.SearchFilter) ([]datatypes.ScoredDocument, error)

	// Dimension is the vector length the index stores.
	Dimension() int
}

// Writer is implemented by indexes that accept writes.
type Writer interface {
	// Upsert stores docs with their vectors, replacing existing ids.
	Upsert(ctx context.Context, docs []datatypes.KnowledgeDocument, vectors [][]float32) error

	// Delete removes documents by id and reports how many were removed.
	Delete(ctx context.Context, ids []string) (int, error)
}

// Pinger is implemented by indexes that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

func checkVector(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

func checkFilter(f *datatypes.SearchFilter) error {
	if f == nil {
		return nil
	}
	switch f.Key {
	case "category", "source":
	default:
		return fmt.Errorf("unsupported filter key %q", f.Key)
	}
	return validation.ValidateTagValue(f.Value)
}

func checkUpsert(docs []datatypes.KnowledgeDocument, vectors [][]float32, dim int) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("got %d documents and %d vectors", len(docs), len(vectors))
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if err := checkVector(vectors[i], dim); err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
	}
	return nil
}
