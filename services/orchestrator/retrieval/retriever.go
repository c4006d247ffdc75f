// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval turns a question and its findings into ranked,
// citable knowledge documents.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.retrieval")

// overfetchFactor widens the index search so deduplication still leaves k.
const overfetchFactor = 2

// Source labels passed to the degraded hook.
const (
	SourceEmbedding = "embedding"
	SourceIndex     = "index"
)

// Config holds per-call timeouts. Zero disables a timeout.
type Config struct {
	EmbedTimeout  time.Duration
	SearchTimeout time.Duration
}

// DegradedFunc is told when a collaborator failed and retrieval fell back
// to zero documents.
type DegradedFunc func(source string, err error)

// Retriever implements the retrieval stage of the answer pipeline.
//
// # Description
//
// One embedding call and one index search per question. Failures never
// propagate: they are logged, reported to the degraded hook, and produce
// an empty result so the answer can still be composed.
type Retriever struct {
	embedder llm.Embedder
	index    knowledge.Index
	cfg      Config
	degraded DegradedFunc
	logger   *slog.Logger
}

// New returns a Retriever. degraded may be nil.
func New(embedder llm.Embedder, index knowledge.Index, cfg Config, degraded DegradedFunc) (*Retriever, error) {
	if embedder == nil || index == nil {
		return nil, fmt.Errorf("retriever needs an embedder and an index")
	}
	if degraded == nil {
		degraded = func(string, error) {}
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		degraded: degraded,
		logger:   slog.Default().With("component", "retriever"),
	}, nil
}

// Retrieve returns at most k documents ranked 1..n.
//
// # Inputs
//
//   - ctx: Cancels both collaborator calls.
//   - question: The user's question.
//   - findings: Only anomalous findings contribute to the query.
//   - k: Number of documents wanted. k <= 0 returns none.
//   - filter: Optional metadata filter passed to the index.
//
// # Outputs
//
//   - []datatypes.RetrievedDocument: Never nil. Fewer than k when the index
//     has fewer matches.
func (r *Retriever) Retrieve(ctx context.Context, question string, findings []datatypes.Finding, k int, filter *datatypes.SearchFilter) []datatypes.RetrievedDocument {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.k", k))

	out := make([]datatypes.RetrievedDocument, 0)
	if k <= 0 {
		return out
	}

	query := BuildQuery(question, findings)
	vector, err := r.embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("Embedding failed, continuing without documents", "error", err)
		r.degraded(SourceEmbedding, err)
		return out
	}

	hits, err := r.search(ctx, vector, k*overfetchFactor, filter)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("Knowledge search failed, continuing without documents", "error", err)
		r.degraded(SourceIndex, err)
		return out
	}

	out = Rank(hits, k)
	span.SetAttributes(attribute.Int("retrieval.hits", len(hits)), attribute.Int("retrieval.docs", len(out)))
	return out
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	if r.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.EmbedTimeout)
		defer cancel()
	}
	return r.embedder.Embed(ctx, query)
}

func (r *Retriever) search(ctx context.Context, vector []float32, k int, filter *datatypes.SearchFilter) ([]datatypes.ScoredDocument, error) {
	if r.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.SearchTimeout)
		defer cancel()
	}
	return r.index.Search(ctx, vector, k, filter)
}

// BuildQuery appends a compact summary of anomalous findings to question.
func BuildQuery(question string, findings []datatypes.Finding) string {
	summary := SummarizeAnomalies(findings)
	if summary == "" {
		return question
	}
	return question + "\n\nRelevant findings: " + summary
}

// SummarizeAnomalies renders anomalous findings as e.g.
// "hr mean 74.2 bpm, 1 above safe range". Non-anomalous findings are skipped.
func SummarizeAnomalies(findings []datatypes.Finding) string {
	var parts []string
	for _, f := range datatypes.AnomalousFindings(findings) {
		var above, below, outliers int
		for _, ref := range f.AffectedSampleRefs {
			switch {
			case ref.Reason == datatypes.ReasonAbsoluteRange && ref.Direction == datatypes.DirectionHigh:
				above++
			case ref.Reason == datatypes.ReasonAbsoluteRange:
				below++
			case ref.Reason == datatypes.ReasonStatisticalDeviation:
				outliers++
			}
		}
		s := fmt.Sprintf("%s mean %.1f", f.MetricKind, f.Mean)
		if f.Unit != "" {
			s += " " + f.Unit
		}
		if above > 0 {
			s += fmt.Sprintf(", %d above safe range", above)
		}
		if below > 0 {
			s += fmt.Sprintf(", %d below safe range", below)
		}
		if outliers > 0 {
			s += fmt.Sprintf(", %d statistical outliers", outliers)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Rank dedups hits by id and by whitespace-normalized text, keeping the
// highest score, then orders by score desc, date desc (undated last), id
// asc, and assigns ranks 1..n after truncating to k.
func Rank(hits []datatypes.ScoredDocument, k int) []datatypes.RetrievedDocument {
	byID := make(map[string]datatypes.ScoredDocument, len(hits))
	for _, h := range hits {
		if prev, ok := byID[h.Document.ID]; !ok || h.Score > prev.Score {
			byID[h.Document.ID] = h
		}
	}
	byText := make(map[string]datatypes.ScoredDocument, len(byID))
	for _, h := range byID {
		text := normalizeText(h.Document.Text)
		prev, ok := byText[text]
		if !ok || h.Score > prev.Score || (h.Score == prev.Score && h.Document.ID < prev.Document.ID) {
			byText[text] = h
		}
	}

	unique := make([]datatypes.ScoredDocument, 0, len(byText))
	for _, h := range byText {
		unique = append(unique, h)
	}
	sort.Slice(unique, func(i, j int) bool {
		a, b := unique[i], unique[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := a.Document.Metadata.Date, b.Document.Metadata.Date
		if !da.Equal(db) {
			if da.IsZero() {
				return false
			}
			if db.IsZero() {
				return true
			}
			return da.After(db)
		}
		return a.Document.ID < b.Document.ID
	})
	if len(unique) > k {
		unique = unique[:k]
	}

	out := make([]datatypes.RetrievedDocument, len(unique))
	for i, h := range unique {
		out[i] = datatypes.RetrievedDocument{
			ID:             h.Document.ID,
			Text:           h.Document.Text,
			Metadata:       h.Document.Metadata,
			RelevanceScore: h.Score,
			Rank:           i + 1,
		}
	}
	return out
}
