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
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = DefaultChunkSize / 10
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{"\n## ", "\n### ", "\n\n", "\n", " ", ""}
)

// chunkNamespace scopes the chunk id derivation.
var chunkNamespace = uuid.MustParse("2d8e4f60-1a3b-5c7d-8e9f-0a1b2c3d4e5f")

// IngestorConfig controls chunking.
type IngestorConfig struct {
	ChunkSize    int `yaml:"chunk_size" validate:"gte=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0"`
}

// Ingestor chunks source documents, embeds every chunk in one batch, and
// writes them to an index.
type Ingestor struct {
	embedder llm.Embedder
	writer   Writer
	size     int
	overlap  int
}

// NewIngestor validates cfg. The embedder must match the index dimension;
// the caller checks that once at startup.
func NewIngestor(embedder llm.Embedder, writer Writer, cfg IngestorConfig) (*Ingestor, error) {
	if embedder == nil || writer == nil {
		return nil, fmt.Errorf("ingestor needs an embedder and a writer")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
		cfg.ChunkOverlap = DefaultChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	return &Ingestor{embedder: embedder, writer: writer, size: cfg.ChunkSize, overlap: cfg.ChunkOverlap}, nil
}

func (i *Ingestor) splitterFor(source string) textsplitter.TextSplitter {
	separators := defaultSeparators
	if strings.HasSuffix(strings.ToLower(source), ".md") {
		separators = markdownSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(i.size),
		textsplitter.WithChunkOverlap(i.overlap),
		textsplitter.WithSeparators(separators),
	)
}

// ChunkID derives a stable id from the source, chunk position and text, so
// re-ingesting unchanged material overwrites instead of duplicating.
func ChunkID(source string, chunk int, text string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(chunk)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return uuid.NewSHA1(chunkNamespace, h.Sum(nil)).String()
}

// ParseDocumentDate accepts RFC 3339 or a bare YYYY-MM-DD date.
func ParseDocumentDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid document date %q", s)
	}
	return t, nil
}

// Chunk splits items into documents without embedding them.
func (i *Ingestor) Chunk(items []datatypes.UpsertItem) ([]datatypes.KnowledgeDocument, error) {
	var docs []datatypes.KnowledgeDocument
	for _, item := range items {
		date, err := ParseDocumentDate(item.Date)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", item.Source, err)
		}
		chunks, err := i.splitterFor(item.Source).SplitText(item.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to split content of %s: %w", item.Source, err)
		}
		for n, text := range chunks {
			if strings.TrimSpace(text) == "" {
				continue
			}
			docs = append(docs, datatypes.KnowledgeDocument{
				ID:   ChunkID(item.Source, n, text),
				Text: text,
				Metadata: datatypes.DocumentMetadata{
					Source:   item.Source,
					Title:    item.Title,
					Category: item.Category,
					URL:      item.URL,
					Date:     date,
					Chunk:    n,
				},
			})
		}
	}
	return docs, nil
}

// Ingest chunks, embeds and writes items.
//
// # Outputs
//
//   - []string: Ids of every chunk written, in input order.
//   - error: Non-nil on split, embed or write failure. Nothing is written
//     when embedding fails.
func (i *Ingestor) Ingest(ctx context.Context, items []datatypes.UpsertItem) ([]string, error) {
	docs, err := i.Chunk(items)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	if len(docs) == 0 {
		return ids, nil
	}

	texts := make([]string, len(docs))
	for n, d := range docs {
		texts[n] = d.Text
	}
	vectors, err := i.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(docs))
	}
	if err := i.writer.Upsert(ctx, docs, vectors); err != nil {
		return nil, err
	}
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	slog.Info("Indexed knowledge chunks", "sources", len(items), "chunks", len(docs))
	return ids, nil
}
