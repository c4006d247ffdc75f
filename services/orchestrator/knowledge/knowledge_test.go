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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

func doc(id, category, text string) datatypes.KnowledgeDocument {
	return datatypes.KnowledgeDocument{
		ID:       id,
		Text:     text,
		Metadata: datatypes.DocumentMetadata{Category: category, Source: "test"},
	}
}

func TestMemoryIndex_SearchOrdersByCosine(t *testing.T) {
	idx := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx,
		[]datatypes.KnowledgeDocument{doc("a", "cardio", "a"), doc("b", "sleep", "b"), doc("c", "cardio", "c")},
		[][]float32{{1, 0}, {0, 1}, {1, 1}},
	))

	hits, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Document.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "c", hits[1].Document.ID)

	filtered, err := idx.Search(ctx, []float32{0, 1}, 5, &datatypes.SearchFilter{Key: "category", Value: "cardio"})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	for _, h := range filtered {
		assert.Equal(t, "cardio", h.Document.Metadata.Category)
	}
}

func TestMemoryIndex_Validation(t *testing.T) {
	idx := NewMemoryIndex(3)
	ctx := context.Background()

	_, err := idx.Search(ctx, []float32{1, 0}, 3, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = idx.Search(ctx, []float32{1, 0, 0}, 3, &datatypes.SearchFilter{Key: "title", Value: "x"})
	assert.Error(t, err)

	_, err = idx.Search(ctx, []float32{1, 0, 0}, 3, &datatypes.SearchFilter{Key: "category", Value: `x" }`})
	assert.Error(t, err)

	err = idx.Upsert(ctx, []datatypes.KnowledgeDocument{doc("a", "", "a")}, [][]float32{{1, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndex_UpsertReplacesAndDelete(t *testing.T) {
	idx := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []datatypes.KnowledgeDocument{doc("a", "", "old")}, [][]float32{{1, 0}}))
	require.NoError(t, idx.Upsert(ctx, []datatypes.KnowledgeDocument{doc("a", "", "new")}, [][]float32{{1, 0}}))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", hits[0].Document.Text)

	n, err := idx.Delete(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndex_ZeroVectorScoresZero(t *testing.T) {
	idx := NewMemoryIndex(2)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, []datatypes.KnowledgeDocument{doc("z", "", "z")}, [][]float32{{0, 0}}))
	hits, err := idx.Search(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.0, hits[0].Score)
}

// fakeEmbedder returns a vector derived from text length.
type fakeEmbedder struct {
	dim   int
	calls int
	err   error
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func TestIngestor_ChunksEmbedsOnceAndWrites(t *testing.T) {
	idx := NewMemoryIndex(2)
	emb := &fakeEmbedder{dim: 2}
	ing, err := NewIngestor(emb, idx, IngestorConfig{ChunkSize: 40, ChunkOverlap: 0})
	require.NoError(t, err)

	text := strings.Repeat("Resting heart rate is usually 60 to 100.\n\n", 3)
	ids, err := ing.Ingest(context.Background(), []datatypes.UpsertItem{
		{Text: text, Source: "aha.md", Title: "Heart rate", Category: "cardio", Date: "2024-05-01"},
		{Text: "Adults need seven or more hours of sleep.", Source: "cdc", Category: "sleep"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, emb.calls, "one batch embed for every chunk")
	assert.GreaterOrEqual(t, len(ids), 4)
	assert.Equal(t, len(ids), idx.Len())

	again, err := ing.Ingest(context.Background(), []datatypes.UpsertItem{
		{Text: "Adults need seven or more hours of sleep.", Source: "cdc", Category: "sleep"},
	})
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1], again[0], "ids are stable across ingests")
	assert.Equal(t, len(ids), idx.Len())
}

func TestIngestor_EmbedFailureWritesNothing(t *testing.T) {
	idx := NewMemoryIndex(2)
	ing, err := NewIngestor(&fakeEmbedder{dim: 2, err: errors.New("down")}, idx, IngestorConfig{})
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), []datatypes.UpsertItem{{Text: "x", Source: "s"}})
	require.Error(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestIngestor_RejectsBadInput(t *testing.T) {
	_, err := NewIngestor(&fakeEmbedder{dim: 2}, NewMemoryIndex(2), IngestorConfig{ChunkSize: 10, ChunkOverlap: 10})
	assert.Error(t, err)

	ing, err := NewIngestor(&fakeEmbedder{dim: 2}, NewMemoryIndex(2), IngestorConfig{})
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), []datatypes.UpsertItem{{Text: "x", Source: "s", Date: "yesterday"}})
	assert.Error(t, err)
}

func TestParseDocumentDate(t *testing.T) {
	d, err := ParseDocumentDate("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 2024, d.Year())

	d, err = ParseDocumentDate("2024-05-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour())

	d, err = ParseDocumentDate("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestChunkID_Deterministic(t *testing.T) {
	assert.Equal(t, ChunkID("s", 0, "text"), ChunkID("s", 0, "text"))
	assert.NotEqual(t, ChunkID("s", 0, "text"), ChunkID("s", 1, "text"))
	assert.NotEqual(t, ChunkID("s", 0, "text"), ChunkID("t", 0, "text"))
	assert.Equal(t, ObjectID("a"), ObjectID("a"))
}

func newWeaviateTestIndex(t *testing.T, handler http.HandlerFunc) *WeaviateIndex {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	client, err := weaviate.NewClient(weaviate.Config{Host: u.Host, Scheme: u.Scheme})
	require.NoError(t, err)
	idx, err := NewWeaviateIndex(client, 2)
	require.NoError(t, err)
	return idx
}

func TestWeaviateIndex_Search(t *testing.T) {
	var gotQuery string
	idx := newWeaviateTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/graphql" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Query string `json:"query"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		gotQuery = req.Query
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"Get":{"MedicalKnowledge":[
			{"doc_id":"d1","content":"Normal resting HR is 60-100 bpm.","source":"aha","title":"HR","category":"cardio","url":"","published_at":1714521600,"chunk":0,"_additional":{"id":"x","certainty":0.91,"distance":0.18}},
			{"doc_id":"","content":"Sleep","source":"cdc","title":"Sleep","category":"sleep","url":"","published_at":0,"chunk":2,"_additional":{"id":"obj-2","certainty":null,"distance":0.4}}
		]}}}`)
	})

	hits, err := idx.Search(context.Background(), []float32{0.1, 0.2}, 4, &datatypes.SearchFilter{Key: "category", Value: "cardio"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d1", hits[0].Document.ID)
	assert.InDelta(t, 0.91, hits[0].Score, 1e-6)
	assert.Equal(t, 2024, hits[0].Document.Metadata.Date.Year())
	assert.Equal(t, "obj-2", hits[1].Document.ID)
	assert.InDelta(t, 0.6, hits[1].Score, 1e-6)
	assert.True(t, hits[1].Document.Metadata.Date.IsZero())

	assert.Contains(t, gotQuery, datatypes.KnowledgeClassName)
	assert.Contains(t, gotQuery, "nearVector")
	assert.Contains(t, gotQuery, "category")
	assert.Contains(t, gotQuery, "limit: 4")
}

func TestWeaviateIndex_SearchGraphQLError(t *testing.T) {
	idx := newWeaviateTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errors":[{"message":"class not found"}]}`)
	})
	_, err := idx.Search(context.Background(), []float32{0.1, 0.2}, 4, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class not found")
}

func TestWeaviateIndex_DimensionCheckedBeforeCall(t *testing.T) {
	var graphqlCalls int
	idx := newWeaviateTestIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/graphql" {
			graphqlCalls++
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	})
	_, err := idx.Search(context.Background(), []float32{1, 2, 3}, 4, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, graphqlCalls)
}
