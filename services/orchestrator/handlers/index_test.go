// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

// hashEmbedder maps text to a fixed vector by keyword, so searches are
// predictable.
type hashEmbedder struct {
	err error
}

func (h *hashEmbedder) vector(text string) []float32 {
	t := strings.ToLower(text)
	v := []float32{0.01, 0.01, 0.01, 0.01}
	if strings.Contains(t, "heart") {
		v[0] = 1
	}
	if strings.Contains(t, "sleep") {
		v[1] = 1
	}
	if strings.Contains(t, "steps") {
		v[2] = 1
	}
	return v
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.vector(text), nil
}

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *hashEmbedder) Dimension() int { return testDim }

func newIndexRouter(t *testing.T, embedder *hashEmbedder) (*gin.Engine, *knowledge.MemoryIndex, *recordingAudit) {
	t.Helper()
	index := knowledge.NewMemoryIndex(testDim)
	ingestor, err := knowledge.NewIngestor(embedder, index, knowledge.IngestorConfig{})
	require.NoError(t, err)
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	audit := &recordingAudit{}

	deps := IndexDeps{
		Ingester: ingestor,
		Writer:   index,
		Index:    index,
		Embedder: embedder,
		Policy:   engine,
		Audit:    audit,
	}
	r := gin.New()
	r.POST("/v1/index/upsert", HandleIndexUpsert(deps))
	r.POST("/v1/index/delete", HandleIndexDelete(deps))
	r.POST("/v1/index/search", HandleIndexSearch(deps))
	return r, index, audit
}

var corpus = datatypes.UpsertRequest{Items: []datatypes.UpsertItem{
	{Text: "A normal resting heart rate for adults is 60 to 100 beats per minute.", Source: "heart.md", Title: "Heart rate", Category: "cardio"},
	{Text: "Adults need seven or more hours of sleep per night.", Source: "sleep.md", Title: "Sleep", Category: "sleep"},
}}

func TestHandleIndexUpsert_Success(t *testing.T) {
	r, index, audit := newIndexRouter(t, &hashEmbedder{})

	w := postJSON(t, r, "/v1/index/upsert", corpus)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp datatypes.UpsertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.IDs, 2)
	assert.Equal(t, 2, index.Len())
	require.Len(t, audit.events, 1)
	assert.Equal(t, "success", audit.events[0].Outcome)

	// Same content yields the same ids, so a second upsert replaces.
	w = postJSON(t, r, "/v1/index/upsert", corpus)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, index.Len())
}

func TestHandleIndexUpsert_RefusesPersonalData(t *testing.T) {
	r, index, audit := newIndexRouter(t, &hashEmbedder{})

	req := datatypes.UpsertRequest{Items: []datatypes.UpsertItem{
		corpus.Items[0],
		{Text: "Patient SSN 123-45-6789 had elevated glucose.", Source: "case.txt"},
	}}
	w := postJSON(t, r, "/v1/index/upsert", req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var body struct {
		Error    string        `json:"error"`
		Findings []ItemFinding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Findings, 1)
	assert.Equal(t, 1, body.Findings[0].Item)
	assert.Equal(t, "case.txt", body.Findings[0].Source)
	assert.Equal(t, "US_SSN", body.Findings[0].Matches[0].PatternID)
	assert.NotContains(t, w.Body.String(), "123-45-6789")

	assert.Zero(t, index.Len(), "nothing is written when any item is refused")
	require.Len(t, audit.events, 1)
	assert.Equal(t, "refused", audit.events[0].Outcome)
}

func TestHandleIndexUpsert_Validation(t *testing.T) {
	r, _, _ := newIndexRouter(t, &hashEmbedder{})

	tests := []struct {
		name string
		body any
	}{
		{"no items", datatypes.UpsertRequest{}},
		{"missing source", datatypes.UpsertRequest{Items: []datatypes.UpsertItem{{Text: "x"}}}},
		{"bad url", datatypes.UpsertRequest{Items: []datatypes.UpsertItem{{Text: "x", Source: "s", URL: "not a url"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, r, "/v1/index/upsert", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleIndexUpsert_EmbedderFailure(t *testing.T) {
	r, index, _ := newIndexRouter(t, &hashEmbedder{err: errors.New("embedding backend down")})
	w := postJSON(t, r, "/v1/index/upsert", corpus)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "backend down")
	assert.Zero(t, index.Len())
}

func TestHandleIndexDelete(t *testing.T) {
	r, index, _ := newIndexRouter(t, &hashEmbedder{})
	w := postJSON(t, r, "/v1/index/upsert", corpus)
	require.Equal(t, http.StatusOK, w.Code)
	var up datatypes.UpsertResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))

	w = postJSON(t, r, "/v1/index/delete", datatypes.DeleteRequest{IDs: []string{up.IDs[0], "unknown"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","deleted":1}`, w.Body.String())
	assert.Equal(t, 1, index.Len())

	w = postJSON(t, r, "/v1/index/delete", datatypes.DeleteRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIndexSearch(t *testing.T) {
	r, _, _ := newIndexRouter(t, &hashEmbedder{})
	require.Equal(t, http.StatusOK, postJSON(t, r, "/v1/index/upsert", corpus).Code)

	w := postJSON(t, r, "/v1/index/search", datatypes.SearchRequest{Query: "what is a good sleep duration", K: 1})
	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "sleep.md", resp.Results[0].Metadata.Source)

	w = postJSON(t, r, "/v1/index/search", datatypes.SearchRequest{
		Query: "sleep",
		Where: &datatypes.SearchFilter{Key: "category", Value: "cardio"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "cardio", resp.Results[0].Metadata.Category)

	w = postJSON(t, r, "/v1/index/search", datatypes.SearchRequest{
		Query: "sleep",
		Where: &datatypes.SearchFilter{Key: "author", Value: "x"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
