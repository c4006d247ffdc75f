// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testKey = "routes-test-key-0123456789"

type stubAnswerer struct{}

func (stubAnswerer) Answer(context.Context, datatypes.AnswerRequest) (*datatypes.AgentResponse, error) {
	return &datatypes.AgentResponse{
		ReplyText:    "ok",
		Citations:    []datatypes.Citation{},
		FindingsUsed: []datatypes.Finding{},
	}, nil
}

func (s stubAnswerer) AnswerStream(ctx context.Context, req datatypes.AnswerRequest, cb datatypes.AnswerCallback) (*datatypes.AgentResponse, error) {
	resp, _ := s.Answer(ctx, req)
	if err := cb(datatypes.AnswerEvent{Type: datatypes.AnswerEventToken, Content: "ok"}); err != nil {
		return nil, err
	}
	if err := cb(datatypes.AnswerEvent{Type: datatypes.AnswerEventDone, Response: resp}); err != nil {
		return nil, err
	}
	return resp, nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (constEmbedder) Dimension() int { return 2 }

func newTestRouter(t *testing.T, limiter *middleware.RateLimiter) (*gin.Engine, *prometheus.Registry) {
	t.Helper()
	index := knowledge.NewMemoryIndex(2)
	ingestor, err := knowledge.NewIngestor(constEmbedder{}, index, knowledge.IngestorConfig{})
	require.NoError(t, err)
	kinds, err := config.NewMetricConfig(config.Defaults().MetricKinds)
	require.NoError(t, err)
	auth, err := extensions.NewAPIKeyAuthProvider([]string{testKey})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	telemetry := observability.NewPipelineMetrics(reg)
	store := timeseries.NewMemoryStore()

	router := gin.New()
	SetupRoutes(router, Deps{
		Answer:       handlers.AnswerDeps{Service: stubAnswerer{}, Metrics: telemetry},
		Index:        handlers.IndexDeps{Ingester: ingestor, Writer: index, Index: index, Embedder: constEmbedder{}},
		MetricKinds:  kinds,
		MetricWriter: store,
		Ready:        map[string]handlers.Pinger{"index": index, "metrics": store},
		Options:      extensions.DefaultOptions().WithAuth(auth),
		RateLimiter:  limiter,
		Gatherer:     reg,
	})
	return router, reg
}

func do(router http.Handler, method, path, body string, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes_RegistersSurface(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"GET", "/v1/ready"},
		{"POST", "/v1/chat"},
		{"POST", "/v1/chat/stream"},
		{"GET", "/v1/chat/ws"},
		{"POST", "/v1/index/upsert"},
		{"POST", "/v1/index/delete"},
		{"POST", "/v1/index/search"},
		{"GET", "/v1/config/metrics"},
		{"POST", "/v1/config/metrics"},
		{"POST", "/v1/metrics"},
	}

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "route %s %s not registered", e.method, e.path)
	}
	assert.Len(t, router.Routes(), len(expected))
}

func TestSetupRoutes_OpenEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := do(router, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_V1RequiresKey(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	body := `{"user_id":"user-1","message":"hello"}`

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "not-the-right-key-at-all", http.StatusUnauthorized},
		{"valid", testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/v1/chat", body, tt.key)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := do(router, http.MethodGet, "/v1/ready", "", testKey)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready","components":{"index":"ok","metrics":"ok"}}`, w.Body.String())
}

func TestSetupRoutes_RateLimited(t *testing.T) {
	limiter, err := middleware.NewRateLimiter(0.001, 2, 16)
	require.NoError(t, err)
	router, _ := newTestRouter(t, limiter)

	for i := 0; i < 2; i++ {
		w := do(router, http.MethodGet, "/v1/config/metrics", "", testKey)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := do(router, http.MethodGet, "/v1/config/metrics", "", testKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// /healthz is never limited.
	w = do(router, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetupRoutes_MetricsExposePipelineCounters(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodPost, "/v1/chat", `{"user_id":"user-1","message":"hello"}`, testKey)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthqa_pipeline_requests_total")
	assert.Contains(t, w.Body.String(), `outcome="success"`)
}

func TestSetupRoutes_StreamThroughRouter(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := do(router, http.MethodPost, "/v1/chat/stream", `{"user_id":"user-1","message":"hello"}`, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: token")
	assert.Contains(t, w.Body.String(), "event: done")
}
