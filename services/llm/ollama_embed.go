// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// OllamaEmbedderConfig configures Ollama's /api/embed endpoint.
type OllamaEmbedderConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OllamaEmbedder embeds text with a local Ollama model.
type OllamaEmbedder struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dim        int
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder validates cfg and returns an embedder.
func NewOllamaEmbedder(cfg OllamaEmbedderConfig) (*OllamaEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL not set")
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("ollama embedder dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		dim:        cfg.Dimension,
	}, nil
}

// Dimension returns the configured vector length.
func (e *OllamaEmbedder) Dimension() int {
	return e.dim
}

// Embed embeds one text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one /api/embed call.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaEmbedder.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", e.model), attribute.Int("embed.count", len(texts)))

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to marshal embed request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to create embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("ollama embed call failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to read embed response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failSpan(span, fmt.Errorf("ollama embed failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, failSpan(span, fmt.Errorf("failed to parse embed response: %w", err))
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, failSpan(span, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(parsed.Embeddings), len(texts)))
	}
	if err := checkDimensions(parsed.Embeddings, e.dim); err != nil {
		return nil, failSpan(span, err)
	}
	return parsed.Embeddings, nil
}
