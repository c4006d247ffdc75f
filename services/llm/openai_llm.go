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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// OpenAIConfig configures the OpenAI or Azure OpenAI backend.
//
// When AzureEndpoint is set the client targets Azure, and Model is the
// deployment name.
type OpenAIConfig struct {
	APIKey string
	// APIKeyFile is read when APIKey is empty, e.g. a mounted secret.
	APIKeyFile string
	Model      string
	// BaseURL overrides the public OpenAI endpoint (proxies, tests).
	BaseURL       string
	AzureEndpoint string
	APIVersion    string
}

// OpenAIClient implements ChatClient with go-openai.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// newOpenAIAPIClient builds the shared go-openai client for chat and embeddings.
func newOpenAIAPIClient(cfg OpenAIConfig) (*openai.Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" && cfg.APIKeyFile != "" {
		keyBytes, err := os.ReadFile(cfg.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read OpenAI API key from %s: %w", cfg.APIKeyFile, err)
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the OpenAI API key from secret file")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	var clientCfg openai.ClientConfig
	if cfg.AzureEndpoint != "" {
		clientCfg = openai.DefaultAzureConfig(apiKey, cfg.AzureEndpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
	} else {
		clientCfg = openai.DefaultConfig(apiKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

// NewOpenAIClient returns a chat client.
//
// # Inputs
//
//   - cfg: Key, model and endpoint. Model defaults to gpt-4o-mini.
//
// # Outputs
//
//   - *OpenAIClient: Ready to use.
//   - error: Non-nil when no API key can be found.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	client, err := newOpenAIAPIClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "azure", cfg.AzureEndpoint != "")
	return &OpenAIClient{client: client, model: cfg.Model}, nil
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: msgs,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Chat runs one blocking chat completion.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model), attribute.Int("llm.num_messages", len(messages)))

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params))
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", failSpan(span, fmt.Errorf("OpenAI API call failed: %w", err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", failSpan(span, ErrEmptyCompletion)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream runs one streamed chat completion.
//
// # Description
//
// Reads deltas from CreateChatCompletionStream until io.EOF. Every non-empty
// delta becomes one StreamEventToken. Cancelling ctx closes the stream.
//
// # Outputs
//
//   - error: Non-nil on API, callback or context failure.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	req := o.buildRequest(messages, params)
	req.Stream = true
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return failSpan(span, fmt.Errorf("OpenAI stream start failed: %w", err))
	}
	defer stream.Close()

	tokens := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			span.SetAttributes(attribute.Int("llm.stream_tokens", tokens))
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failSpan(span, fmt.Errorf("OpenAI stream cancelled: %w", ctxErr))
			}
			return failSpan(span, fmt.Errorf("OpenAI stream receive failed: %w", err))
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		tokens++
		if err := callback(StreamEvent{Type: StreamEventToken, Content: delta}); err != nil {
			return failSpan(span, fmt.Errorf("stream callback failed: %w", err))
		}
	}
}

// OpenAIEmbedder implements Embedder with the embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder returns an embedder. Dimension is required and, for
// text-embedding-3 models, is also sent so the API shortens the vector.
func NewOpenAIEmbedder(cfg OpenAIConfig, dimension int) (*OpenAIEmbedder, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("openai embedder dimension must be positive, got %d", dimension)
	}
	client, err := newOpenAIAPIClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: client, model: cfg.Model, dim: dimension}, nil
}

// Dimension returns the configured vector length.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// Embed embeds one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request, reordering by the returned index.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIEmbedder.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", e.model), attribute.Int("embed.count", len(texts)))

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	}
	if strings.HasPrefix(e.model, "text-embedding-3") {
		req.Dimensions = e.dim
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("OpenAI embeddings call failed: %w", err))
	}
	if len(resp.Data) != len(texts) {
		return nil, failSpan(span, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, failSpan(span, fmt.Errorf("OpenAI embedding index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	if err := checkDimensions(out, e.dim); err != nil {
		return nil, failSpan(span, err)
	}
	return out, nil
}
