// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the text-generation and text-embedding providers.
//
// The pipeline only depends on the two capability interfaces defined here,
// ChatClient and Embedder. Concrete backends (OpenAI or Azure OpenAI via
// go-openai, and Ollama over HTTP) are selected once at startup.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// ErrEmptyCompletion is returned when a provider answers with no content.
var ErrEmptyCompletion = errors.New("provider returned an empty completion")

// ErrDimensionMismatch is returned when a provider yields a vector whose
// length differs from the configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// GenerationParams tunes a single generation call. Nil fields use the
// backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType classifies a streamed provider event.
type StreamEventType string

const (
	StreamEventToken    StreamEventType = "token"
	StreamEventThinking StreamEventType = "thinking"
	StreamEventError    StreamEventType = "error"
	StreamEventDone     StreamEventType = "done"
)

// StreamEvent is one incremental unit of a streamed completion.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives events in order. A non-nil return aborts the stream.
type StreamCallback func(event StreamEvent) error

// ChatClient is the generation capability the pipeline consumes.
type ChatClient interface {
	// Chat runs one blocking completion and returns the full text.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream runs one completion, delivering tokens through callback as
	// they arrive. The stream is finite and cannot be restarted. It returns
	// when the provider signals completion, the callback fails, or ctx ends.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// Embedder is the embedding capability the pipeline consumes.
type Embedder interface {
	// Embed returns a vector of exactly Dimension() elements.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one provider round trip where supported.
	// The result has one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the configured vector length.
	Dimension() int
}

// checkDimensions validates every vector against want.
func checkDimensions(vectors [][]float32, want int) error {
	if want <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("%w: vector %d has length %d, want %d", ErrDimensionMismatch, i, len(v), want)
		}
	}
	return nil
}
