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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.llm")

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	// BaseURL is the Ollama server, e.g. "http://localhost:11434". Required.
	BaseURL string
	// Model is the chat model. Default "llama3.1".
	Model string
	// Timeout bounds each HTTP round trip. Default 5 minutes.
	Timeout time.Duration
}

// OllamaClient talks to Ollama's /api/chat endpoint.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// ollamaStreamChunk is one NDJSON line from a streaming /api/chat call.
type ollamaStreamChunk struct {
	Message    datatypes.Message `json:"message"`
	Thinking   string            `json:"thinking,omitempty"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewOllamaClient validates cfg and returns a client.
//
// # Inputs
//
//   - cfg: Backend configuration. BaseURL is required.
//
// # Outputs
//
//   - *OllamaClient: Ready to use.
//   - error: Non-nil if BaseURL is empty.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base URL not set")
	}
	if cfg.Model == "" {
		slog.Warn("Ollama model not set, defaulting to llama3.1")
		cfg.Model = "llama3.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", cfg.Model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    baseURL,
		model:      cfg.Model,
	}, nil
}

// buildOllamaOptions maps GenerationParams onto Ollama's options object. A
// low temperature is the default because answers must stay close to the
// supplied context.
func buildOllamaOptions(params GenerationParams) map[string]interface{} {
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 1024,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Chat runs a blocking /api/chat call.
//
// # Description
//
// Sends the messages with stream=false and returns the assistant content.
// A 404 mentioning the model is turned into an actionable pull hint.
//
// # Outputs
//
//   - string: The assistant reply.
//   - error: Transport, status, decode, or ErrEmptyCompletion.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := o.postChat(ctx, messages, params, false)
	if err != nil {
		return "", failSpan(span, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", failSpan(span, fmt.Errorf("failed to read Ollama chat response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", failSpan(span, o.statusError(resp.StatusCode, respBody))
	}

	var ollamaResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err)
		return "", failSpan(span, fmt.Errorf("failed to parse Ollama chat response: %w", err))
	}
	if ollamaResp.Message.Role != "" && ollamaResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	if strings.TrimSpace(ollamaResp.Message.Content) == "" {
		return "", failSpan(span, ErrEmptyCompletion)
	}
	return ollamaResp.Message.Content, nil
}

// ChatStream streams /api/chat with the default stream configuration.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams /api/chat, applying cfg to each chunk.
//
// # Description
//
// Reads NDJSON lines until a chunk reports done, an error chunk arrives,
// the callback fails, or ctx is cancelled. Cancelling ctx aborts the HTTP
// request, which closes the body and ends the scan.
//
// # Inputs
//
//   - ctx: Cancellation for the whole stream.
//   - messages: Conversation to complete.
//   - params: Generation options.
//   - callback: Receives token, thinking and error events in order.
//   - cfg: Redaction and length limits.
//
// # Outputs
//
//   - error: Non-nil on transport, status, chunk, callback or context failure.
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.postChat(ctx, messages, params, true)
	if err != nil {
		return failSpan(span, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return failSpan(span, o.statusError(resp.StatusCode, body))
	}

	processor := NewDefaultStreamProcessor(cfg, slog.Default())
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return failSpan(span, fmt.Errorf("failed to parse Ollama stream chunk: %w", err))
		}
		done, err := processor.ProcessChunk(ctx, &chunk, callback)
		if err != nil {
			return failSpan(span, err)
		}
		if done {
			span.SetAttributes(attribute.Int("llm.stream_tokens", processor.GetTokenCount()))
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return failSpan(span, fmt.Errorf("ollama stream cancelled: %w", err))
	}
	if err := scanner.Err(); err != nil {
		return failSpan(span, fmt.Errorf("ollama stream read failed: %w", err))
	}
	return failSpan(span, fmt.Errorf("ollama stream ended without a done chunk"))
}

func (o *OllamaClient) postChat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, stream bool) (*http.Response, error) {

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
		Options:  buildOllamaOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}
	return resp, nil
}

func (o *OllamaClient) statusError(status int, body []byte) error {
	if status == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			return fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", o.model, o.model)
		}
	}
	slog.Error("Ollama returned an error", "status_code", status)
	return fmt.Errorf("ollama failed with status %d: %s", status, strings.TrimSpace(string(body)))
}

// =============================================================================
// Stream Processing
// =============================================================================

// StreamConfig limits what a stream forwards to the caller.
type StreamConfig struct {
	// RedactThinking drops reasoning tokens instead of forwarding them.
	RedactThinking bool
	// MaxThinkingLength truncates forwarded reasoning. 0 means unlimited.
	MaxThinkingLength int
	// MaxResponseLength truncates forwarded content. 0 means unlimited.
	MaxResponseLength int
}

// DefaultStreamConfig redacts reasoning and caps content at 100 KiB.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:    true,
		MaxResponseLength: 100 * 1024,
	}
}

// DefaultStreamProcessor converts Ollama chunks into StreamEvents.
// Not safe for concurrent use; one processor serves one stream.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	logger         *slog.Logger
	tokenCount     int
	responseLength int
	thinkingLength int
}

// NewDefaultStreamProcessor returns a processor. A nil logger uses slog.Default.
func NewDefaultStreamProcessor(cfg StreamConfig, logger *slog.Logger) *DefaultStreamProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultStreamProcessor{cfg: cfg, logger: logger}
}

// ProcessChunk forwards one chunk and reports whether the stream is finished.
//
// # Outputs
//
//   - bool: True for done or error chunks.
//   - error: The chunk's error field, a callback failure, or ctx.Err().
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}

	if chunk.Error != "" {
		if err := callback(StreamEvent{Type: StreamEventError, Error: chunk.Error}); err != nil {
			p.logger.Warn("stream callback failed on error event", "error", err)
		}
		return true, fmt.Errorf("ollama stream error: %s", chunk.Error)
	}

	if chunk.Thinking != "" && !p.cfg.RedactThinking {
		content := truncateTo(chunk.Thinking, p.cfg.MaxThinkingLength, p.thinkingLength)
		if content != "" {
			p.thinkingLength += len(content)
			if err := callback(StreamEvent{Type: StreamEventThinking, Content: content}); err != nil {
				return true, fmt.Errorf("stream callback failed: %w", err)
			}
		}
	}

	if chunk.Message.Content != "" {
		content := truncateTo(chunk.Message.Content, p.cfg.MaxResponseLength, p.responseLength)
		if content != "" {
			p.tokenCount++
			p.responseLength += len(content)
			if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
				return true, fmt.Errorf("stream callback failed: %w", err)
			}
		}
	}

	if chunk.Done {
		p.logger.Debug("ollama stream complete", "done_reason", chunk.DoneReason, "tokens", p.tokenCount)
		return true, nil
	}
	return false, nil
}

// GetTokenCount returns the number of content events forwarded.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength returns the bytes of content forwarded.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLength
}

// truncateTo returns the part of s that fits in limit given used bytes
// already forwarded. A zero limit means unlimited.
func truncateTo(s string, limit, used int) string {
	if limit <= 0 {
		return s
	}
	remaining := limit - used
	if remaining <= 0 {
		return ""
	}
	if len(s) > remaining {
		return s[:remaining]
	}
	return s
}
