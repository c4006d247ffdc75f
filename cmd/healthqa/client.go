// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Field != "" {
		return fmt.Sprintf("server returned %d: %s (field %s)", e.Status, msg, e.Field)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, msg)
}

// apiClient calls the /v1 surface of a health Q&A server.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	}
	return req, nil
}

// do sends body as JSON and decodes a 2xx reply into out, which may be nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Error
		apiErr.Field = body.Field
	}
	return apiErr
}

// Chat asks one question and waits for the whole answer.
func (c *apiClient) Chat(ctx context.Context, req datatypes.ChatRequest) (*datatypes.AgentResponse, error) {
	var out datatypes.AgentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/chat", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStream opens the SSE answer stream. The caller closes the body.
//
// Errors raised before the stream starts come back as *APIError; later ones
// arrive as error frames inside the stream.
func (c *apiClient) ChatStream(ctx context.Context, req datatypes.ChatRequest) (io.ReadCloser, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/chat/stream", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open answer stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

func (c *apiClient) Upsert(ctx context.Context, req datatypes.UpsertRequest) (*datatypes.UpsertResponse, error) {
	var out datatypes.UpsertResponse
	if err := c.do(ctx, http.MethodPost, "/v1/index/upsert", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Delete(ctx context.Context, ids []string) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/index/delete", datatypes.DeleteRequest{IDs: ids}, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (c *apiClient) Search(ctx context.Context, req datatypes.SearchRequest) (*datatypes.SearchResponse, error) {
	var out datatypes.SearchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/index/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) MetricConfig(ctx context.Context) (*datatypes.MetricConfigResponse, error) {
	var out datatypes.MetricConfigResponse
	if err := c.do(ctx, http.MethodGet, "/v1/config/metrics", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) UpdateMetricConfig(ctx context.Context, req datatypes.MetricConfigUpdateRequest) (*datatypes.MetricConfigResponse, error) {
	var out datatypes.MetricConfigResponse
	if err := c.do(ctx, http.MethodPost, "/v1/config/metrics", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushMetrics returns the number of samples the server accepted.
func (c *apiClient) PushMetrics(ctx context.Context, req datatypes.MetricIngestRequest) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/metrics", req, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Ready returns the readiness report. A degraded server still yields a
// report, alongside an *APIError with status 503.
func (c *apiClient) Ready(ctx context.Context) (*datatypes.ReadinessResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/ready", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /v1/ready: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp)
	}
	var out datatypes.ReadinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode readiness: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return &out, &APIError{Status: resp.StatusCode, Message: out.Status}
	}
	return &out, nil
}
