// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Chat
// =============================================================================

// Timeframe bounds the metric window of a chat request.
type Timeframe struct {
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required,gtfield=Start"`
}

// ChatRequest is the body of POST /v1/chat and /v1/chat/stream.
type ChatRequest struct {
	UserID      string     `json:"user_id" binding:"required,max=128"`
	Message     string     `json:"message" binding:"required,max=4000"`
	MetricKinds []string   `json:"metric_kinds,omitempty" binding:"omitempty,max=9"`
	K           int        `json:"k,omitempty" binding:"gte=0,lte=20"`
	Category    string     `json:"category,omitempty" binding:"max=64"`
	Timeframe   *Timeframe `json:"timeframe,omitempty"`
}

// ToAnswerRequest maps the HTTP body onto the pipeline request.
func (r ChatRequest) ToAnswerRequest() AnswerRequest {
	req := AnswerRequest{
		UserID:      r.UserID,
		Question:    r.Message,
		MetricKinds: r.MetricKinds,
		K:           r.K,
		Category:    r.Category,
	}
	if r.Timeframe != nil {
		req.Since = r.Timeframe.Start
		req.Until = r.Timeframe.End
	}
	return req
}

// =============================================================================
// Knowledge Index Admin
// =============================================================================

// UpsertItem is one source document to chunk, embed and index.
type UpsertItem struct {
	Text     string `json:"text" binding:"required"`
	Source   string `json:"source" binding:"required"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
	URL      string `json:"url,omitempty" binding:"omitempty,url"`
	// Date is an RFC 3339 date or date-time. Empty when unknown.
	Date string `json:"date,omitempty"`
}

// UpsertRequest is the body of POST /v1/index/upsert.
type UpsertRequest struct {
	Items []UpsertItem `json:"items" binding:"required,min=1,max=500,dive"`
}

// UpsertResponse lists the chunk ids written.
type UpsertResponse struct {
	Status string   `json:"status"`
	IDs    []string `json:"ids"`
}

// DeleteRequest is the body of POST /v1/index/delete.
type DeleteRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

// SearchRequest is the body of POST /v1/index/search.
type SearchRequest struct {
	Query string        `json:"query" binding:"required"`
	K     int           `json:"k,omitempty" binding:"gte=0,lte=50"`
	Where *SearchFilter `json:"where,omitempty"`
}

// SearchResult is one hit returned to admin callers.
type SearchResult struct {
	ID       string           `json:"id"`
	Text     string           `json:"text"`
	Metadata DocumentMetadata `json:"metadata"`
	Score    float64          `json:"score"`
}

// SearchResponse wraps index search results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// =============================================================================
// Metric Configuration and Ingestion
// =============================================================================

// MetricConfigResponse reports the runtime metric configuration.
type MetricConfigResponse struct {
	DefaultMetricKinds   []string `json:"default_metric_kinds"`
	AvailableMetricKinds []string `json:"available_metric_kinds"`
}

// MetricConfigUpdateRequest changes the runtime metric configuration. Omitted
// lists keep their current value.
type MetricConfigUpdateRequest struct {
	DefaultMetricKinds   []string `json:"default_metric_kinds,omitempty"`
	AvailableMetricKinds []string `json:"available_metric_kinds,omitempty"`
}

// MetricIngestRequest is the body of POST /v1/metrics.
type MetricIngestRequest struct {
	UserID  string         `json:"user_id" binding:"required,max=128"`
	Samples []MetricSample `json:"samples" binding:"required,min=1,max=10000"`
}

// ReadinessResponse reports collaborator reachability for GET /v1/ready.
type ReadinessResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}
