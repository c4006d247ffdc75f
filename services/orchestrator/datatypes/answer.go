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

// AnswerRequest is the input to one pipeline invocation.
//
// # Fields
//
//   - UserID: Owner of the metrics and history. Required.
//   - Question: Natural-language question. Required.
//   - MetricKinds: Kinds to analyze. Empty means the configured defaults.
//   - K: Number of documents to cite. Zero means the configured default.
//   - Category: Optional knowledge filter on metadata.category.
//   - Since/Until: Metric window [Since, Until). Zero Since means the default
//     lookback; zero Until means now.
type AnswerRequest struct {
	UserID      string    `json:"user_id" validate:"required,max=128"`
	Question    string    `json:"question" validate:"required,max=4000"`
	MetricKinds []string  `json:"metric_kinds,omitempty" validate:"omitempty,max=9,dive,required"`
	K           int       `json:"k,omitempty" validate:"gte=0,lte=20"`
	Category    string    `json:"category,omitempty" validate:"max=64"`
	Since       time.Time `json:"since,omitempty"`
	Until       time.Time `json:"until,omitempty"`
}

// AgentResponse is the only externally visible output of one invocation.
//
// Degraded outcomes are expressed as empty collections, never nil, so a JSON
// caller always sees [] rather than null.
type AgentResponse struct {
	ReplyText    string     `json:"reply"`
	Citations    []Citation `json:"citations"`
	SafetyFlag   SafetyFlag `json:"safety_flag"`
	FindingsUsed []Finding  `json:"findings"`
}

// AnswerEventType distinguishes incremental streaming events.
type AnswerEventType string

const (
	AnswerEventToken   AnswerEventType = "token"
	AnswerEventSources AnswerEventType = "sources"
	AnswerEventSafety  AnswerEventType = "safety"
	AnswerEventDone    AnswerEventType = "done"
	AnswerEventError   AnswerEventType = "error"
)

// AnswerEvent is delivered to streaming callers. Token events carry Content;
// the final Done event carries the complete Response.
type AnswerEvent struct {
	Type     AnswerEventType `json:"type"`
	Content  string          `json:"content,omitempty"`
	Response *AgentResponse  `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// AnswerCallback receives streaming events in order. Returning an error stops
// the stream and fails the invocation.
type AnswerCallback func(event AnswerEvent) error
