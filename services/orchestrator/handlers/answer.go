// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the health Q&A service.
//
// Handlers are constructors returning gin.HandlerFunc. They bind and check
// the request, call one service operation, and translate the result or
// error into a response. No pipeline logic lives here.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/services"
	"github.com/gin-gonic/gin"
)

// StatusClientClosedRequest is logged and counted when the caller goes
// away mid-answer. Nothing is written to the closed connection.
const StatusClientClosedRequest = 499

// Answerer is the part of services.HealthQAService the chat handlers use.
type Answerer interface {
	Answer(ctx context.Context, req datatypes.AnswerRequest) (*datatypes.AgentResponse, error)
	AnswerStream(ctx context.Context, req datatypes.AnswerRequest, callback datatypes.AnswerCallback) (*datatypes.AgentResponse, error)
}

// AnswerDeps are shared by the blocking, SSE and WebSocket chat handlers.
type AnswerDeps struct {
	Service Answerer
	// Metrics is optional.
	Metrics *observability.PipelineMetrics
	// Audit defaults to a no-op logger.
	Audit extensions.AuditLogger
	// KeepAlive is the SSE comment interval. Zero disables keep-alives.
	KeepAlive time.Duration
	// AllowedOrigins lists WebSocket origins. Empty means same origin only.
	AllowedOrigins []string
}

func (d AnswerDeps) audit() extensions.AuditLogger {
	if d.Audit == nil {
		return &extensions.NopAuditLogger{}
	}
	return d.Audit
}

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error    string          `json:"error"`
	Field    string          `json:"field,omitempty"`
	Findings []PolicyFinding `json:"findings,omitempty"`
}

// PolicyFinding describes why content was refused without echoing it.
type PolicyFinding struct {
	Classification string `json:"classification"`
	PatternID      string `json:"pattern_id"`
	Description    string `json:"description"`
	Line           int    `json:"line"`
}

func policyFindings(err error) []PolicyFinding {
	raw := services.GetPolicyFindings(err)
	out := make([]PolicyFinding, 0, len(raw))
	for _, f := range raw {
		out = append(out, PolicyFinding{
			Classification: f.ClassificationName,
			PatternID:      f.PatternId,
			Description:    f.PatternDescription,
			Line:           f.LineNumber,
		})
	}
	return out
}

// classifyAnswerError maps a pipeline error to a status, a metric outcome
// and a body.
//
// # Description
//
//   - ConfigurationError: 400, the field and reason are returned.
//   - PolicyViolationError: 403 with the matched pattern ids.
//   - GenerationFailureError: 502. Provider detail is logged, not returned.
//   - context.Canceled: 499, the client left.
//   - context.DeadlineExceeded: 504.
//   - anything else: 500.
func classifyAnswerError(err error) (int, observability.Outcome, ErrorResponse) {
	var cfgErr *services.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, observability.OutcomeInvalidRequest,
			ErrorResponse{Error: cfgErr.Reason, Field: cfgErr.Field}
	case services.IsPolicyViolation(err):
		return http.StatusForbidden, observability.OutcomePolicyViolation,
			ErrorResponse{Error: "question contains credentials and was not processed", Findings: policyFindings(err)}
	case services.IsGenerationFailure(err):
		return http.StatusBadGateway, observability.OutcomeGenerationFailed,
			ErrorResponse{Error: "the answer could not be generated, please retry"}
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, observability.OutcomeCancelled,
			ErrorResponse{Error: "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, observability.OutcomeError,
			ErrorResponse{Error: "request timed out"}
	default:
		return http.StatusInternalServerError, observability.OutcomeError,
			ErrorResponse{Error: "internal error"}
	}
}

// writeAnswerError responds to a failed answer and records its outcome.
func writeAnswerError(c *gin.Context, deps AnswerDeps, mode observability.Mode, err error) {
	status, outcome, body := classifyAnswerError(err)
	deps.Metrics.RecordRequest(mode, outcome)
	logAnswerError(c, mode, status, err)
	if status == StatusClientClosedRequest {
		deps.Metrics.RecordClientDisconnect(mode)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(status, body)
}

func logAnswerError(c *gin.Context, mode observability.Mode, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(c.Request.Context(), level, "Answer failed",
		"mode", mode, "status", status, "principal", middleware.Principal(c), "error", err)
}

// auditAnswer records safety escalations. Questions and replies are never
// part of the event.
func auditAnswer(ctx context.Context, deps AnswerDeps, c *gin.Context, userID string, resp *datatypes.AgentResponse) {
	if resp.SafetyFlag.Severity == datatypes.SeverityNone {
		return
	}
	event := extensions.AuditEvent{
		EventType: "answer.escalated",
		Principal: middleware.Principal(c),
		UserID:    userID,
		Outcome:   resp.SafetyFlag.Severity.String(),
		Details: map[string]any{
			"trigger_reason": resp.SafetyFlag.TriggerReason,
			"escalations":    len(resp.SafetyFlag.Audit),
		},
	}
	if err := deps.audit().Log(ctx, event); err != nil {
		slog.Warn("Audit log write failed", "event", event.EventType, "error", err)
	}
}

func bindChatRequest(c *gin.Context) (datatypes.AnswerRequest, error) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return datatypes.AnswerRequest{}, err
	}
	return req.ToAnswerRequest(), nil
}

// HandleChat answers one question and returns the full response.
//
// # Description
//
// POST /v1/chat. The body is datatypes.ChatRequest. The reply is
// datatypes.AgentResponse with every collection present, possibly empty.
func HandleChat(deps AnswerDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := bindChatRequest(c)
		if err != nil {
			deps.Metrics.RecordRequest(observability.ModeBlocking, observability.OutcomeInvalidRequest)
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}

		ctx := c.Request.Context()
		resp, err := deps.Service.Answer(ctx, req)
		if err != nil {
			writeAnswerError(c, deps, observability.ModeBlocking, err)
			return
		}

		deps.Metrics.RecordRequest(observability.ModeBlocking, observability.OutcomeSuccess)
		auditAnswer(ctx, deps, c, req.UserID, resp)
		c.JSON(http.StatusOK, resp)
	}
}
