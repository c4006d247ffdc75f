// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxHistoryTurns bounds the prior turns placed in the prompt.
const DefaultMaxHistoryTurns = 12

// Disclaimer is appended to every reply.
const Disclaimer = "Note: This is general information based on your data and referenced materials, " +
	"not medical advice. For diagnosis, dosing, or urgent issues, consult a clinician or seek in-person care."

// Warning sentences appended for flagged answers.
const (
	AdvisoryWarning = "Warning: Some of your recent readings are outside the expected range. " +
		"Please review them with a clinician."
	EmergencyWarning = "Warning: Your question or readings may indicate a medical emergency. " +
		"If you have severe or sudden symptoms, call your local emergency number or go to the nearest emergency department now."
)

const systemInstructions = `You are a careful health information assistant.
Answer the user's question using only their health data summary and the numbered reference documents provided.
Cite a document by writing its marker, for example [1], right after the sentence it supports.
Only use markers for documents that are listed. Do not invent sources.
If the data or documents do not answer the question, say so plainly.
Do not diagnose, prescribe, or give dosing instructions.`

const advisoryPreamble = `SAFETY: Some of the user's readings were flagged as outside the expected range.
Mention the flagged readings and suggest the user reviews them with a clinician.`

const emergencyPreamble = `SAFETY: This may be an emergency.
Begin your answer by telling the user to seek immediate emergency care or call their local emergency number.
Keep the rest of the answer short.`

// ComposerConfig controls prompt size and generation.
type ComposerConfig struct {
	MaxHistoryTurns   int
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
	Params            llm.GenerationParams
	// SecureMemory keeps streamed replies in mlocked memory when possible.
	SecureMemory bool
}

// ComposeInput is everything the composer needs for one answer.
type ComposeInput struct {
	UserID    string
	Question  string
	Findings  []datatypes.Finding
	Documents []datatypes.RetrievedDocument
	Safety    datatypes.SafetyFlag
	// History is oldest first.
	History []datatypes.ConversationTurn
}

// Composer builds the prompt, calls the generator once, and assembles the
// reply.
type Composer struct {
	chat    llm.ChatClient
	store   conversation.Store
	cfg     ComposerConfig
	metrics *observability.PipelineMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewComposer returns a Composer. store and metrics may be nil; without a
// store nothing is persisted.
func NewComposer(chat llm.ChatClient, store conversation.Store, cfg ComposerConfig, metrics *observability.PipelineMetrics) (*Composer, error) {
	if chat == nil {
		return nil, &ConfigurationError{Field: "chat", Reason: "generation provider is required"}
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Composer{
		chat:    chat,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.Default().With("component", "composer"),
		now:     time.Now,
	}, nil
}

// Compose produces the AgentResponse for one question.
//
// # Description
//
// Calls the generation provider exactly once. When stream is non-nil the
// streaming call is used and sanitized tokens are forwarded as they arrive,
// followed by one token carrying the warning and disclaimer, so the
// concatenated tokens equal ReplyText. On success the user and assistant
// turns are appended to the store, unless ctx was cancelled.
//
// # Outputs
//
//   - *datatypes.AgentResponse: Collections are never nil.
//   - error: *GenerationFailureError when the provider fails, times out, or
//     returns only whitespace. Nothing is persisted in that case.
func (c *Composer) Compose(ctx context.Context, in ComposeInput, stream datatypes.AnswerCallback) (*datatypes.AgentResponse, error) {
	ctx, span := tracer.Start(ctx, "Composer.Compose")
	defer span.End()
	span.SetAttributes(
		attribute.Int("compose.documents", len(in.Documents)),
		attribute.Int("compose.history", len(in.History)),
		attribute.String("compose.severity", in.Safety.Severity.String()),
		attribute.Bool("compose.stream", stream != nil),
	)

	askedAt := c.now().UTC()
	messages := BuildMessages(in, c.cfg.MaxHistoryTurns)

	start := time.Now()
	raw, err := c.generate(ctx, messages, in.Documents, stream)
	c.metrics.ObserveStage(observability.StageGenerate, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return nil, &GenerationFailureError{Err: err}
	}

	clean, referenced, stripped := SanitizeCitations(raw, in.Documents)
	if len(stripped) > 0 {
		violation := &CitationIntegrityViolation{Markers: stripped}
		c.logger.Warn("Stripped citation markers from reply", "error", violation, "count", len(stripped))
		c.metrics.RecordCitationViolations(len(stripped))
		span.SetAttributes(attribute.Int("compose.stripped_markers", len(stripped)))
	}
	if strings.TrimSpace(clean) == "" {
		span.SetStatus(codes.Error, "empty reply")
		return nil, &GenerationFailureError{Err: llm.ErrEmptyCompletion}
	}

	suffix := replySuffix(in.Safety.Severity)
	if stream != nil {
		if err := stream(datatypes.AnswerEvent{Type: datatypes.AnswerEventToken, Content: suffix}); err != nil {
			return nil, &GenerationFailureError{Err: fmt.Errorf("stream callback failed: %w", err)}
		}
	}

	resp := &datatypes.AgentResponse{
		ReplyText:    clean + suffix,
		Citations:    BuildCitations(in.Documents, referenced),
		SafetyFlag:   in.Safety,
		FindingsUsed: in.Findings,
	}
	if resp.FindingsUsed == nil {
		resp.FindingsUsed = []datatypes.Finding{}
	}
	if resp.SafetyFlag.Audit == nil {
		resp.SafetyFlag.Audit = []datatypes.SafetyEscalation{}
	}

	c.persist(ctx, in, resp, askedAt)
	return resp, nil
}

// replySuffix is the text appended after the generated reply.
func replySuffix(severity datatypes.Severity) string {
	var b strings.Builder
	switch severity {
	case datatypes.SeverityEmergency:
		b.WriteString("\n\n")
		b.WriteString(EmergencyWarning)
	case datatypes.SeverityAdvisory:
		b.WriteString("\n\n")
		b.WriteString(AdvisoryWarning)
	}
	b.WriteString("\n\n")
	b.WriteString(Disclaimer)
	return b.String()
}

func (c *Composer) generate(ctx context.Context, messages []datatypes.Message, docs []datatypes.RetrievedDocument, stream datatypes.AnswerCallback) (string, error) {
	if c.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
		defer cancel()
	}

	if stream == nil {
		text, err := c.chat.Chat(ctx, messages, c.cfg.Params)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", llm.ErrEmptyCompletion
		}
		return text, nil
	}
	return c.generateStream(ctx, messages, docs, stream)
}

// generateStream forwards filtered tokens and returns the full raw text.
func (c *Composer) generateStream(ctx context.Context, messages []datatypes.Message, docs []datatypes.RetrievedDocument, stream datatypes.AnswerCallback) (string, error) {
	acc, err := NewTokenAccumulator(c.cfg.SecureMemory, false)
	if err != nil {
		return "", err
	}
	defer acc.Destroy()

	ranks := make([]int, len(docs))
	for i, d := range docs {
		ranks[i] = d.Rank
	}
	filter := NewStreamFilter(ranks)
	forward := func(text string) error {
		if text == "" {
			return nil
		}
		return stream(datatypes.AnswerEvent{Type: datatypes.AnswerEventToken, Content: text})
	}

	var providerErr error
	err = c.chat.ChatStream(ctx, messages, c.cfg.Params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			if err := acc.Write(ev.Content); err != nil {
				return err
			}
			return forward(filter.Write(ev.Content))
		case llm.StreamEventError:
			providerErr = errors.New(ev.Error)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if providerErr != nil {
		return "", providerErr
	}
	if err := forward(filter.Flush()); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text, digest, err := acc.Finalize()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", llm.ErrEmptyCompletion
	}
	c.logger.Debug("Stream complete", "reply_sha256", digest, "bytes", len(text))
	return text, nil
}

// persist appends the user and assistant turns. Failures are logged only.
func (c *Composer) persist(ctx context.Context, in ComposeInput, resp *datatypes.AgentResponse, askedAt time.Time) {
	if c.store == nil || in.UserID == "" {
		return
	}
	if ctx.Err() != nil {
		c.logger.Info("Request cancelled before persistence, discarding turns")
		return
	}
	start := time.Now()
	defer c.metrics.ObserveStage(observability.StagePersist, start)

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()

	userTurn := datatypes.ConversationTurn{
		Role:      datatypes.RoleUser,
		Text:      in.Question,
		Citations: []string{},
		CreatedAt: askedAt,
	}
	if err := c.store.Append(pctx, in.UserID, userTurn); err != nil {
		c.degrade("persist", err)
		return
	}
	assistantTurn := datatypes.ConversationTurn{
		Role:      datatypes.RoleAssistant,
		Text:      resp.ReplyText,
		Citations: ReferencedIDs(resp.Citations),
		CreatedAt: c.now().UTC(),
	}
	if !assistantTurn.CreatedAt.After(askedAt) {
		assistantTurn.CreatedAt = askedAt.Add(time.Nanosecond)
	}
	if err := c.store.Append(pctx, in.UserID, assistantTurn); err != nil {
		c.degrade("persist", err)
	}
}

func (c *Composer) degrade(source string, err error) {
	c.logger.Warn("Collaborator unavailable", "error", &DataUnavailableError{Source: source, Err: err})
	c.metrics.RecordDegraded(source)
}
