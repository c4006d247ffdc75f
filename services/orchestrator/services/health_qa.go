// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the health Q&A pipeline.
//
// HealthQAService wires the analyzer, retriever, safety classifier and
// composer together over the collaborator interfaces. Handlers and the CLI
// call Answer or AnswerStream and never touch a collaborator directly.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/analysis"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/safety"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("aleutian.healthqa")

// Request defaults.
const (
	DefaultK      = 6
	MaxK          = 20
	DefaultWindow = 7 * 24 * time.Hour
)

// Degraded sources.
const (
	SourceMetrics = "metrics"
	SourceHistory = "history"
)

// Timeouts bounds each collaborator call. Zero disables a bound.
type Timeouts struct {
	Metrics    time.Duration
	History    time.Duration
	Embedding  time.Duration
	Index      time.Duration
	Generation time.Duration
	Persist    time.Duration
}

// DefaultTimeouts returns the production bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Metrics:    3 * time.Second,
		History:    2 * time.Second,
		Embedding:  5 * time.Second,
		Index:      3 * time.Second,
		Generation: 90 * time.Second,
		Persist:    3 * time.Second,
	}
}

// MetricKindPolicy supplies the default and permitted kinds at request
// time. The config package's runtime holder implements it.
type MetricKindPolicy interface {
	DefaultMetricKinds() []datatypes.MetricKind
	IsAvailable(kind datatypes.MetricKind) bool
}

// staticKindPolicy allows every kind and defaults to DefaultMetricKinds.
type staticKindPolicy struct{}

func (staticKindPolicy) DefaultMetricKinds() []datatypes.MetricKind {
	return datatypes.DefaultMetricKinds
}
func (staticKindPolicy) IsAvailable(kind datatypes.MetricKind) bool {
	return kind.Valid()
}

// Dependencies are the collaborators of the pipeline.
type Dependencies struct {
	Metrics      timeseries.Store
	Conversation conversation.Store
	Index        knowledge.Index
	Embedder     llm.Embedder
	Chat         llm.ChatClient
	// Classifier defaults to the embedded safety rules.
	Classifier safety.Classifier
	// Analyzer defaults to analysis.DefaultConfig.
	Analyzer *analysis.Analyzer
	// Policy screens questions for credentials. Optional.
	Policy *policy_engine.PolicyEngine
	// Kinds defaults to every kind allowed, hr/hrv/steps/sleep by default.
	Kinds MetricKindPolicy
	// Telemetry is optional.
	Telemetry *observability.PipelineMetrics
}

// Config tunes the pipeline.
type Config struct {
	DefaultK        int
	DefaultWindow   time.Duration
	MaxHistoryTurns int
	Timeouts        Timeouts
	Params          llm.GenerationParams
	SecureMemory    bool
}

// HealthQAService answers health questions.
//
// # Description
//
// Per question:
//
//  1. Validate the request. Unknown kinds fail here with a
//     ConfigurationError before any provider call.
//  2. Fan out. Branch A fetches history. Branch B fetches metrics, runs the
//     analyzer, then retrieves documents, since the retrieval query depends
//     on the anomaly summary.
//  3. Classify safety once both branches are done.
//  4. Compose the reply with one generation call and persist the turns.
//
// Collaborator failures other than generation degrade to empty input.
//
// # Thread Safety
//
// Safe for concurrent use. Each call keeps its state on the stack.
type HealthQAService struct {
	metrics    timeseries.Store
	history    conversation.Store
	analyzer   *analysis.Analyzer
	retriever  *retrieval.Retriever
	classifier safety.Classifier
	composer   *Composer
	policy     *policy_engine.PolicyEngine
	kinds      MetricKindPolicy
	telemetry  *observability.PipelineMetrics
	validate   *validator.Validate
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewHealthQAService checks the dependencies and builds the pipeline.
//
// # Inputs
//
//   - deps: Metrics, Conversation, Index, Embedder and Chat are required.
//   - cfg: Zero values select the defaults.
//
// # Outputs
//
//   - *HealthQAService: Ready to use.
//   - error: *ConfigurationError when a collaborator is missing or the
//     embedder and index disagree on vector dimension.
func NewHealthQAService(deps Dependencies, cfg Config) (*HealthQAService, error) {
	switch {
	case deps.Metrics == nil:
		return nil, &ConfigurationError{Field: "metrics", Reason: "metric store is required"}
	case deps.Conversation == nil:
		return nil, &ConfigurationError{Field: "conversation", Reason: "conversation store is required"}
	case deps.Index == nil:
		return nil, &ConfigurationError{Field: "index", Reason: "knowledge index is required"}
	case deps.Embedder == nil:
		return nil, &ConfigurationError{Field: "embedder", Reason: "embedding provider is required"}
	case deps.Chat == nil:
		return nil, &ConfigurationError{Field: "chat", Reason: "generation provider is required"}
	}
	if ed, id := deps.Embedder.Dimension(), deps.Index.Dimension(); ed != id {
		return nil, &ConfigurationError{
			Field:  "embedding.dimension",
			Reason: fmt.Sprintf("embedder produces %d-dimensional vectors but the index expects %d", ed, id),
			Err:    llm.ErrDimensionMismatch,
		}
	}

	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	if cfg.DefaultK > MaxK {
		return nil, &ConfigurationError{Field: "default_k", Reason: fmt.Sprintf("must be at most %d", MaxK)}
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = DefaultWindow
	}

	if deps.Analyzer == nil {
		a, err := analysis.New(analysis.DefaultConfig())
		if err != nil {
			return nil, &ConfigurationError{Field: "analyzer", Reason: err.Error(), Err: err}
		}
		deps.Analyzer = a
	}
	if deps.Classifier == nil {
		c, err := safety.NewRuleClassifier(safety.DefaultRules)
		if err != nil {
			return nil, &ConfigurationError{Field: "safety.rules", Reason: err.Error(), Err: err}
		}
		deps.Classifier = c
	}
	if deps.Kinds == nil {
		deps.Kinds = staticKindPolicy{}
	}

	logger := slog.Default().With("component", "healthqa")
	telemetry := deps.Telemetry
	retriever, err := retrieval.New(deps.Embedder, deps.Index, retrieval.Config{
		EmbedTimeout:  cfg.Timeouts.Embedding,
		SearchTimeout: cfg.Timeouts.Index,
	}, func(source string, _ error) {
		telemetry.RecordDegraded(source)
	})
	if err != nil {
		return nil, &ConfigurationError{Field: "retriever", Reason: err.Error(), Err: err}
	}

	composer, err := NewComposer(deps.Chat, deps.Conversation, ComposerConfig{
		MaxHistoryTurns:   cfg.MaxHistoryTurns,
		GenerationTimeout: cfg.Timeouts.Generation,
		PersistTimeout:    cfg.Timeouts.Persist,
		Params:            cfg.Params,
		SecureMemory:      cfg.SecureMemory,
	}, telemetry)
	if err != nil {
		return nil, err
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = DefaultMaxHistoryTurns
	}

	return &HealthQAService{
		metrics:    deps.Metrics,
		history:    deps.Conversation,
		analyzer:   deps.Analyzer,
		retriever:  retriever,
		classifier: deps.Classifier,
		composer:   composer,
		policy:     deps.Policy,
		kinds:      deps.Kinds,
		telemetry:  telemetry,
		validate:   validator.New(),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// plan is a validated request.
type plan struct {
	userID   string
	question string
	kinds    []datatypes.MetricKind
	k        int
	filter   *datatypes.SearchFilter
	since    time.Time
	until    time.Time
}

// Answer runs the pipeline and returns the full response.
//
// # Outputs
//
//   - *datatypes.AgentResponse: Empty findings or documents are empty
//     slices, never nil.
//   - error: *ConfigurationError for a bad request, *PolicyViolationError
//     for a question carrying credentials, *GenerationFailureError when
//     generation fails, or the context error when ctx ends first.
func (s *HealthQAService) Answer(ctx context.Context, req datatypes.AnswerRequest) (*datatypes.AgentResponse, error) {
	return s.run(ctx, req, nil)
}

// AnswerStream runs the pipeline with streamed generation.
//
// # Description
//
// callback receives token events in order, then one sources event, one
// safety event and one done event carrying the full response. The caller
// emits the error event, since it owns the transport. A callback error
// aborts generation.
//
// # Outputs
//
//   - *datatypes.AgentResponse: Same value carried by the done event.
//   - error: As for Answer.
func (s *HealthQAService) AnswerStream(ctx context.Context, req datatypes.AnswerRequest, callback datatypes.AnswerCallback) (*datatypes.AgentResponse, error) {
	if callback == nil {
		return nil, &ConfigurationError{Field: "callback", Reason: "stream callback is required"}
	}
	resp, err := s.run(ctx, req, callback)
	if err != nil {
		return nil, err
	}
	for _, ev := range []datatypes.AnswerEvent{
		{Type: datatypes.AnswerEventSources, Response: &datatypes.AgentResponse{Citations: resp.Citations}},
		{Type: datatypes.AnswerEventSafety, Response: &datatypes.AgentResponse{SafetyFlag: resp.SafetyFlag}},
		{Type: datatypes.AnswerEventDone, Response: resp},
	} {
		if err := callback(ev); err != nil {
			s.logger.Warn("Stream summary not delivered", "event", ev.Type, "error", err)
			break
		}
	}
	return resp, nil
}

func (s *HealthQAService) run(ctx context.Context, req datatypes.AnswerRequest, stream datatypes.AnswerCallback) (*datatypes.AgentResponse, error) {
	ctx, span := tracer.Start(ctx, "HealthQAService.Answer")
	defer span.End()
	span.SetAttributes(attribute.Bool("answer.stream", stream != nil))

	p, err := s.prepare(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("answer.k", p.k),
		attribute.StringSlice("answer.kinds", datatypes.MetricKindStrings(p.kinds)),
	)

	if s.policy != nil {
		if findings := s.policy.Scan(p.question, policy_engine.ClassSecret); len(findings) > 0 {
			span.SetStatus(codes.Error, "policy violation")
			span.SetAttributes(attribute.Int("policy.findings", len(findings)))
			return nil, &PolicyViolationError{Findings: findings}
		}
	}

	var (
		history  []datatypes.ConversationTurn
		findings []datatypes.Finding
		docs     []datatypes.RetrievedDocument
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history = s.fetchHistory(gctx, p)
		return gctx.Err()
	})
	g.Go(func() error {
		samples := s.fetchMetrics(gctx, p)

		start := time.Now()
		series := datatypes.GroupSamples(p.userID, p.kinds, p.since, p.until, samples)
		findings = s.analyzer.Analyze(series, p.kinds)
		s.telemetry.ObserveStage(observability.StageAnalyze, start)

		start = time.Now()
		docs = s.retriever.Retrieve(gctx, p.question, findings, p.k, p.filter)
		s.telemetry.ObserveStage(observability.StageRetrieve, start)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("answer aborted: %w", err)
	}

	start := time.Now()
	flag := s.classifier.Classify(p.question, findings, docs)
	s.telemetry.ObserveStage(observability.StageSafety, start)
	s.telemetry.RecordSafety(flag.Severity.String())
	span.SetAttributes(
		attribute.String("safety.severity", flag.Severity.String()),
		attribute.Int("answer.documents", len(docs)),
		attribute.Int("answer.anomalies", len(datatypes.AnomalousFindings(findings))),
	)
	if flag.Severity > datatypes.SeverityNone {
		s.logger.Info("Safety flag raised",
			"user_id", p.userID,
			"severity", flag.Severity.String(),
			"trigger", flag.MatchedTrigger,
		)
	}

	resp, err := s.composer.Compose(ctx, ComposeInput{
		UserID:    p.userID,
		Question:  p.question,
		Findings:  findings,
		Documents: docs,
		Safety:    flag,
		History:   history,
	}, stream)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose failed")
		s.logger.Error("Answer failed", "user_id", p.userID, "error", err)
		return nil, err
	}
	return resp, nil
}

// prepare validates req and fills the defaults.
func (s *HealthQAService) prepare(req datatypes.AnswerRequest) (*plan, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, &ConfigurationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " validation", Err: err}
		}
		return nil, &ConfigurationError{Reason: err.Error(), Err: err}
	}

	userID, err := validation.SanitizeUserID(req.UserID)
	if err != nil {
		return nil, &ConfigurationError{Field: "user_id", Reason: err.Error(), Err: err}
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, &ConfigurationError{Field: "question", Reason: "must not be blank"}
	}

	kinds := s.kinds.DefaultMetricKinds()
	if len(req.MetricKinds) > 0 {
		kinds, err = datatypes.ParseMetricKinds(req.MetricKinds)
		if err != nil {
			return nil, &ConfigurationError{Field: "metric_kinds", Reason: err.Error(), Err: err}
		}
		for _, k := range kinds {
			if !s.kinds.IsAvailable(k) {
				return nil, &ConfigurationError{Field: "metric_kinds", Reason: fmt.Sprintf("metric kind %q is not enabled", k)}
			}
		}
	} else {
		kinds = append([]datatypes.MetricKind(nil), kinds...)
		datatypes.SortMetricKinds(kinds)
	}

	k := req.K
	if k == 0 {
		k = s.cfg.DefaultK
	}

	var filter *datatypes.SearchFilter
	if c := strings.TrimSpace(req.Category); c != "" {
		if err := validation.ValidateTagValue(c); err != nil {
			return nil, &ConfigurationError{Field: "category", Reason: err.Error(), Err: err}
		}
		filter = &datatypes.SearchFilter{Key: "category", Value: c}
	}

	until := req.Until
	if until.IsZero() {
		until = s.now()
	}
	since := req.Since
	if since.IsZero() {
		since = until.Add(-s.cfg.DefaultWindow)
	}
	if !since.Before(until) {
		return nil, &ConfigurationError{Field: "since", Reason: "window start must be before its end"}
	}

	return &plan{
		userID:   userID,
		question: question,
		kinds:    kinds,
		k:        k,
		filter:   filter,
		since:    since.UTC(),
		until:    until.UTC(),
	}, nil
}

// fetchHistory degrades to no history on any failure.
func (s *HealthQAService) fetchHistory(ctx context.Context, p *plan) []datatypes.ConversationTurn {
	start := time.Now()
	defer s.telemetry.ObserveStage(observability.StageHistory, start)

	if s.cfg.Timeouts.History > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.History)
		defer cancel()
	}
	turns, err := s.history.FetchRecent(ctx, p.userID, s.cfg.MaxHistoryTurns)
	if err != nil {
		s.degrade(SourceHistory, err)
		return []datatypes.ConversationTurn{}
	}
	return turns
}

// fetchMetrics degrades to no samples on any failure. An unknown user is
// not a failure; it simply has no data.
func (s *HealthQAService) fetchMetrics(ctx context.Context, p *plan) []datatypes.MetricSample {
	start := time.Now()
	defer s.telemetry.ObserveStage(observability.StageMetrics, start)

	if s.cfg.Timeouts.Metrics > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeouts.Metrics)
		defer cancel()
	}
	samples, err := s.metrics.Fetch(ctx, p.userID, p.kinds, p.since, p.until)
	if err != nil {
		if timeseries.IsNotFound(err) {
			s.logger.Info("No metrics recorded for user", "user_id", p.userID)
			return nil
		}
		s.degrade(SourceMetrics, err)
		return nil
	}
	return samples
}

func (s *HealthQAService) degrade(source string, err error) {
	s.logger.Warn("Collaborator unavailable, continuing without it",
		"error", &DataUnavailableError{Source: source, Err: err})
	s.telemetry.RecordDegraded(source)
}
