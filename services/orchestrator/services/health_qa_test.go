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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

type harness struct {
	metrics   *timeseries.MemoryStore
	history   *conversation.MemoryStore
	index     *knowledge.MemoryIndex
	embedder  *topicEmbedder
	chat      *scriptedChat
	telemetry *observability.PipelineMetrics
	deps      Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		metrics:   timeseries.NewMemoryStore(),
		history:   conversation.NewMemoryStore(),
		index:     knowledge.NewMemoryIndex(3),
		embedder:  &topicEmbedder{},
		chat:      &scriptedChat{reply: "A typical resting heart rate is 60 to 100 bpm [1]."},
		telemetry: observability.NewPipelineMetrics(prometheus.NewRegistry()),
	}
	require.NoError(t, h.index.Upsert(context.Background(), []datatypes.KnowledgeDocument{
		{ID: "cardio-1", Text: "Normal resting heart rate for adults ranges from 60 to 100 beats per minute.",
			Metadata: datatypes.DocumentMetadata{Title: "Heart rate basics", Source: "aha", Category: "cardio"}},
		{ID: "sleep-1", Text: "Most adults need seven or more hours of sleep per night.",
			Metadata: datatypes.DocumentMetadata{Title: "Sleep duration", Source: "cdc", Category: "sleep"}},
	}, [][]float32{{1, 0, 0.1}, {0, 1, 0.1}}))
	h.deps = Dependencies{
		Metrics:      h.metrics,
		Conversation: h.history,
		Index:        h.index,
		Embedder:     h.embedder,
		Chat:         h.chat,
		Telemetry:    h.telemetry,
	}
	return h
}

func (h *harness) service(t *testing.T) *HealthQAService {
	t.Helper()
	svc, err := NewHealthQAService(h.deps, Config{Timeouts: DefaultTimeouts()})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return svc
}

// seedHeartRate writes hourly readings of 72 bpm for a week plus one 190.
func (h *harness) seedHeartRate(t *testing.T, userID string) {
	t.Helper()
	var samples []datatypes.MetricSample
	start := testNow.Add(-7 * 24 * time.Hour).Add(time.Hour)
	for ts := start; ts.Before(testNow); ts = ts.Add(4 * time.Hour) {
		samples = append(samples, datatypes.MetricSample{
			Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(72), Timestamp: ts, Unit: "bpm",
		})
	}
	samples = append(samples, datatypes.MetricSample{
		Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(190), Timestamp: testNow.Add(-30 * time.Hour), Unit: "bpm",
	})
	require.NoError(t, h.metrics.WriteSamples(context.Background(), userID, samples))
}

func findingFor(t *testing.T, findings []datatypes.Finding, kind datatypes.MetricKind) datatypes.Finding {
	t.Helper()
	for _, f := range findings {
		if f.MetricKind == kind {
			return f
		}
	}
	t.Fatalf("no finding for %s", kind)
	return datatypes.Finding{}
}

func TestNewHealthQAService_DimensionMismatch(t *testing.T) {
	h := newHarness(t)
	h.deps.Embedder = &topicEmbedder{dim: 768}

	_, err := NewHealthQAService(h.deps, Config{})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, llm.ErrDimensionMismatch)
}

func TestNewHealthQAService_MissingCollaborator(t *testing.T) {
	h := newHarness(t)
	h.deps.Chat = nil
	_, err := NewHealthQAService(h.deps, Config{})
	assert.True(t, IsConfigurationError(err))
}

func TestAnswer_HeartRateSpikeIsAdvisory(t *testing.T) {
	h := newHarness(t)
	h.seedHeartRate(t, "user-1")
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID:   "user-1",
		Question: "Is my heart rate okay?",
	})
	require.NoError(t, err)

	hr := findingFor(t, resp.FindingsUsed, datatypes.MetricHeartRate)
	assert.True(t, hr.Anomaly)
	assert.Equal(t, datatypes.ReasonAbsoluteRange, hr.AnomalyReason)
	assert.GreaterOrEqual(t, resp.SafetyFlag.Severity, datatypes.SeverityAdvisory)
	assert.Contains(t, resp.ReplyText, AdvisoryWarning)
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "cardio-1", resp.Citations[0].DocumentID)
	assert.True(t, resp.Citations[0].Referenced)

	assert.Contains(t, h.chat.lastUserPrompt(), "ANOMALY (absolute_range)")
	assert.Contains(t, h.chat.lastSystemPrompt(), "SAFETY:")
	assert.Equal(t, 1, h.chat.calls)
	assert.Equal(t, 1, h.embedder.calls)
	assert.Equal(t, 2, h.history.Len("user-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.telemetry.SafetyFlagsTotal.WithLabelValues("advisory")))
}

func TestAnswer_NoMetricsStillReplies(t *testing.T) {
	h := newHarness(t)
	h.chat.reply = "Most adults need seven or more hours of sleep [1]."
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID:   "new-user",
		Question: "What is a normal sleep duration?",
	})
	require.NoError(t, err)

	require.Len(t, resp.FindingsUsed, len(datatypes.DefaultMetricKinds))
	for _, f := range resp.FindingsUsed {
		assert.Zero(t, f.SampleCount)
		assert.False(t, f.Anomaly)
		assert.Equal(t, datatypes.ReasonInsufficientData, f.AnomalyReason)
	}
	assert.Equal(t, datatypes.SeverityNone, resp.SafetyFlag.Severity)
	assert.NotContains(t, resp.ReplyText, "Warning:")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, "sleep-1", resp.Citations[0].DocumentID)
	assert.Zero(t, testutil.ToFloat64(h.telemetry.DegradedTotal.WithLabelValues(SourceMetrics)), "unknown user is not degraded")
}

func TestAnswer_MetricStoreTimeoutDegrades(t *testing.T) {
	tests := []struct {
		name  string
		store stallingMetricStore
	}{
		{"timeout", stallingMetricStore{}},
		{"backend error", stallingMetricStore{err: errors.New("influx unreachable")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deps.Metrics = tt.store
			timeouts := DefaultTimeouts()
			timeouts.Metrics = 20 * time.Millisecond
			svc, err := NewHealthQAService(h.deps, Config{Timeouts: timeouts})
			require.NoError(t, err)
			svc.now = func() time.Time { return testNow }

			resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
				UserID:   "user-1",
				Question: "Is my heart rate okay?",
			})
			require.NoError(t, err)

			require.Len(t, resp.FindingsUsed, len(datatypes.DefaultMetricKinds))
			for _, f := range resp.FindingsUsed {
				assert.Zero(t, f.SampleCount)
				assert.Equal(t, datatypes.ReasonInsufficientData, f.AnomalyReason)
			}
			assert.NotEmpty(t, resp.ReplyText)
			assert.Contains(t, resp.ReplyText, Disclaimer)
			assert.Equal(t, 1.0, testutil.ToFloat64(h.telemetry.DegradedTotal.WithLabelValues(SourceMetrics)))
		})
	}
}

func TestAnswer_IndexUnreachableDegrades(t *testing.T) {
	h := newHarness(t)
	h.deps.Index = failingIndex{dim: 3}
	h.chat.reply = "I could not find sources, but 60 to 100 bpm is typical [1]."
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID:   "user-1",
		Question: "Is 65 bpm normal?",
	})
	require.NoError(t, err)

	assert.NotNil(t, resp.Citations)
	assert.Empty(t, resp.Citations)
	assert.NotContains(t, resp.ReplyText, "[1]", "markers without documents are stripped")
	assert.Contains(t, h.chat.lastUserPrompt(), "no reference documents")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.telemetry.DegradedTotal.WithLabelValues("index")))
}

func TestAnswer_EmbeddingFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.embedder.err = errors.New("embedding backend timeout")
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{UserID: "user-1", Question: "Is 65 bpm normal?"})
	require.NoError(t, err)
	assert.Empty(t, resp.Citations)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.telemetry.DegradedTotal.WithLabelValues("embedding")))
}

func TestAnswer_GenerationAlwaysFails(t *testing.T) {
	h := newHarness(t)
	h.chat.err = errors.New("provider exploded")
	h.seedHeartRate(t, "user-1")
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{UserID: "user-1", Question: "Is my heart rate okay?"})
	assert.Nil(t, resp)
	assert.True(t, IsGenerationFailure(err))
	assert.Zero(t, h.history.Len("user-1"))

	_, err = svc.AnswerStream(context.Background(), datatypes.AnswerRequest{UserID: "user-1", Question: "again?"},
		func(datatypes.AnswerEvent) error { return nil })
	assert.True(t, IsGenerationFailure(err))
	assert.Zero(t, h.history.Len("user-1"))
}

func TestAnswer_UnknownKindFailsBeforeProviders(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t)

	_, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID:      "user-1",
		Question:    "How is my cortisol?",
		MetricKinds: []string{"hr", "cortisol"},
	})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, datatypes.ErrUnknownMetricKind)
	assert.Zero(t, h.embedder.calls)
	assert.Zero(t, h.chat.calls)
}

func TestAnswer_RequestValidation(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t)

	tests := []struct {
		name  string
		req   datatypes.AnswerRequest
		field string
	}{
		{"missing user", datatypes.AnswerRequest{Question: "q"}, "UserID"},
		{"blank question", datatypes.AnswerRequest{UserID: "u1", Question: "   "}, "question"},
		{"k too large", datatypes.AnswerRequest{UserID: "u1", Question: "q", K: 21}, "K"},
		{"bad user id", datatypes.AnswerRequest{UserID: "../etc", Question: "q"}, "user_id"},
		{"inverted window", datatypes.AnswerRequest{UserID: "u1", Question: "q",
			Since: testNow, Until: testNow.Add(-time.Hour)}, "since"},
		{"bad category", datatypes.AnswerRequest{UserID: "u1", Question: "q", Category: "a\"b"}, "category"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Answer(context.Background(), tt.req)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.Zero(t, h.chat.calls)
}

func TestAnswer_RespectsKAndCategory(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID: "user-1", Question: "Is my heart rate okay?", K: 1, Category: "sleep",
	})
	require.NoError(t, err)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "sleep-1", resp.Citations[0].DocumentID)
}

func TestAnswer_UsesHistoryOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.history.Append(ctx, "user-1", datatypes.ConversationTurn{Role: datatypes.RoleUser, Text: "first question"}))
	require.NoError(t, h.history.Append(ctx, "user-1", datatypes.ConversationTurn{Role: datatypes.RoleAssistant, Text: "first answer"}))
	svc := h.service(t)

	_, err := svc.Answer(ctx, datatypes.AnswerRequest{UserID: "user-1", Question: "follow up"})
	require.NoError(t, err)

	msgs := h.chat.messages[0]
	require.Len(t, msgs, 4)
	assert.Equal(t, "first question", msgs[1].Content)
	assert.Equal(t, "first answer", msgs[2].Content)
	assert.Equal(t, 4, h.history.Len("user-1"))
}

func TestAnswer_HistoryFailureDegrades(t *testing.T) {
	h := newHarness(t)
	store := &recordingStore{fetchErr: errors.New("redis timeout")}
	h.deps.Conversation = store
	svc := h.service(t)

	_, err := svc.Answer(context.Background(), datatypes.AnswerRequest{UserID: "user-1", Question: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.telemetry.DegradedTotal.WithLabelValues(SourceHistory)))
	assert.Equal(t, 2, store.count())
}

func TestAnswer_EmergencyQuestion(t *testing.T) {
	h := newHarness(t)
	h.chat.reply = "Please call emergency services now."
	svc := h.service(t)

	resp, err := svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID: "user-1", Question: "I have crushing chest pain and my arm is numb",
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.SeverityEmergency, resp.SafetyFlag.Severity)
	assert.Contains(t, resp.ReplyText, EmergencyWarning)
	assert.Contains(t, h.chat.lastSystemPrompt(), "immediate emergency care")
}

func TestAnswer_PolicyViolation(t *testing.T) {
	h := newHarness(t)
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err)
	h.deps.Policy = engine
	svc := h.service(t)

	_, err = svc.Answer(context.Background(), datatypes.AnswerRequest{
		UserID: "user-1", Question: "my key is AKIA1234567890123456, is my hr ok?",
	})
	assert.True(t, IsPolicyViolation(err))
	assert.NotEmpty(t, GetPolicyFindings(err))
	assert.Zero(t, h.chat.calls)
}

func TestAnswer_CancelledRequest(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Answer(ctx, datatypes.AnswerRequest{UserID: "user-1", Question: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.history.Len("user-1"))
	assert.Zero(t, h.chat.calls)
}

func TestAnswerStream_EventOrder(t *testing.T) {
	h := newHarness(t)
	h.seedHeartRate(t, "user-1")
	svc := h.service(t)

	var events []datatypes.AnswerEvent
	resp, err := svc.AnswerStream(context.Background(), datatypes.AnswerRequest{
		UserID: "user-1", Question: "Is my heart rate okay?",
	}, func(ev datatypes.AnswerEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 4)

	n := len(events)
	assert.Equal(t, datatypes.AnswerEventSources, events[n-3].Type)
	assert.Equal(t, datatypes.AnswerEventSafety, events[n-2].Type)
	assert.Equal(t, datatypes.AnswerEventDone, events[n-1].Type)
	assert.Same(t, resp, events[n-1].Response)
	assert.Equal(t, datatypes.SeverityAdvisory, events[n-2].Response.SafetyFlag.Severity)

	var text string
	for _, ev := range events[:n-3] {
		require.Equal(t, datatypes.AnswerEventToken, ev.Type)
		text += ev.Content
	}
	assert.Equal(t, resp.ReplyText, text)
}

func TestAnswerStream_RequiresCallback(t *testing.T) {
	h := newHarness(t)
	_, err := h.service(t).AnswerStream(context.Background(), datatypes.AnswerRequest{UserID: "u", Question: "q"}, nil)
	assert.True(t, IsConfigurationError(err))
}

// Identical inputs against an unchanged index give identical answers.
func TestAnswer_Deterministic(t *testing.T) {
	h := newHarness(t)
	h.seedHeartRate(t, "user-1")
	svc := h.service(t)
	req := datatypes.AnswerRequest{UserID: "user-1", Question: "Is my heart rate okay?"}

	first, err := svc.Answer(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Answer(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Citations, second.Citations)
	assert.Equal(t, first.FindingsUsed, second.FindingsUsed)
	assert.Equal(t, first.SafetyFlag, second.SafetyFlag)
}
