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
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// scriptedChat replays a fixed reply, whole or as tokens.
type scriptedChat struct {
	mu       sync.Mutex
	reply    string
	tokens   []string
	err      error
	calls    int
	messages [][]datatypes.Message
	// block waits for ctx to end before returning.
	block bool
}

func (s *scriptedChat) record(messages []datatypes.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.messages = append(s.messages, messages)
}

func (s *scriptedChat) Chat(ctx context.Context, messages []datatypes.Message, _ llm.GenerationParams) (string, error) {
	s.record(messages)
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *scriptedChat) ChatStream(ctx context.Context, messages []datatypes.Message, _ llm.GenerationParams, callback llm.StreamCallback) error {
	s.record(messages)
	if s.err != nil {
		return s.err
	}
	tokens := s.tokens
	if tokens == nil {
		tokens = strings.SplitAfter(s.reply, " ")
	}
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedChat) lastUserPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	msgs := s.messages[len(s.messages)-1]
	return msgs[len(msgs)-1].Content
}

func (s *scriptedChat) lastSystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1][0].Content
}

// topicEmbedder maps text onto three topic axes: cardio, sleep, other.
type topicEmbedder struct {
	dim   int
	err   error
	calls int
	mu    sync.Mutex
}

func (e *topicEmbedder) Dimension() int {
	if e.dim == 0 {
		return 3
	}
	return e.dim
}

func (e *topicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *topicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := []float32{0, 0, 0.1}
		if strings.Contains(lower, "heart") || strings.Contains(lower, "hr ") {
			v[0] = 1
		}
		if strings.Contains(lower, "sleep") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

// failingIndex is a knowledge index that is never reachable.
type failingIndex struct{ dim int }

func (f failingIndex) Dimension() int { return f.dim }

func (f failingIndex) Search(context.Context, []float32, int, *datatypes.SearchFilter) ([]datatypes.ScoredDocument, error) {
	return nil, errors.New("dial tcp 10.0.0.5:8080: connection refused")
}

// recordingStore counts appends and can fail them.
type recordingStore struct {
	mu        sync.Mutex
	turns     []datatypes.ConversationTurn
	appendErr error
	fetchErr  error
}

func (r *recordingStore) FetchRecent(_ context.Context, _ string, limit int) ([]datatypes.ConversationTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	if limit > len(r.turns) {
		limit = len(r.turns)
	}
	return append([]datatypes.ConversationTurn(nil), r.turns[len(r.turns)-limit:]...), nil
}

func (r *recordingStore) Append(_ context.Context, userID string, turn datatypes.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	turn.UserID = userID
	r.turns = append(r.turns, turn)
	return nil
}

func (r *recordingStore) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// stallingMetricStore blocks until ctx ends, or fails at once when err is set.
type stallingMetricStore struct {
	err error
}

func (s stallingMetricStore) Fetch(ctx context.Context, _ string, _ []datatypes.MetricKind, _, _ time.Time) ([]datatypes.MetricSample, error) {
	if s.err != nil {
		return nil, s.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
