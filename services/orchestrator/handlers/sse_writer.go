// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// frameChain stamps frames with ids and chained hashes. It is shared by the
// SSE and WebSocket transports.
type frameChain struct {
	mu       sync.Mutex
	prevHash string
	now      func() time.Time
}

func newFrameChain() *frameChain {
	return &frameChain{now: time.Now}
}

func (fc *frameChain) next(ev datatypes.AnswerEvent) datatypes.StreamFrame {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	f := datatypes.StreamFrame{
		ID:        uuid.New().String(),
		Type:      ev.Type,
		CreatedAt: fc.now().UnixMilli(),
		PrevHash:  fc.prevHash,
		Content:   ev.Content,
		Response:  ev.Response,
		Error:     ev.Error,
	}
	f.Hash = datatypes.FrameHash(f)
	fc.prevHash = f.Hash
	return f
}

// SSEWriter writes answer events as Server-Sent Events.
//
// # Description
//
// Each event is written as "event: <type>\ndata: <frame json>\n\n" and
// flushed immediately.
//
// # Thread Safety
//
// Safe for concurrent use; writes are serialized.
type SSEWriter interface {
	// WriteEvent writes one answer event.
	WriteEvent(event datatypes.AnswerEvent) error

	// WriteError writes an error event with a client-safe message.
	WriteError(errMsg string) error

	// WriteKeepAlive writes an SSE comment so proxies keep the stream open.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	chain   *frameChain
	mu      sync.Mutex
}

// NewSSEWriter wraps w, which must implement http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher, chain: newFrameChain()}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.AnswerEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := w.chain.next(event)
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.AnswerEvent{Type: datatypes.AnswerEventError, Error: errMsg})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders prepares w for an event stream. X-Accel-Buffering stops
// nginx from buffering the response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
