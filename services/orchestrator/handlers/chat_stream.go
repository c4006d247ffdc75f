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
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// lazyStream commits the SSE response on the first event, so errors that
// happen before any output still get a proper status code.
type lazyStream struct {
	c      *gin.Context
	mu     sync.Mutex
	writer SSEWriter
}

func (l *lazyStream) start() (SSEWriter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		return l.writer, nil
	}
	SetSSEHeaders(l.c.Writer)
	l.c.Status(http.StatusOK)
	w, err := NewSSEWriter(l.c.Writer)
	if err != nil {
		return nil, err
	}
	l.writer = w
	return w, nil
}

func (l *lazyStream) started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != nil
}

func (l *lazyStream) write(ev datatypes.AnswerEvent) error {
	w, err := l.start()
	if err != nil {
		return err
	}
	return w.WriteEvent(ev)
}

func (l *lazyStream) keepAlive() error {
	w, err := l.start()
	if err != nil {
		return err
	}
	return w.WriteKeepAlive()
}

// HandleChatStream answers one question over Server-Sent Events.
//
// # Description
//
// POST /v1/chat/stream. Event order on success:
//
//	token* -> sources -> safety -> done
//
// The concatenated token contents equal the reply in the done event. A
// failure after the stream started is reported as one error event; a
// failure before it started gets the same status code and body as
// POST /v1/chat.
//
// # Limitations
//
//   - Keep-alive comments commit the response, after which validation
//     errors can only be reported as error events. Validation runs first,
//     so this only matters for very slow collaborators.
func HandleChatStream(deps AnswerDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := bindChatRequest(c)
		if err != nil {
			deps.Metrics.RecordRequest(observability.ModeStream, observability.OutcomeInvalidRequest)
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}

		deps.Metrics.StreamStarted()
		defer deps.Metrics.StreamEnded()

		stream := &lazyStream{c: c}
		stopKeepAlive := startKeepAlive(deps.KeepAlive, stream)

		ctx := c.Request.Context()
		resp, err := deps.Service.AnswerStream(ctx, req, stream.write)
		stopKeepAlive()

		if err != nil {
			if !stream.started() {
				writeAnswerError(c, deps, observability.ModeStream, err)
				return
			}
			_, outcome, body := classifyAnswerError(err)
			deps.Metrics.RecordRequest(observability.ModeStream, outcome)
			if outcome == observability.OutcomeCancelled || ctx.Err() != nil {
				deps.Metrics.RecordClientDisconnect(observability.ModeStream)
				slog.Info("Stream client disconnected", "error", err)
				return
			}
			logAnswerError(c, observability.ModeStream, http.StatusOK, err)
			if werr := stream.write(datatypes.AnswerEvent{Type: datatypes.AnswerEventError, Error: body.Error}); werr != nil {
				slog.Warn("Failed to deliver stream error event", "error", werr)
			}
			return
		}

		deps.Metrics.RecordRequest(observability.ModeStream, observability.OutcomeSuccess)
		auditAnswer(ctx, deps, c, req.UserID, resp)
	}
}

// startKeepAlive pings the stream every interval until the returned stop
// function is called. stop waits for the pinger to exit.
func startKeepAlive(interval time.Duration, stream *lazyStream) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := stream.keepAlive(); err != nil {
					if !errors.Is(err, http.ErrHandlerTimeout) {
						slog.Debug("Keep-alive failed", "error", err)
					}
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
