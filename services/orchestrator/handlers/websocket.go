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
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
)

const (
	wsReadLimit    = 64 * 1024
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 5 * time.Minute
	// wsMaxPending bounds questions queued behind the one being answered.
	wsMaxPending = 4
)

func newUpgrader(allowed []string) *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 16 * 1024}
	if len(allowed) == 0 {
		return u
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if set["*"] || set[strings.ToLower(origin)] {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && strings.EqualFold(parsed.Host, r.Host)
	}
	return u
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn  *websocket.Conn
	chain *frameChain
	mu    sync.Mutex
}

func (w *wsConn) send(ev datatypes.AnswerEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(w.chain.next(ev))
}

func (w *wsConn) closeWith(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

// readQuestions owns the read side of the connection. It keeps reading while
// a question is answered, so a close frame or a dropped peer cancels the
// in-flight pipeline through cancel.
func (w *wsConn) readQuestions(out chan<- datatypes.ChatRequest, cancel context.CancelFunc) {
	defer cancel()
	defer close(out)
	for {
		var chat datatypes.ChatRequest
		if err := w.conn.ReadJSON(&chat); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("WebSocket closed", "error", err)
			}
			return
		}
		select {
		case out <- chat:
		default:
			slog.Warn("WebSocket client exceeded pending questions", "limit", wsMaxPending)
			w.closeWith(websocket.ClosePolicyViolation, "too many pending questions")
			return
		}
	}
}

// HandleChatWebSocket is the WebSocket variant of HandleChatStream.
//
// # Description
//
// GET /v1/chat/ws upgrades the connection. Each text message from the
// client is one datatypes.ChatRequest; the server answers it with the same
// frames the SSE stream carries (token*, sources, safety, done) or a single
// error frame, then waits for the next question. Questions on one
// connection are answered one at a time. Closing the connection cancels
// the question being answered.
//
// # Limitations
//
//   - Incoming messages are capped at 64 KiB.
//   - At most four questions may wait behind the current one; more closes
//     the connection with a policy-violation frame.
//   - The connection closes after five idle minutes.
func HandleChatWebSocket(deps AnswerDeps) gin.HandlerFunc {
	upgrader := newUpgrader(deps.AllowedOrigins)
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(wsReadLimit)

		deps.Metrics.StreamStarted()
		defer deps.Metrics.StreamEnded()

		// The request context is not cancelled when a hijacked peer goes
		// away; only the reader notices that.
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		ws := &wsConn{conn: conn, chain: newFrameChain()}
		questions := make(chan datatypes.ChatRequest, wsMaxPending)
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		go ws.readQuestions(questions, cancel)

		for {
			var chat datatypes.ChatRequest
			select {
			case <-ctx.Done():
				return
			case q, ok := <-questions:
				if !ok {
					return
				}
				chat = q
			}
			// Time spent generating is not idle time.
			_ = conn.SetReadDeadline(time.Time{})
			if !answerOverWebSocket(ctx, c, deps, ws, chat) {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		}
	}
}

// answerOverWebSocket handles one question. It returns false when the
// connection is no longer usable.
func answerOverWebSocket(ctx context.Context, c *gin.Context, deps AnswerDeps, ws *wsConn, chat datatypes.ChatRequest) bool {
	if err := binding.Validator.ValidateStruct(&chat); err != nil {
		deps.Metrics.RecordRequest(observability.ModeWebSocket, observability.OutcomeInvalidRequest)
		return ws.send(datatypes.AnswerEvent{Type: datatypes.AnswerEventError, Error: err.Error()}) == nil
	}

	req := chat.ToAnswerRequest()
	resp, err := deps.Service.AnswerStream(ctx, req, ws.send)
	if err != nil {
		_, outcome, body := classifyAnswerError(err)
		deps.Metrics.RecordRequest(observability.ModeWebSocket, outcome)
		if ctx.Err() != nil {
			deps.Metrics.RecordClientDisconnect(observability.ModeWebSocket)
			return false
		}
		logAnswerError(c, observability.ModeWebSocket, http.StatusOK, err)
		return ws.send(datatypes.AnswerEvent{Type: datatypes.AnswerEventError, Error: body.Error}) == nil
	}

	deps.Metrics.RecordRequest(observability.ModeWebSocket, observability.OutcomeSuccess)
	auditAnswer(ctx, deps, c, req.UserID, resp)
	return true
}
