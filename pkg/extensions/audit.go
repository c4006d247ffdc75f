// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent records one security- or safety-relevant action.
//
// Events never carry question or reply text. Details holds identifiers,
// counts and rule names only.
type AuditEvent struct {
	// EventType is "category.action", e.g. "answer.escalated".
	EventType string
	Timestamp time.Time
	// Principal is the authenticated credential label.
	Principal string
	// UserID is the data subject, when there is one.
	UserID  string
	Outcome string
	Details map[string]any
}

// AuditLogger persists audit events. Log must not block the request for
// long; implementations buffer if their sink is slow.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log does nothing.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// SlogAuditLogger writes events as structured log records under the
// "audit" group.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger returns a logger writing to l, or slog.Default when nil.
func NewSlogAuditLogger(l *slog.Logger) *SlogAuditLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogAuditLogger{logger: l}
}

// Log implements AuditLogger.
func (a *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("at", event.Timestamp),
		slog.String("principal", event.Principal),
		slog.String("user_id", event.UserID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	a.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
