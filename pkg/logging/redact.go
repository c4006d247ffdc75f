// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// redactingHandler masks the values of sensitive keys before the record
// reaches the wrapped handler. Keys match case-insensitively at any group
// depth.
type redactingHandler struct {
	next slog.Handler
	keys map[string]bool
}

func newRedactingHandler(next slog.Handler, keys []string) *redactingHandler {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &redactingHandler{next: next, keys: set}
}

// Redacted is the replacement value for a masked string of n bytes.
func Redacted(n int) string {
	return fmt.Sprintf("[REDACTED len=%d]", n)
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = h.redact(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(masked), keys: h.keys}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), keys: h.keys}
}

func (h *redactingHandler) redact(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		masked := make([]any, len(group))
		for i, ga := range group {
			masked[i] = h.redact(ga)
		}
		return slog.Group(a.Key, masked...)
	}
	if !h.keys[strings.ToLower(a.Key)] {
		return slog.Attr{Key: a.Key, Value: v}
	}
	if v.Kind() == slog.KindString {
		return slog.String(a.Key, Redacted(len(v.String())))
	}
	return slog.String(a.Key, "[REDACTED]")
}
