// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentedChat records generation latency, failures and streamed
// token counts for a ChatClient.
type InstrumentedChat struct {
	inner    ChatClient
	attrs    metric.MeasurementOption
	duration metric.Float64Histogram
	failures metric.Int64Counter
	tokens   metric.Int64Counter
}

// NewInstrumentedChat wraps inner with instruments created from meter.
//
// # Inputs
//
//   - inner: The backend being measured.
//   - backend: Value of the "backend" attribute on every measurement.
//   - meter: Usually otel.Meter(...) after the meter provider is installed.
func NewInstrumentedChat(inner ChatClient, backend string, meter metric.Meter) (*InstrumentedChat, error) {
	duration, err := meter.Float64Histogram("healthqa.llm.generation.duration",
		metric.WithDescription("Wall time of one generation call"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("healthqa.llm.generation.failures",
		metric.WithDescription("Generation calls that returned an error"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("healthqa.llm.stream.tokens",
		metric.WithDescription("Token events delivered by streaming generation"))
	if err != nil {
		return nil, err
	}
	return &InstrumentedChat{
		inner:    inner,
		attrs:    metric.WithAttributes(attribute.String("backend", backend)),
		duration: duration,
		failures: failures,
		tokens:   tokens,
	}, nil
}

// Chat delegates and records the call.
func (c *InstrumentedChat) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	start := time.Now()
	out, err := c.inner.Chat(ctx, messages, params)
	c.record(ctx, start, "chat", err)
	return out, err
}

// ChatStream delegates and counts token events seen by callback.
func (c *InstrumentedChat) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	start := time.Now()
	err := c.inner.ChatStream(ctx, messages, params, func(ev StreamEvent) error {
		if ev.Type == StreamEventToken {
			c.tokens.Add(ctx, 1, c.attrs)
		}
		return callback(ev)
	})
	c.record(ctx, start, "stream", err)
	return err
}

func (c *InstrumentedChat) record(ctx context.Context, start time.Time, mode string, err error) {
	modeAttr := metric.WithAttributes(attribute.String("mode", mode))
	c.duration.Record(ctx, time.Since(start).Seconds(), c.attrs, modeAttr)
	if err != nil {
		c.failures.Add(ctx, 1, c.attrs, modeAttr)
	}
}
