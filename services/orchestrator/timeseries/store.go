// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeseries reads and writes personal health metric samples.
//
// The pipeline only reads through Store. Writers are used by the ingestion
// endpoint and the CLI.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// ErrUserNotFound is the sentinel wrapped by NotFoundError.
var ErrUserNotFound = errors.New("user not found")

// NotFoundError is returned by Fetch only when the user is unknown to the
// store. A known user with no samples yields an empty slice and nil error.
type NotFoundError struct {
	UserID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("metric store: user %q not found", e.UserID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrUserNotFound
}

// IsNotFound reports whether err marks an unknown user.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Store is the read side of the metric series store.
type Store interface {
	// Fetch returns every sample of the given kinds for userID in the
	// closed-open window [since, until). A zero until means now.
	Fetch(ctx context.Context, userID string, kinds []datatypes.MetricKind, since, until time.Time) ([]datatypes.MetricSample, error)
}

// Writer records new samples. Samples are immutable once written.
type Writer interface {
	WriteSamples(ctx context.Context, userID string, samples []datatypes.MetricSample) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrInvalidSample marks a write refused because of its content rather
// than a backend failure.
var ErrInvalidSample = errors.New("invalid metric sample")

// IsInvalidSample reports whether err wraps ErrInvalidSample.
func IsInvalidSample(err error) bool {
	return errors.Is(err, ErrInvalidSample)
}

// validateSamples checks kinds before anything reaches a backend.
func validateSamples(samples []datatypes.MetricSample) error {
	for i, s := range samples {
		if !s.Kind.Valid() {
			return fmt.Errorf("sample %d: %w: %w: %q", i, ErrInvalidSample, datatypes.ErrUnknownMetricKind, s.Kind)
		}
		if s.Timestamp.IsZero() {
			return fmt.Errorf("sample %d: %w: timestamp is required", i, ErrInvalidSample)
		}
	}
	return nil
}
