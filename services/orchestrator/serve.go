// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/AleutianAI/AleutianHealth/pkg/logging"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
)

// ServiceName tags logs and traces emitted by the server process.
const ServiceName = "healthqa"

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: ServiceName,
		JSON:    cfg.JSON,
		Redact:  cfg.Redact,
	}), nil
}

// Serve assembles the service and blocks until ctx is cancelled.
//
// # Description
//
// When path is non-empty the metric-kind policy follows edits to that file
// for the lifetime of ctx. A watcher failure is logged and does not stop
// the server.
//
// # Outputs
//
//   - error: Construction or listener failure. Nil after a clean shutdown.
func Serve(ctx context.Context, cfg *config.Config, path string, opts *extensions.ServiceOptions) error {
	svc, err := New(cfg, opts)
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}
	defer svc.Close()

	if path != "" {
		go func() {
			if err := svc.WatchConfig(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("config watcher stopped", "path", path, "error", err)
			}
		}()
	}
	return svc.Run(ctx)
}
