// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it is written and passes the new Config to
// onChange. It blocks until ctx is cancelled.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by rename are still seen. A reload that fails to parse or validate
// is logged and skipped; the previous config stays in effect and onChange
// is not called.
//
// # Outputs
//
//   - error: Non-nil only when the watcher cannot be set up.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(abs)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", abs, "error", err)
				continue
			}
			slog.Info("config: reloaded", "path", abs)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}

// WatchMetricKinds keeps holder in step with the metric_kinds section of
// path. Other sections need a restart.
func WatchMetricKinds(ctx context.Context, path string, holder *MetricConfig) error {
	return Watch(ctx, path, func(cfg *Config) {
		if err := holder.Apply(cfg.MetricKinds); err != nil {
			slog.Error("config: metric kinds rejected", "error", err)
			return
		}
		slog.Info("config: metric kinds updated",
			"default", cfg.MetricKinds.Default, "available", cfg.MetricKinds.Available)
	})
}
