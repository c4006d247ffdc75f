// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the health Q&A HTTP server.
//
// This is the entry point for the containerized service. Settings come from
// the YAML file named by -config or HEALTHQA_CONFIG, overlaid with the
// HEALTHQA_* environment variables. With no file, defaults plus the
// environment are used.
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	HEALTHQA_CONFIG=/etc/healthqa/config.yaml ./orchestrator
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
)

func main() {
	path := flag.String("config", os.Getenv("HEALTHQA_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := orchestrator.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting orchestrator", "config", *path, "port", cfg.Server.Port)
	if err := orchestrator.Serve(ctx, cfg, *path, nil); err != nil {
		slog.Error("Orchestrator error", "error", err)
		os.Exit(1)
	}
}
