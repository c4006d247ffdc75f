// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the health Q&A server in the foreground",
		Long: `Run the health Q&A server until interrupted.

The metric_kinds section of the config file is reloaded when the file
changes. Every other setting needs a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger, err := orchestrator.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			defer logger.Close()
			slog.SetDefault(logger.Slog())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return orchestrator.Serve(ctx, cfg, path, nil)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", os.Getenv("HEALTHQA_CONFIG"), "YAML config file ($HEALTHQA_CONFIG)")
	return cmd
}
