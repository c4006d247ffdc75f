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
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/ux"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
	"github.com/spf13/cobra"
)

const (
	envServerURL = "HEALTHQA_URL"
	envAPIKey    = "HEALTHQA_API_KEY"
	envUserID    = "HEALTHQA_USER"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	serverURL   string
	apiKey      string
	personality string
	timeout     time.Duration

	printer *ux.Printer
	// httpClient is replaced by tests.
	httpClient *http.Client
}

func (g *globals) client() *apiClient {
	return newAPIClient(g.serverURL, g.apiKey, g.httpClient)
}

// requestContext bounds one non-streaming call.
func (g *globals) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&globals{})
}

func newRootCmdWith(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "healthqa",
		Short:         "Ask grounded questions about personal health metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			g.printer = ux.NewPrinter(cmd.OutOrStdout(), ux.DetectPersonality(g.personality, cmd.OutOrStdout()))
		},
	}

	defaultURL := os.Getenv(envServerURL)
	if defaultURL == "" {
		defaultURL = fmt.Sprintf("http://localhost:%d", config.DefaultPort)
	}
	flags := root.PersistentFlags()
	flags.StringVar(&g.serverURL, "server", defaultURL, "Base URL of the health Q&A server ($"+envServerURL+")")
	flags.StringVar(&g.apiKey, "api-key", os.Getenv(envAPIKey), "API key sent as x-api-key ($"+envAPIKey+")")
	flags.StringVar(&g.personality, "personality", "", "Output style: full, minimal, or machine ($"+ux.PersonalityEnv+")")
	flags.DurationVar(&g.timeout, "timeout", 2*time.Minute, "Timeout for one request; 0 disables it")

	root.AddCommand(
		newServeCmd(),
		newAskCmd(g),
		newIndexCmd(g),
		newMetricsCmd(g),
		newStatusCmd(g),
	)
	return root
}
