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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/ux"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

type askOptions struct {
	userID   string
	metrics  []string
	k        int
	category string
	since    time.Duration
	noStream bool
	asJSON   bool
}

func newAskCmd(g *globals) *cobra.Command {
	opts := askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about your health metrics",
		Long: `Ask a question grounded in your recent metrics and the indexed knowledge base.

Answers stream by default. Every streamed frame is hash-chained by the server
and verified here; a broken chain aborts the answer.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, g, opts, strings.Join(args, " "))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.userID, "user", "u", os.Getenv(envUserID), "User whose metrics are analyzed ($"+envUserID+")")
	f.StringSliceVarP(&opts.metrics, "metrics", "m", nil, "Metric kinds to analyze (default: server policy)")
	f.IntVar(&opts.k, "k", 0, "Number of documents to cite (default: server setting)")
	f.StringVar(&opts.category, "category", "", "Only cite documents in this category")
	f.DurationVar(&opts.since, "since", 0, "Look back this far, e.g. 168h (default: server window)")
	f.BoolVar(&opts.noStream, "no-stream", false, "Wait for the whole answer instead of streaming")
	f.BoolVar(&opts.asJSON, "json", false, "Print the raw response JSON (implies --no-stream)")
	return cmd
}

func buildChatRequest(opts askOptions, question string, now time.Time) (datatypes.ChatRequest, error) {
	if opts.userID == "" {
		return datatypes.ChatRequest{}, fmt.Errorf("--user is required (or set $%s)", envUserID)
	}
	req := datatypes.ChatRequest{
		UserID:      opts.userID,
		Message:     question,
		MetricKinds: opts.metrics,
		K:           opts.k,
		Category:    opts.category,
	}
	if opts.since > 0 {
		end := now.UTC()
		req.Timeframe = &datatypes.Timeframe{Start: end.Add(-opts.since), End: end}
	}
	return req, nil
}

func runAsk(cmd *cobra.Command, g *globals, opts askOptions, question string) error {
	req, err := buildChatRequest(opts, question, time.Now())
	if err != nil {
		return err
	}
	client := g.client()
	renderer := ux.NewAnswerRenderer(g.printer)

	if opts.noStream || opts.asJSON {
		ctx, cancel := g.requestContext(cmd)
		defer cancel()
		resp, err := client.Chat(ctx, req)
		if err != nil {
			return err
		}
		if opts.asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		renderer.Response(resp)
		return nil
	}

	// Streams are bounded by the server's generation timeout, not --timeout.
	body, err := client.ChatStream(cmd.Context(), req)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = ux.ConsumeStream(body, renderer)
	if errors.Is(err, ux.ErrChainBroken) {
		g.printer.ErrorBox("Answer discarded", "The answer stream failed its integrity check. Do not rely on any text shown above.")
	}
	return err
}
