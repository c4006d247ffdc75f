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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/spf13/cobra"
)

func newMetricsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Push samples and manage the metric-kind policy",
	}
	cmd.AddCommand(newMetricsPushCmd(g), newMetricsConfigCmd(g))
	return cmd
}

func newMetricsPushCmd(g *globals) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "push [file]",
		Short: "Upload metric samples from a JSON file ('-' for stdin)",
		Long: `Upload metric samples.

The file holds either an ingest request {"user_id": ..., "samples": [...]}
or a bare array of samples, in which case --user is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			req, err := parseIngestRequest(data, userID)
			if err != nil {
				return err
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			n, err := g.client().PushMetrics(ctx, req)
			if err != nil {
				return err
			}
			g.printer.Success(fmt.Sprintf("accepted %d samples for %s", n, req.UserID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", os.Getenv(envUserID), "Owner of the samples; overrides the file ($"+envUserID+")")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func parseIngestRequest(data []byte, userID string) (datatypes.MetricIngestRequest, error) {
	var req datatypes.MetricIngestRequest
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &req.Samples); err != nil {
			return req, fmt.Errorf("decode samples: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, fmt.Errorf("decode ingest request: %w", err)
	}
	if userID != "" {
		req.UserID = userID
	}
	if req.UserID == "" {
		return req, fmt.Errorf("no user id: pass --user or set user_id in the file")
	}
	if len(req.Samples) == 0 {
		return req, fmt.Errorf("no samples to push")
	}
	return req, nil
}

func newMetricsConfigCmd(g *globals) *cobra.Command {
	var defaults, available []string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the default and available metric kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			client := g.client()

			var (
				snap *datatypes.MetricConfigResponse
				err  error
			)
			if len(defaults) == 0 && len(available) == 0 {
				snap, err = client.MetricConfig(ctx)
			} else {
				snap, err = client.UpdateMetricConfig(ctx, datatypes.MetricConfigUpdateRequest{
					DefaultMetricKinds:   defaults,
					AvailableMetricKinds: available,
				})
			}
			if err != nil {
				return err
			}
			g.printer.KeyValue("default", strings.Join(snap.DefaultMetricKinds, ","))
			g.printer.KeyValue("available", strings.Join(snap.AvailableMetricKinds, ","))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&defaults, "set-default", nil, "New default metric kinds")
	cmd.Flags().StringSliceVar(&available, "set-available", nil, "New available metric kinds")
	return cmd
}
