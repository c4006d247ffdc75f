// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/gin-gonic/gin"
)

// MetricKindSettings is the runtime metric-kind policy. config.MetricConfig
// implements it.
type MetricKindSettings interface {
	Snapshot() datatypes.MetricConfigResponse
	Update(defaults, available []string) error
}

// HandleGetMetricConfig returns the current default and available kinds.
//
// GET /v1/config/metrics.
func HandleGetMetricConfig(settings MetricKindSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, settings.Snapshot())
	}
}

// HandleUpdateMetricConfig changes the metric-kind policy at runtime.
//
// # Description
//
// POST /v1/config/metrics. Either list may be omitted to keep its current
// value. The update is refused with 400, leaving the policy unchanged,
// when a kind is unknown or a default kind would not be available.
func HandleUpdateMetricConfig(settings MetricKindSettings) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.MetricConfigUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		if len(req.DefaultMetricKinds) == 0 && len(req.AvailableMetricKinds) == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "nothing to update"})
			return
		}
		if err := settings.Update(req.DefaultMetricKinds, req.AvailableMetricKinds); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "metric_kinds"})
			return
		}
		snap := settings.Snapshot()
		slog.Info("Metric kind policy updated",
			"default", snap.DefaultMetricKinds, "available", snap.AvailableMetricKinds)
		c.JSON(http.StatusOK, snap)
	}
}

// HandleIngestMetrics records wearable samples for one user.
//
// # Description
//
// POST /v1/metrics. Answers 501 when the configured metric store is read
// only. Samples are validated by the store; a bad kind or a non-finite
// value refuses the whole batch with 400.
func HandleIngestMetrics(writer timeseries.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if writer == nil {
			c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: "metric store does not accept writes"})
			return
		}
		var req datatypes.MetricIngestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		userID, err := validation.SanitizeUserID(req.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "user_id"})
			return
		}
		if err := writer.WriteSamples(c.Request.Context(), userID, req.Samples); err != nil {
			if timeseries.IsInvalidSample(err) {
				c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: "samples"})
				return
			}
			slog.Error("Metric ingestion failed", "user_id", userID, "samples", len(req.Samples), "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: "metric store write failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "count": len(req.Samples)})
	}
}
