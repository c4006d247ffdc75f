// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators behind every route.
type Deps struct {
	Answer handlers.AnswerDeps
	Index  handlers.IndexDeps
	// MetricKinds is the runtime metric-kind policy.
	MetricKinds handlers.MetricKindSettings
	// MetricWriter is nil when the metric store is read only.
	MetricWriter timeseries.Writer
	// Ready lists the collaborators probed by /v1/ready.
	Ready        map[string]handlers.Pinger
	ReadyTimeout time.Duration
	Options      extensions.ServiceOptions
	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter *middleware.RateLimiter
	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the public surface on router.
//
// # Description
//
// /healthz and /metrics are open. Everything under /v1 passes the auth
// middleware, then the rate limiter, so buckets are keyed by principal.
func SetupRoutes(router *gin.Engine, deps Deps) {
	opts := deps.Options.Normalize()
	if deps.Answer.Audit == nil {
		deps.Answer.Audit = opts.AuditLogger
	}
	if deps.Index.Audit == nil {
		deps.Index.Audit = opts.AuditLogger
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/healthz", handlers.HandleHealthz())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	if deps.RateLimiter != nil {
		v1.Use(deps.RateLimiter.Middleware())
	}
	{
		v1.GET("/ready", handlers.HandleReady(deps.Ready, deps.ReadyTimeout))

		v1.POST("/chat", handlers.HandleChat(deps.Answer))
		v1.POST("/chat/stream", handlers.HandleChatStream(deps.Answer))
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(deps.Answer))

		index := v1.Group("/index")
		{
			index.POST("/upsert", handlers.HandleIndexUpsert(deps.Index))
			index.POST("/delete", handlers.HandleIndexDelete(deps.Index))
			index.POST("/search", handlers.HandleIndexSearch(deps.Index))
		}

		v1.GET("/config/metrics", handlers.HandleGetMetricConfig(deps.MetricKinds))
		v1.POST("/config/metrics", handlers.HandleUpdateMetricConfig(deps.MetricKinds))
		v1.POST("/metrics", handlers.HandleIngestMetrics(deps.MetricWriter))
	}
}
