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
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// DefaultReadyTimeout bounds each readiness probe.
const DefaultReadyTimeout = 2 * time.Second

// Pinger is any collaborator that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealthz is the liveness probe. It touches no collaborator.
func HandleHealthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleReady probes every collaborator concurrently.
//
// # Description
//
// GET /v1/ready answers 200 with status "ready" when every probe passes and
// 503 with status "degraded" otherwise. The answer pipeline still works
// when a store is down, so this is informational for load balancers that
// prefer fully healthy instances.
func HandleReady(checks map[string]Pinger, timeout time.Duration) gin.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		resp := datatypes.ReadinessResponse{Status: "ready", Components: make(map[string]string, len(checks))}
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, p := range checks {
			wg.Add(1)
			go func(name string, p Pinger) {
				defer wg.Done()
				state := "ok"
				if err := p.Ping(ctx); err != nil {
					state = "unavailable"
					slog.Warn("Readiness probe failed", "component", name, "error", err)
				}
				mu.Lock()
				resp.Components[name] = state
				mu.Unlock()
			}(name, p)
		}
		wg.Wait()

		status := http.StatusOK
		for _, state := range resp.Components {
			if state != "ok" {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				break
			}
		}
		c.JSON(status, resp)
	}
}
