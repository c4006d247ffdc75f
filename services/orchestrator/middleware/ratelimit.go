// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// UserIDHeader lets a caller that multiplexes many patients over one key
// get a bucket per patient.
const UserIDHeader = "x-user-id"

// DefaultMaxBuckets bounds the number of tracked callers.
const DefaultMaxBuckets = 10000

// RateLimiter hands out one token bucket per caller.
//
// # Description
//
// The caller key is the authenticated principal plus the x-user-id header
// when present, otherwise the client IP. Buckets live in an LRU so idle
// callers are eventually forgotten; a forgotten caller starts again with
// a full bucket.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter returns a limiter allowing perSecond requests with burst.
func NewRateLimiter(perSecond float64, burst, maxBuckets int) (*RateLimiter, error) {
	if perSecond <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rate limit needs positive rate and burst, got %v/%d", perSecond, burst)
	}
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}
	cache, err := lru.New[string, *rate.Limiter](maxBuckets)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, buckets: cache}, nil
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(r.limit, r.burst)
	r.buckets.Add(key, b)
	return b
}

// Allow consumes one token for key.
func (r *RateLimiter) Allow(key string) bool {
	return r.bucket(key).Allow()
}

func callerKey(c *gin.Context) string {
	key := c.ClientIP()
	if info := GetAuthInfo(c); info != nil {
		key = info.Principal
	}
	if uid := c.GetHeader(UserIDHeader); uid != "" {
		key += "/" + uid
	}
	return key
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(r.limit)))))
	return func(c *gin.Context) {
		if !r.Allow(callerKey(c)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
