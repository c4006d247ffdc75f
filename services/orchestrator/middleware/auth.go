// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware holds the gin middleware in front of the /v1 routes.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries the client credential.
const APIKeyHeader = "x-api-key"

const authInfoKey = "healthqa_auth_info"

// SetAuthInfo stores the caller identity on the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the caller identity, or nil before AuthMiddleware ran.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// Principal returns the caller label for logs and audit events.
func Principal(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.Principal
	}
	return "anonymous"
}

// AuthMiddleware validates the x-api-key header with provider.
//
// # Description
//
// Browsers cannot set headers on a WebSocket handshake, so the
// api_key query parameter is accepted for upgrade requests only.
// Failures abort with 401 and a fixed body that does not say whether the
// key was missing or wrong.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := extractAPIKey(c)

		authInfo, err := provider.Validate(c.Request.Context(), credential)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Error("auth provider failed", "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader(APIKeyHeader)); key != "" {
		return key
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return strings.TrimSpace(c.Query("api_key"))
	}
	return ""
}
