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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
	"github.com/gin-gonic/gin"
)

// DefaultSearchK is used when a search request omits k.
const DefaultSearchK = 6

// Ingester chunks, embeds and stores corpus items.
type Ingester interface {
	Ingest(ctx context.Context, items []datatypes.UpsertItem) ([]string, error)
}

// IndexDeps are the collaborators of the /v1/index routes.
type IndexDeps struct {
	Ingester Ingester
	Writer   knowledge.Writer
	Index    knowledge.Index
	Embedder llm.Embedder
	// Policy rejects corpus items carrying credentials or personal data.
	// Optional.
	Policy *policy_engine.PolicyEngine
	Audit  extensions.AuditLogger
}

func (d IndexDeps) audit(ctx context.Context, c *gin.Context, eventType, outcome string, details map[string]any) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.Log(ctx, extensions.AuditEvent{
		EventType: eventType,
		Principal: middleware.Principal(c),
		Outcome:   outcome,
		Details:   details,
	}); err != nil {
		slog.Warn("Audit log write failed", "event", eventType, "error", err)
	}
}

// corpusClasses are refused in the shared knowledge corpus. Reference
// material must not carry any one person's data.
var corpusClasses = []string{policy_engine.ClassSecret, policy_engine.ClassPHI, policy_engine.ClassPII}

// ItemFinding reports a refused upsert item by position.
type ItemFinding struct {
	Item    int             `json:"item"`
	Source  string          `json:"source"`
	Matches []PolicyFinding `json:"matches"`
}

func scanItems(engine *policy_engine.PolicyEngine, items []datatypes.UpsertItem) []ItemFinding {
	if engine == nil {
		return nil
	}
	var out []ItemFinding
	for i, item := range items {
		findings := engine.Scan(item.Title+"\n"+item.Text, corpusClasses...)
		if len(findings) == 0 {
			continue
		}
		matches := make([]PolicyFinding, 0, len(findings))
		for _, f := range findings {
			matches = append(matches, PolicyFinding{
				Classification: f.ClassificationName,
				PatternID:      f.PatternId,
				Description:    f.PatternDescription,
				Line:           f.LineNumber,
			})
		}
		out = append(out, ItemFinding{Item: i, Source: item.Source, Matches: matches})
	}
	return out
}

// HandleIndexUpsert adds reference material to the knowledge index.
//
// # Description
//
// POST /v1/index/upsert. Every item is scanned first; if any item matches
// a secret, PHI or PII pattern the whole request is refused with 422 and
// nothing is written. Otherwise the items are chunked, embedded in one
// batch and written. The response lists the chunk ids.
func HandleIndexUpsert(deps IndexDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpsertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		ctx := c.Request.Context()

		if refused := scanItems(deps.Policy, req.Items); len(refused) > 0 {
			deps.audit(ctx, c, "index.upsert", "refused", map[string]any{"items_refused": len(refused)})
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":    "items contain sensitive data and were not indexed",
				"findings": refused,
			})
			return
		}

		ids, err := deps.Ingester.Ingest(ctx, req.Items)
		if err != nil {
			slog.Error("Index upsert failed", "items", len(req.Items), "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: "indexing failed"})
			return
		}
		deps.audit(ctx, c, "index.upsert", "success", map[string]any{"items": len(req.Items), "chunks": len(ids)})
		c.JSON(http.StatusOK, datatypes.UpsertResponse{Status: "ok", IDs: ids})
	}
}

// HandleIndexDelete removes chunks by id.
//
// POST /v1/index/delete. Unknown ids are ignored; the response reports how
// many chunks were removed.
func HandleIndexDelete(deps IndexDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.DeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		ctx := c.Request.Context()
		n, err := deps.Writer.Delete(ctx, req.IDs)
		if err != nil {
			slog.Error("Index delete failed", "ids", len(req.IDs), "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: "delete failed"})
			return
		}
		deps.audit(ctx, c, "index.delete", "success", map[string]any{"requested": len(req.IDs), "deleted": n})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "deleted": n})
	}
}

// HandleIndexSearch runs a raw similarity search, for corpus debugging.
//
// POST /v1/index/search. Unlike the answer pipeline, failures are
// returned to the caller.
func HandleIndexSearch(deps IndexDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		k := req.K
		if k == 0 {
			k = DefaultSearchK
		}
		ctx := c.Request.Context()

		vector, err := deps.Embedder.Embed(ctx, req.Query)
		if err != nil {
			slog.Error("Search embedding failed", "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: "embedding failed"})
			return
		}
		hits, err := deps.Index.Search(ctx, vector, k, req.Where)
		if err != nil {
			slog.Error("Index search failed", "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: fmt.Sprintf("search failed: %v", err)})
			return
		}

		resp := datatypes.SearchResponse{Results: make([]datatypes.SearchResult, 0, len(hits))}
		for _, h := range hits {
			resp.Results = append(resp.Results, datatypes.SearchResult{
				ID:       h.Document.ID,
				Text:     h.Document.Text,
				Metadata: h.Document.Metadata,
				Score:    h.Score,
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}
