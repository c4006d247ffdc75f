// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Weaviate returns map[string]models.JSONObject. This round-trips the data
// through JSON into a struct with matching tags.
//
// # Type Parameters
//
//   - T: Target struct whose json tags mirror the response shape.
//
// # Inputs
//
//   - resp: Response from a GraphQL Get().Do() call.
//
// # Outputs
//
//   - *T: Parsed response.
//   - error: Non-nil if resp is nil, carries GraphQL errors, or fails to decode.
//
// # Limitations
//
//   - Fields missing from the response decode to zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// KnowledgeQueryResponse is the Get response shape for the knowledge class.
type KnowledgeQueryResponse struct {
	Get struct {
		MedicalKnowledge []KnowledgeResult `json:"MedicalKnowledge"`
	} `json:"Get"`
}

// KnowledgeResult is one knowledge hit including its _additional scores.
type KnowledgeResult struct {
	DocID       string  `json:"doc_id"`
	Content     string  `json:"content"`
	Source      string  `json:"source"`
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	URL         string  `json:"url"`
	PublishedAt float64 `json:"published_at"`
	Chunk       int     `json:"chunk"`
	Additional  struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// ToScored converts a hit into the index-neutral form. Certainty in [0,1] is
// the score; when absent, 1-distance is used.
func (r KnowledgeResult) ToScored() ScoredDocument {
	var score float64
	switch {
	case r.Additional.Certainty != nil:
		score = float64(*r.Additional.Certainty)
	case r.Additional.Distance != nil:
		score = 1 - float64(*r.Additional.Distance)
	}
	meta := DocumentMetadata{
		Source:   r.Source,
		Title:    r.Title,
		Category: r.Category,
		URL:      r.URL,
		Chunk:    r.Chunk,
	}
	if r.PublishedAt > 0 {
		meta.Date = time.Unix(int64(r.PublishedAt), 0).UTC()
	}
	id := r.DocID
	if id == "" {
		id = r.Additional.ID
	}
	return ScoredDocument{
		Document: KnowledgeDocument{ID: id, Text: r.Content, Metadata: meta},
		Score:    score,
	}
}

// KnowledgeProperties converts a document into the property map for
// Weaviate's batcher.
func KnowledgeProperties(doc KnowledgeDocument) map[string]interface{} {
	var published float64
	if !doc.Metadata.Date.IsZero() {
		published = float64(doc.Metadata.Date.Unix())
	}
	return map[string]interface{}{
		"doc_id":       doc.ID,
		"content":      doc.Text,
		"source":       doc.Metadata.Source,
		"title":        doc.Metadata.Title,
		"category":     doc.Metadata.Category,
		"url":          doc.Metadata.URL,
		"published_at": published,
		"chunk":        doc.Metadata.Chunk,
	}
}
