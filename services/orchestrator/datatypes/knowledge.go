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

import "time"

// DocumentMetadata carries the provenance of one knowledge chunk.
type DocumentMetadata struct {
	Source   string `json:"source,omitempty"`
	Title    string `json:"title,omitempty"`
	Category string `json:"category,omitempty"`
	URL      string `json:"url,omitempty"`
	// Date is the publication or review date. Zero when unknown.
	Date  time.Time `json:"date,omitempty"`
	Chunk int       `json:"chunk"`
}

// KnowledgeDocument is a chunk as stored in the knowledge index, before scoring.
type KnowledgeDocument struct {
	ID       string           `json:"id"`
	Text     string           `json:"text"`
	Metadata DocumentMetadata `json:"metadata"`
}

// ScoredDocument is one raw hit returned by a knowledge index search.
// Higher scores are more relevant.
type ScoredDocument struct {
	Document KnowledgeDocument
	Score    float64
}

// RetrievedDocument is a ranked, deduplicated knowledge chunk supplied to the
// composer. Rank is 1-based and equals the [n] citation marker shown to the
// generator.
type RetrievedDocument struct {
	ID             string           `json:"id"`
	Text           string           `json:"text"`
	Metadata       DocumentMetadata `json:"metadata"`
	RelevanceScore float64          `json:"relevance_score"`
	Rank           int              `json:"rank"`
}

// SearchFilter restricts a knowledge search to documents whose metadata key
// equals value. Only "category" and "source" are indexed for filtering.
type SearchFilter struct {
	Key   string `json:"key" binding:"required,oneof=category source"`
	Value string `json:"value" binding:"required"`
}

// Citation ties a marker in the reply back to a supplied document.
type Citation struct {
	Marker     int     `json:"marker"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Source     string  `json:"source,omitempty"`
	URL        string  `json:"url,omitempty"`
	Score      float64 `json:"score"`
	// Referenced is true when the marker survives in the final reply text.
	Referenced bool `json:"referenced"`
}
