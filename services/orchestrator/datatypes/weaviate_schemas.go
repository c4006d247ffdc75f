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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// KnowledgeClassName is the Weaviate class holding medical knowledge chunks.
const KnowledgeClassName = "MedicalKnowledge"

// GetKnowledgeSchema returns the class definition for medical knowledge chunks.
//
// # Description
//
// Vectors are supplied by the caller (Vectorizer "none"), so the class is
// agnostic to the embedding provider. doc_id, source and category are
// field-tokenized and filterable so exact-match Where filters work.
//
// # Outputs
//
//   - *models.Class: The schema, ready for ClassCreator.
func GetKnowledgeSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       KnowledgeClassName,
		Description: "A chunk of curated medical reference material.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "doc_id",
				DataType:        []string{"text"},
				Description:     "Stable chunk identifier used for citations.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Publisher or file the chunk came from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "title",
				DataType:    []string{"text"},
				Description: "Human readable document title.",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Topic category, e.g. 'cardiovascular' or 'sleep'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "url",
				DataType:    []string{"text"},
				Description: "Canonical URL of the source.",
			},
			{
				Name:            "published_at",
				DataType:        []string{"number"},
				Description:     "Unix seconds of the publication date. 0 when unknown.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:        "chunk",
				DataType:    []string{"int"},
				Description: "Position of the chunk within its source document.",
			},
		},
	}
}

// EnsureWeaviateSchema creates the knowledge class if it does not exist.
//
// # Description
//
// Unlike a fire-and-forget bootstrap, a failure to create the class is
// returned so startup can abort with a clear error.
//
// # Inputs
//
//   - ctx: Context for the schema calls.
//   - client: Connected Weaviate client.
//
// # Outputs
//
//   - error: Non-nil if the class is missing and cannot be created.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetKnowledgeSchema()
	slog.Info("Checking schema", "class", class.Class)

	if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}

	slog.Info("Schema not found, creating it", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}
