// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.knowledge")

// objectNamespace derives Weaviate object UUIDs from document ids, so an
// upsert of the same id replaces the previous object.
var objectNamespace = uuid.MustParse("6f1c2a9e-4b7d-5e38-9a01-3c5d7e9f1b24")

// ObjectID returns the Weaviate UUID for a document id.
func ObjectID(docID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(docID)).String())
}

// WeaviateIndex implements Index and Writer on the MedicalKnowledge class.
//
// # Description
//
// Search runs a nearVector GraphQL query and scores hits by certainty.
// Upsert uses the objects batcher with deterministic UUIDs. Delete runs a
// batch delete with an OR of doc_id filters.
//
// # Assumptions
//
//   - EnsureWeaviateSchema has run, so the class exists with Vectorizer "none".
type WeaviateIndex struct {
	client *weaviate.Client
	dim    int
}

// NewWeaviateIndex wraps a connected client. dimension is the embedder's.
func NewWeaviateIndex(client *weaviate.Client, dimension int) (*WeaviateIndex, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is nil")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive, got %d", dimension)
	}
	return &WeaviateIndex{client: client, dim: dimension}, nil
}

// Dimension implements Index.
func (w *WeaviateIndex) Dimension() int {
	return w.dim
}

// Ping reports whether Weaviate is ready.
func (w *WeaviateIndex) Ping(ctx context.Context) error {
	ready, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate ready check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}

func knowledgeFields() []graphql.Field {
	return []graphql.Field{
		{Name: "doc_id"},
		{Name: "content"},
		{Name: "source"},
		{Name: "title"},
		{Name: "category"},
		{Name: "url"},
		{Name: "published_at"},
		{Name: "chunk"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}
}

// Search implements Index.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, k int, filter *datatypes.SearchFilter) ([]datatypes.ScoredDocument, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("search.k", k))

	if err := checkVector(vector, w.dim); err != nil {
		return nil, err
	}
	if err := checkFilter(filter); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []datatypes.ScoredDocument{}, nil
	}

	query := w.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeClassName).
		WithFields(knowledgeFields()...).
		WithNearVector(w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)).
		WithLimit(k)
	if filter != nil {
		span.SetAttributes(attribute.String("search.filter", filter.Key))
		query = query.WithWhere(filters.Where().
			WithPath([]string{filter.Key}).
			WithOperator(filters.Equal).
			WithValueString(filter.Value))
	}

	resp, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate search failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	hits := parsed.Get.MedicalKnowledge
	out := make([]datatypes.ScoredDocument, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ToScored())
	}
	span.SetAttributes(attribute.Int("search.hits", len(out)))
	return out, nil
}

// Upsert implements Writer.
func (w *WeaviateIndex) Upsert(ctx context.Context, docs []datatypes.KnowledgeDocument, vectors [][]float32) error {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("upsert.count", len(docs)))

	if err := checkUpsert(docs, vectors, w.dim); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	objects := make([]*models.Object, len(docs))
	for i, d := range docs {
		objects[i] = &models.Object{
			Class:      datatypes.KnowledgeClassName,
			ID:         ObjectID(d.ID),
			Vector:     vectors[i],
			Properties: datatypes.KnowledgeProperties(d),
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}
	failed := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			failed++
			for _, e := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "id", item.ID, "error", e.Message)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("weaviate rejected %d of %d objects", failed, len(objects))
	}
	return nil
}

// Delete implements Writer.
func (w *WeaviateIndex) Delete(ctx context.Context, ids []string) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateIndex.Delete")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(ids))
	for _, id := range ids {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_id"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}
	where := operands[0]
	if len(operands) > 1 {
		where = filters.Where().WithOperator(filters.Or).WithOperands(operands)
	}

	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.KnowledgeClassName).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to delete objects from Weaviate: %w", err)
	}
	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}
	span.SetAttributes(attribute.Int("delete.count", deleted))
	return deleted, nil
}
