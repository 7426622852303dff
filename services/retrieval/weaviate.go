// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nova-hq/nova/services/workspace"
)

// WorkspaceChunkClassName is the Weaviate class holding indexed chunks.
const WorkspaceChunkClassName = "WorkspaceChunk"

// sourceVersionsPageSize bounds the per-tenant version listing. Workspaces
// are capped well below this by upstream plan limits.
const sourceVersionsPageSize = 10000

var tracer = otel.Tracer("nova/retrieval")

// workspaceChunkSchema returns the class definition. Vectorizer is "none";
// vectors are computed by the Embedder and supplied on write.
func workspaceChunkSchema() *models.Class {
	return &models.Class{
		Class:       WorkspaceChunkClassName,
		Description: "Embedded text window derived from a workspace item",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "tenantId", DataType: []string{"text"}},
			{Name: "sourceId", DataType: []string{"text"}},
			{Name: "parentId", DataType: []string{"text"}},
			{Name: "ordinal", DataType: []string{"int"}},
			{Name: "kind", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "sourceVersion", DataType: []string{"text"}},
		},
	}
}

// WeaviateIndex is the production VectorIndex backed by Weaviate.
//
// Every query carries a tenantId equality filter built inside this type, so
// no caller can construct a cross-tenant read.
//
// Thread Safety: WeaviateIndex is safe for concurrent use.
type WeaviateIndex struct {
	client *weaviate.Client
	logger *slog.Logger
}

// NewWeaviateIndex creates the index and ensures the chunk class exists.
//
// Inputs:
//
//	ctx - Context for schema creation.
//	client - Configured Weaviate client. Must not be nil.
//	logger - Logger. Nil uses slog.Default().
//
// Outputs:
//
//	*WeaviateIndex - The index.
//	error - Non-nil if client is nil or schema creation fails.
func NewWeaviateIndex(ctx context.Context, client *weaviate.Client, logger *slog.Logger) (*WeaviateIndex, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	_, err := client.Schema().ClassGetter().WithClassName(WorkspaceChunkClassName).Do(ctx)
	if err != nil {
		if err := client.Schema().ClassCreator().WithClass(workspaceChunkSchema()).Do(ctx); err != nil {
			return nil, fmt.Errorf("creating %s schema: %w", WorkspaceChunkClassName, err)
		}
		logger.Info("Created chunk schema", slog.String("class", WorkspaceChunkClassName))
	}

	return &WeaviateIndex{client: client, logger: logger}, nil
}

// Upsert implements VectorIndex.
func (w *WeaviateIndex) Upsert(ctx context.Context, chunks []DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "weaviate.upsert")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		objects[i] = &models.Object{
			Class:  WorkspaceChunkClassName,
			Vector: c.Embedding,
			Properties: map[string]interface{}{
				"tenantId":      c.TenantID,
				"sourceId":      c.SourceID,
				"parentId":      c.ParentID,
				"ordinal":       c.Ordinal,
				"kind":          string(c.Kind),
				"content":       c.Text,
				"sourceVersion": c.SourceVersion.UTC().Format(time.RFC3339Nano),
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: batch import: %v", ErrTransientRetrieval, err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			span.SetStatus(codes.Error, "partial batch failure")
			return fmt.Errorf("%w: batch item: %s", ErrTransientRetrieval, item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteSource implements VectorIndex.
func (w *WeaviateIndex) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	ctx, span := tracer.Start(ctx, "weaviate.delete_source")
	defer span.End()

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			tenantFilter(tenantID),
			filters.Where().
				WithPath([]string{"sourceId"}).
				WithOperator(filters.Equal).
				WithValueString(sourceID),
		})

	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(WorkspaceChunkClassName).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: delete source %s: %v", ErrTransientRetrieval, sourceID, err)
	}
	return nil
}

// DeleteTenant implements VectorIndex.
func (w *WeaviateIndex) DeleteTenant(ctx context.Context, tenantID string) error {
	ctx, span := tracer.Start(ctx, "weaviate.delete_tenant")
	defer span.End()

	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(WorkspaceChunkClassName).
		WithWhere(tenantFilter(tenantID)).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: delete tenant: %v", ErrTransientRetrieval, err)
	}
	w.logger.Info("Deleted tenant chunks", slog.String("tenant_id", tenantID))
	return nil
}

// SourceVersions implements VectorIndex.
func (w *WeaviateIndex) SourceVersions(ctx context.Context, tenantID string) (map[string]time.Time, error) {
	ctx, span := tracer.Start(ctx, "weaviate.source_versions")
	defer span.End()

	result, err := w.client.GraphQL().Get().
		WithClassName(WorkspaceChunkClassName).
		WithFields(
			graphql.Field{Name: "sourceId"},
			graphql.Field{Name: "sourceVersion"},
		).
		WithWhere(tenantFilter(tenantID)).
		WithLimit(sourceVersionsPageSize).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: list versions: %v", ErrTransientRetrieval, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: list versions: %s", ErrTransientRetrieval, result.Errors[0].Message)
	}

	versions := make(map[string]time.Time)
	for _, obj := range classObjects(result, WorkspaceChunkClassName) {
		sourceID, _ := obj["sourceId"].(string)
		raw, _ := obj["sourceVersion"].(string)
		if sourceID == "" || raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			w.logger.Warn("Skipping chunk with bad version timestamp",
				slog.String("source_id", sourceID),
				slog.String("source_version", raw),
			)
			continue
		}
		versions[sourceID] = ts
	}
	return versions, nil
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, tenantID string, vector []float32, kind workspace.ItemKind, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "weaviate.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", string(kind)),
		attribute.Int("k", k),
	)

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			tenantFilter(tenantID),
			filters.Where().
				WithPath([]string{"kind"}).
				WithOperator(filters.Equal).
				WithValueString(string(kind)),
		})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := w.client.GraphQL().Get().
		WithClassName(WorkspaceChunkClassName).
		WithFields(
			graphql.Field{Name: "sourceId"},
			graphql.Field{Name: "parentId"},
			graphql.Field{Name: "ordinal"},
			graphql.Field{Name: "kind"},
			graphql.Field{Name: "content"},
			graphql.Field{Name: "sourceVersion"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: search: %v", ErrTransientRetrieval, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("%w: search: %s", ErrTransientRetrieval, result.Errors[0].Message)
	}

	var hits []ScoredChunk
	for _, obj := range classObjects(result, WorkspaceChunkClassName) {
		chunk := DocumentChunk{
			TenantID: tenantID,
			Kind:     kind,
		}
		chunk.SourceID, _ = obj["sourceId"].(string)
		chunk.ParentID, _ = obj["parentId"].(string)
		chunk.Text, _ = obj["content"].(string)
		if ord, ok := obj["ordinal"].(float64); ok {
			chunk.Ordinal = int(ord)
		}
		if raw, ok := obj["sourceVersion"].(string); ok {
			chunk.SourceVersion, _ = time.Parse(time.RFC3339Nano, raw)
		}

		var score float64
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				score = certainty
			}
		}
		hits = append(hits, ScoredChunk{Chunk: chunk, Score: score})
	}
	return hits, nil
}

// tenantFilter builds the mandatory tenant equality clause.
func tenantFilter(tenantID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"tenantId"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)
}

// classObjects extracts the property maps for one class from a GraphQL Get
// response.
func classObjects(result *models.GraphQLResponse, className string) []map[string]interface{} {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[className].([]interface{})
	if !ok {
		return nil
	}
	objects := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if obj, ok := item.(map[string]interface{}); ok {
			objects = append(objects, obj)
		}
	}
	return objects
}
