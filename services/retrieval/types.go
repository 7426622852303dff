// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval maintains a per-tenant searchable index of workspace
// documents and answers relevance queries for the decision engine.
//
// The pipeline is: workspace items → word-window chunks → embeddings →
// vector index. Sync is incremental: an item whose last-edited time matches
// the indexed version is skipped entirely, so re-indexing an unchanged
// workspace performs zero index operations.
//
// Two VectorIndex implementations are provided: an in-memory cosine index
// for tests and local mode, and a Weaviate-backed index for deployments.
//
// Thread Safety: all exported types are safe for concurrent use.
package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/nova-hq/nova/services/workspace"
)

// ErrTransientRetrieval marks embedding or index failures that the caller
// may retry with backoff.
var ErrTransientRetrieval = errors.New("transient retrieval failure")

// DocumentChunk is one embedded text window derived from a workspace item.
type DocumentChunk struct {
	// TenantID scopes the chunk. Never crosses tenants.
	TenantID string `json:"tenant_id"`

	// SourceID is the workspace item this chunk was derived from.
	SourceID string `json:"source_id"`

	// ParentID is the containing collection (tasks or routines database).
	ParentID string `json:"parent_id"`

	// Ordinal is the chunk's position within its source item.
	Ordinal int `json:"ordinal"`

	// Kind mirrors the source item kind (task or routine).
	Kind workspace.ItemKind `json:"kind"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Embedding is the chunk's vector representation.
	Embedding []float32 `json:"embedding"`

	// SourceVersion is the source item's last-edited time at indexing.
	// Always matches the item version the text was derived from.
	SourceVersion time.Time `json:"source_version"`
}

// ScoredChunk is a search hit with its similarity score.
type ScoredChunk struct {
	Chunk DocumentChunk `json:"chunk"`
	Score float64       `json:"score"`
}

// SourceVersion pairs a source item with its indexed version timestamp.
type SourceVersion struct {
	SourceID string
	Version  time.Time
}

// VectorIndex stores and searches tenant-scoped chunks.
//
// Every method takes the tenant explicitly; implementations must prefix or
// filter all storage by tenant so cross-tenant reads are structurally
// impossible.
type VectorIndex interface {
	// Upsert inserts chunks. Callers delete the source's old chunks first;
	// Upsert itself does not deduplicate.
	Upsert(ctx context.Context, chunks []DocumentChunk) error

	// DeleteSource removes every chunk for one source item.
	DeleteSource(ctx context.Context, tenantID, sourceID string) error

	// DeleteTenant removes all of a tenant's chunks (account deletion).
	DeleteTenant(ctx context.Context, tenantID string) error

	// SourceVersions returns the indexed version of every source for the
	// tenant, keyed by source ID. Used by sync to skip unchanged items.
	SourceVersions(ctx context.Context, tenantID string) (map[string]time.Time, error)

	// Search returns the k chunks of the given kind nearest to the query
	// vector, scoped strictly to tenantID, best first.
	Search(ctx context.Context, tenantID string, vector []float32, kind workspace.ItemKind, k int) ([]ScoredChunk, error)
}

// ContextBundle is the aggregate handed to the decision engine's perceive
// step.
type ContextBundle struct {
	// Query is the query the bundle was built for (after default
	// substitution).
	Query string `json:"query"`

	// Tasks are the most relevant task chunks.
	Tasks []ScoredChunk `json:"tasks"`

	// Routines are the most relevant routine chunks.
	Routines []ScoredChunk `json:"routines"`

	// BuiltAt is when the bundle was assembled (UTC).
	BuiltAt time.Time `json:"built_at"`
}
