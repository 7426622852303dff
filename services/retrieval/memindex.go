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
	"sort"
	"sync"
	"time"

	"github.com/nova-hq/nova/services/workspace"
)

// MemoryIndex is an in-memory VectorIndex using exact cosine similarity.
// Backs tests and local single-node mode.
//
// Thread Safety: MemoryIndex is safe for concurrent use.
type MemoryIndex struct {
	mu sync.RWMutex

	// chunks is keyed by tenant, then source ID. Tenant-first keying is
	// what makes cross-tenant reads structurally impossible.
	chunks map[string]map[string][]DocumentChunk
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		chunks: make(map[string]map[string][]DocumentChunk),
	}
}

// Upsert implements VectorIndex.
func (m *MemoryIndex) Upsert(ctx context.Context, chunks []DocumentChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		tenant := m.chunks[c.TenantID]
		if tenant == nil {
			tenant = make(map[string][]DocumentChunk)
			m.chunks[c.TenantID] = tenant
		}
		tenant[c.SourceID] = append(tenant[c.SourceID], c)
	}
	return nil
}

// DeleteSource implements VectorIndex.
func (m *MemoryIndex) DeleteSource(ctx context.Context, tenantID, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if tenant, ok := m.chunks[tenantID]; ok {
		delete(tenant, sourceID)
	}
	return nil
}

// DeleteTenant implements VectorIndex.
func (m *MemoryIndex) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chunks, tenantID)
	return nil
}

// SourceVersions implements VectorIndex.
func (m *MemoryIndex) SourceVersions(ctx context.Context, tenantID string) (map[string]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := make(map[string]time.Time)
	for sourceID, chunks := range m.chunks[tenantID] {
		if len(chunks) > 0 {
			versions[sourceID] = chunks[0].SourceVersion
		}
	}
	return versions, nil
}

// Search implements VectorIndex.
func (m *MemoryIndex) Search(ctx context.Context, tenantID string, vector []float32, kind workspace.ItemKind, k int) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []ScoredChunk
	for _, chunks := range m.chunks[tenantID] {
		for _, c := range chunks {
			if c.Kind != kind {
				continue
			}
			hits = append(hits, ScoredChunk{
				Chunk: c,
				Score: cosineSimilarity(vector, c.Embedding),
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ChunkCount returns the total chunks stored for a tenant. Test helper.
func (m *MemoryIndex) ChunkCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	for _, chunks := range m.chunks[tenantID] {
		n += len(chunks)
	}
	return n
}
