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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nova-hq/nova/services/workspace"
)

// IndexerConfig configures incremental sync.
type IndexerConfig struct {
	// Chunker controls word-window splitting.
	Chunker ChunkerConfig

	// EmbedConcurrency bounds concurrent embedding batches. Default: 4.
	EmbedConcurrency int
}

// DefaultIndexerConfig returns production defaults.
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		Chunker:          DefaultChunkerConfig(),
		EmbedConcurrency: 4,
	}
}

// SyncStats summarizes one sync pass.
type SyncStats struct {
	// Indexed counts items re-chunked and re-embedded.
	Indexed int `json:"indexed"`

	// Skipped counts items whose indexed version already matched.
	Skipped int `json:"skipped"`

	// Purged counts indexed sources no longer present upstream.
	Purged int `json:"purged"`

	// Malformed counts items dropped with a warning.
	Malformed int `json:"malformed"`
}

// Indexer performs incremental workspace-to-index synchronization.
//
// Thread Safety: Indexer is safe for concurrent use; concurrent syncs of
// the same tenant serialize on the index's own guarantees.
type Indexer struct {
	client   workspace.Client
	index    VectorIndex
	embedder Embedder
	config   IndexerConfig
	logger   *slog.Logger
}

// NewIndexer creates an Indexer.
//
// Inputs:
//
//	client - Workspace source of truth. Must not be nil.
//	index - Target chunk index. Must not be nil.
//	embedder - Chunk embedder. Must not be nil.
//	cfg - Sync configuration. Zero values fall back to defaults.
//
// Outputs:
//
//	*Indexer - The indexer.
//	error - Non-nil if a dependency is nil.
func NewIndexer(client workspace.Client, index VectorIndex, embedder Embedder, cfg IndexerConfig, logger *slog.Logger) (*Indexer, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if index == nil {
		return nil, errors.New("index must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if !cfg.Chunker.Validate() {
		cfg.Chunker = DefaultChunkerConfig()
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = DefaultIndexerConfig().EmbedConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		client:   client,
		index:    index,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Sync brings the tenant's index in line with the workspace.
//
// Description:
//
//	Lists tasks and routines, compares each item's last-edited time with
//	the indexed version, and re-indexes only what changed. For a changed
//	item the old chunks are deleted before the new ones are inserted, so
//	an item is never double-indexed. Sources that disappeared upstream
//	are purged. Re-running Sync on an unchanged workspace performs zero
//	index writes.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	tenantID - Tenant scope. Must be non-empty.
//
// Outputs:
//
//	SyncStats - Counts of indexed, skipped, purged, and malformed items.
//	error - Non-nil if listing, embedding, or index writes fail.
func (ix *Indexer) Sync(ctx context.Context, tenantID string) (SyncStats, error) {
	if tenantID == "" {
		return SyncStats{}, errors.New("tenantID must not be empty")
	}
	start := time.Now()

	tasks, err := ix.client.ListTasks(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("list tasks: %w", err)
	}
	routines, err := ix.client.ListRoutines(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("list routines: %w", err)
	}
	items := append(tasks, routines...)

	indexed, err := ix.index.SourceVersions(ctx, tenantID)
	if err != nil {
		return SyncStats{}, fmt.Errorf("list indexed versions: %w", err)
	}

	var (
		mu    sync.Mutex
		stats SyncStats
	)
	seen := make(map[string]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.EmbedConcurrency)

	for _, item := range items {
		if item.ID == "" || item.LastEditedAt.IsZero() {
			ix.logger.Warn("Skipping malformed workspace item",
				slog.String("tenant_id", tenantID),
				slog.String("item_id", item.ID),
				slog.String("title", item.Title),
			)
			stats.Malformed++
			continue
		}
		seen[item.ID] = true

		if version, ok := indexed[item.ID]; ok && version.Equal(item.LastEditedAt) {
			stats.Skipped++
			continue
		}

		item := item
		g.Go(func() error {
			if err := ix.reindexItem(gctx, tenantID, item); err != nil {
				return err
			}
			mu.Lock()
			stats.Indexed++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Purge sources deleted upstream.
	for sourceID := range indexed {
		if seen[sourceID] {
			continue
		}
		if err := ix.index.DeleteSource(ctx, tenantID, sourceID); err != nil {
			return stats, fmt.Errorf("purge source %s: %w", sourceID, err)
		}
		stats.Purged++
	}

	ix.logger.Info("Workspace sync complete",
		slog.String("tenant_id", tenantID),
		slog.Int("indexed", stats.Indexed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("purged", stats.Purged),
		slog.Int("malformed", stats.Malformed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

// reindexItem replaces a single source's chunks: delete, re-chunk, re-embed,
// insert with the item's current timestamp.
func (ix *Indexer) reindexItem(ctx context.Context, tenantID string, item workspace.Item) error {
	texts := ChunkText(itemText(item), ix.config.Chunker)
	if len(texts) == 0 {
		// Item exists but carries no indexable text. Still drop stale
		// chunks from a previous, non-empty version.
		return ix.index.DeleteSource(ctx, tenantID, item.ID)
	}

	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embed item %s: %v", ErrTransientRetrieval, item.ID, err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch for item %s: want %d, got %d", item.ID, len(texts), len(vectors))
	}

	if err := ix.index.DeleteSource(ctx, tenantID, item.ID); err != nil {
		return fmt.Errorf("delete stale chunks for %s: %w", item.ID, err)
	}

	chunks := make([]DocumentChunk, len(texts))
	for i, text := range texts {
		chunks[i] = DocumentChunk{
			TenantID:      tenantID,
			SourceID:      item.ID,
			ParentID:      item.Parent,
			Ordinal:       i,
			Kind:          item.Kind,
			Text:          text,
			Embedding:     vectors[i],
			SourceVersion: item.LastEditedAt,
		}
	}
	return ix.index.Upsert(ctx, chunks)
}

// itemText flattens an item into the text that gets chunked: title, body,
// then fields in stable order.
func itemText(item workspace.Item) string {
	var b strings.Builder
	b.WriteString(item.Title)
	if item.Body != "" {
		b.WriteString("\n")
		b.WriteString(item.Body)
	}
	for _, key := range workspace.SortedFieldKeys(item.Fields) {
		b.WriteString("\n")
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(item.Fields[key])
	}
	return b.String()
}
