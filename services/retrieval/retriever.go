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
	"math/rand"
	"strings"
	"time"

	"github.com/nova-hq/nova/services/workspace"
)

// RetrieverConfig configures search behaviour.
type RetrieverConfig struct {
	// TopK is the default number of chunks per search.
	TopK int

	// DefaultQuery substitutes empty or whitespace-only queries.
	DefaultQuery string

	// MaxRetries bounds retries of transient search failures.
	MaxRetries int

	// RetryBaseDelay is the initial backoff delay. Doubles per attempt
	// with jitter.
	RetryBaseDelay time.Duration
}

// DefaultRetrieverConfig returns production defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopK:           5,
		DefaultQuery:   "current open tasks, priorities, and recurring routines",
		MaxRetries:     3,
		RetryBaseDelay: 200 * time.Millisecond,
	}
}

// Retriever answers relevance queries against the tenant's index.
//
// Thread Safety: Retriever is safe for concurrent use.
type Retriever struct {
	index    VectorIndex
	embedder Embedder
	config   RetrieverConfig
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
//
// Inputs:
//
//	index - Chunk index. Must not be nil.
//	embedder - Query embedder. Must not be nil.
//	cfg - Search configuration. Zero values fall back to defaults.
//
// Outputs:
//
//	*Retriever - The retriever.
//	error - Non-nil if index or embedder is nil.
func NewRetriever(index VectorIndex, embedder Embedder, cfg RetrieverConfig, logger *slog.Logger) (*Retriever, error) {
	if index == nil {
		return nil, errors.New("index must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	def := DefaultRetrieverConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.DefaultQuery == "" {
		cfg.DefaultQuery = def.DefaultQuery
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		index:    index,
		embedder: embedder,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Search returns the k most relevant chunks of one kind for the tenant.
//
// Description:
//
//	An empty or whitespace-only query is replaced with the configured
//	default query rather than rejected; an agent mid-run always gets
//	context back. Transient embedding and index failures are retried with
//	exponential backoff before surfacing ErrTransientRetrieval.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	tenantID - Tenant scope. Must be non-empty.
//	query - Free-text query. Empty means "use the default".
//	kind - Item kind to search (task or routine).
//	k - Result count. Non-positive uses the configured TopK.
//
// Outputs:
//
//	[]ScoredChunk - Best-first results, each carrying SourceID/ParentID.
//	error - Non-nil on tenant violation or exhausted retries.
func (r *Retriever) Search(ctx context.Context, tenantID, query string, kind workspace.ItemKind, k int) ([]ScoredChunk, error) {
	if tenantID == "" {
		return nil, errors.New("tenantID must not be empty")
	}
	if strings.TrimSpace(query) == "" {
		query = r.config.DefaultQuery
	}
	if k <= 0 {
		k = r.config.TopK
	}

	var hits []ScoredChunk
	err := r.withRetry(ctx, "search", func() error {
		vectors, err := r.embedder.Embed(ctx, []string{query})
		if err != nil {
			return fmt.Errorf("%w: embed query: %v", ErrTransientRetrieval, err)
		}
		hits, err = r.index.Search(ctx, tenantID, vectors[0], kind, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// BuildContext aggregates task and routine searches into one bundle.
//
// Outputs:
//
//	ContextBundle - Tasks and routines relevant to the query, plus the
//	  query actually used after default substitution.
//	error - Non-nil if either search fails after retries.
func (r *Retriever) BuildContext(ctx context.Context, tenantID, query string) (ContextBundle, error) {
	if strings.TrimSpace(query) == "" {
		query = r.config.DefaultQuery
	}

	tasks, err := r.Search(ctx, tenantID, query, workspace.KindTask, r.config.TopK)
	if err != nil {
		return ContextBundle{}, fmt.Errorf("task search: %w", err)
	}
	routines, err := r.Search(ctx, tenantID, query, workspace.KindRoutine, r.config.TopK)
	if err != nil {
		return ContextBundle{}, fmt.Errorf("routine search: %w", err)
	}

	r.logger.Debug("Built context bundle",
		slog.String("tenant_id", tenantID),
		slog.Int("task_chunks", len(tasks)),
		slog.Int("routine_chunks", len(routines)),
	)

	return ContextBundle{
		Query:    query,
		Tasks:    tasks,
		Routines: routines,
		BuiltAt:  time.Now().UTC(),
	}, nil
}

// withRetry runs op with exponential backoff and jitter. Only transient
// failures are retried; anything else returns immediately.
func (r *Retriever) withRetry(ctx context.Context, name string, op func() error) error {
	var lastErr error
	delay := r.config.RetryBaseDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransientRetrieval) {
			return lastErr
		}
		r.logger.Warn("Transient retrieval failure",
			slog.String("op", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}
	return lastErr
}
