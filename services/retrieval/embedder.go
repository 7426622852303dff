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
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Embedder turns texts into vectors. The retriever is the only consumer.
//
// Thread Safety: implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns one vector per input text, in order. Failures are
	// transient from the caller's perspective and wrapped in
	// ErrTransientRetrieval by the retriever.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width this embedder produces.
	Dimensions() int
}

// OpenAIEmbedderConfig configures the OpenAI embedding client.
type OpenAIEmbedderConfig struct {
	// Model is the embedding model name. Default: text-embedding-3-small.
	Model string

	// RequestsPerSecond rate-limits embedding calls. Zero disables
	// limiting.
	RequestsPerSecond float64

	// BatchSize caps texts per request. Default: 64.
	BatchSize int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
//
// Thread Safety: OpenAIEmbedder is safe for concurrent use.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	limiter *rate.Limiter
	batch   int
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API.
//
// Inputs:
//
//	client - Configured OpenAI client. Must not be nil.
//	cfg - Embedder configuration.
//
// Outputs:
//
//	*OpenAIEmbedder - The embedder.
//	error - Non-nil if client is nil.
func NewOpenAIEmbedder(client *openai.Client, cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.SmallEmbedding3
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAIEmbedder{
		client:  client,
		model:   model,
		limiter: limiter,
		batch:   batch,
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batch {
		end := start + e.batch
		if end > len(texts) {
			end = len(texts)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: e.model,
			Input: texts[start:end],
		})
		if err != nil {
			slog.Warn("Embedding request failed",
				slog.Int("batch_start", start),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", end-start, len(resp.Data))
		}
		for _, d := range resp.Data {
			out = append(out, d.Embedding)
		}
	}

	return out, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int {
	// text-embedding-3-small width; large models are truncated by the API
	// when a dimensions parameter is set, which we don't use.
	return 1536
}

// HashEmbedder is a deterministic bag-of-words embedder for tests and
// offline mode. Similar texts share hashed token buckets and therefore
// score close under cosine similarity.
//
// Thread Safety: HashEmbedder is stateless and safe for concurrent use.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder with the given vector width.
// Width defaults to 256 when non-positive.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed implements Embedder.
func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, h.dims)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			hash := fnv.New32a()
			hash.Write([]byte(word))
			vec[hash.Sum32()%uint32(h.dims)]++
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}

// normalize scales vec to unit length in place. Zero vectors are left as-is.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
