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
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wordSequence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(words, " ")
}

func TestChunkTextEmpty(t *testing.T) {
	assert.Nil(t, ChunkText("", DefaultChunkerConfig()))
	assert.Nil(t, ChunkText("   \n\t  ", DefaultChunkerConfig()))
}

func TestChunkTextSingleWindow(t *testing.T) {
	cfg := ChunkerConfig{WindowWords: 10, OverlapWords: 3}

	chunks := ChunkText(wordSequence(10), cfg)
	require.Len(t, chunks, 1)
	assert.Equal(t, wordSequence(10), chunks[0])
}

func TestChunkTextOverlap(t *testing.T) {
	cfg := ChunkerConfig{WindowWords: 10, OverlapWords: 3}

	chunks := ChunkText(wordSequence(20), cfg)
	require.Len(t, chunks, 2)

	// Consecutive chunks share exactly OverlapWords words.
	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	assert.Equal(t, first[len(first)-cfg.OverlapWords:], second[:cfg.OverlapWords])
}

func TestChunkReassemblyRoundTrip(t *testing.T) {
	cfg := ChunkerConfig{WindowWords: 10, OverlapWords: 3}

	for _, n := range []int{1, 9, 10, 11, 17, 50, 301} {
		t.Run(fmt.Sprintf("words_%d", n), func(t *testing.T) {
			text := wordSequence(n)
			chunks := ChunkText(text, cfg)
			assert.Equal(t, text, ReassembleChunks(chunks, cfg))
		})
	}
}

func TestChunkTextInvalidConfigFallsBack(t *testing.T) {
	// Overlap >= window is invalid; defaults apply instead.
	chunks := ChunkText(wordSequence(100), ChunkerConfig{WindowWords: 5, OverlapWords: 5})
	require.Len(t, chunks, 1)
}
