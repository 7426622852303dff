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
	"strings"
)

// ChunkerConfig controls word-window chunking.
type ChunkerConfig struct {
	// WindowWords is the maximum number of words per chunk.
	WindowWords int

	// OverlapWords is the number of words shared between consecutive
	// chunks. Must be smaller than WindowWords.
	OverlapWords int
}

// DefaultChunkerConfig returns production defaults (300-word windows with a
// 50-word overlap).
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		WindowWords:  300,
		OverlapWords: 50,
	}
}

// Validate checks the config invariants.
func (c ChunkerConfig) Validate() bool {
	return c.WindowWords > 0 && c.OverlapWords >= 0 && c.OverlapWords < c.WindowWords
}

// ChunkText splits text into overlapping word windows.
//
// Description:
//
//	Splits on whitespace and emits windows of cfg.WindowWords words, each
//	window starting cfg.WindowWords-cfg.OverlapWords words after the
//	previous one. Text at or under the window size is returned as a single
//	chunk. Concatenating chunk i's words beyond the overlap onto chunk 0
//	reconstructs the original word sequence exactly.
//
// Inputs:
//
//	text - The raw text to split.
//	cfg - Window and overlap sizes. Invalid configs fall back to defaults.
//
// Outputs:
//
//	[]string - The chunk texts, in order. Empty input yields nil.
func ChunkText(text string, cfg ChunkerConfig) []string {
	if !cfg.Validate() {
		cfg = DefaultChunkerConfig()
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= cfg.WindowWords {
		return []string{strings.Join(words, " ")}
	}

	step := cfg.WindowWords - cfg.OverlapWords

	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + cfg.WindowWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// ReassembleChunks reverses ChunkText for the same config.
//
// Description:
//
//	Joins chunk 0 with each subsequent chunk's words after the overlap.
//	Only meaningful for chunks produced by ChunkText with the same cfg.
//
// Outputs:
//
//	string - The reconstructed word sequence, space-separated.
func ReassembleChunks(chunks []string, cfg ChunkerConfig) string {
	if !cfg.Validate() {
		cfg = DefaultChunkerConfig()
	}
	if len(chunks) == 0 {
		return ""
	}

	words := strings.Fields(chunks[0])
	for _, chunk := range chunks[1:] {
		cw := strings.Fields(chunk)
		if len(cw) <= cfg.OverlapWords {
			continue
		}
		words = append(words, cw[cfg.OverlapWords:]...)
	}
	return strings.Join(words, " ")
}
