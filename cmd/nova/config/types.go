// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
)

// NovaConfig is the full configuration for the nova CLI and server.
type NovaConfig struct {
	// Server: HTTP listener settings
	Server ServerConfig `yaml:"server"`

	// Storage: badger data directory
	Storage StorageConfig `yaml:"storage"`

	// Retrieval: vector index and embedding settings
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// LLM: reasoning model settings
	LLM LLMConfig `yaml:"llm"`

	// Agent: session loop policy
	Agent AgentConfig `yaml:"agent"`

	// Quota: tenant tier assignments
	Quota QuotaConfig `yaml:"quota"`

	// Auth: bearer tokens for multi-tenant mode
	Auth AuthConfig `yaml:"auth"`

	// Logging: level and optional file output
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // e.g. :8090
}

type StorageConfig struct {
	// DataDir holds the badger database. Supports ~ expansion.
	DataDir string `yaml:"data_dir"`
}

type RetrievalConfig struct {
	// WeaviateURL points at a Weaviate instance, e.g. http://localhost:8080.
	// Empty runs the in-memory index (single process, no persistence).
	WeaviateURL string `yaml:"weaviate_url"`

	// EmbeddingModel is the OpenAI embedding model. Only used when an API
	// key is configured; otherwise the deterministic hash embedder runs.
	EmbeddingModel string `yaml:"embedding_model"`

	// TopK is the search result count per query.
	TopK int `yaml:"top_k"`
}

type LLMConfig struct {
	// APIKeyEnv names the environment variable holding the OpenAI key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the reasoning model, e.g. gpt-4o-mini.
	Model string `yaml:"model"`
}

type AgentConfig struct {
	MaxIterations    int `yaml:"max_iterations"`
	RepeatThreshold  int `yaml:"repeat_threshold"`
	CostlyToolBudget int `yaml:"costly_tool_budget"`
}

type QuotaConfig struct {
	// DefaultTier applies to tenants absent from Tenants.
	// One of: trial, pro, plus, teams.
	DefaultTier string `yaml:"default_tier"`

	// Tenants maps tenant ID to tier name.
	Tenants map[string]string `yaml:"tenants"`
}

type AuthConfig struct {
	// Tokens maps bearer token to tenant ID. Empty runs single-tenant
	// local mode where every request resolves to LocalTenant.
	Tokens map[string]string `yaml:"tokens"`

	// LocalTenant is the tenant used when Tokens is empty.
	LocalTenant string `yaml:"local_tenant"`
}

type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Dir enables JSON file logging when set.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// DefaultConfig returns the first-run configuration: local single-tenant
// mode with everything on one machine and no external services required.
func DefaultConfig() NovaConfig {
	dataDir := "~/.nova/data"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".nova", "data")
	}
	return NovaConfig{
		Server:  ServerConfig{Addr: ":8090"},
		Storage: StorageConfig{DataDir: dataDir},
		Retrieval: RetrievalConfig{
			EmbeddingModel: "text-embedding-3-small",
			TopK:           5,
		},
		LLM: LLMConfig{
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "gpt-4o-mini",
		},
		Agent: AgentConfig{
			MaxIterations:    5,
			RepeatThreshold:  3,
			CostlyToolBudget: 3,
		},
		Quota: QuotaConfig{DefaultTier: "pro"},
		Auth:  AuthConfig{LocalTenant: "local-tenant"},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
