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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.yaml")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "pro", cfg.Quota.DefaultTier)
	assert.Equal(t, "local-tenant", cfg.Auth.LocalTenant)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
}

func TestLoadFromParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.yaml")
	body := `
server:
  addr: ":9000"
quota:
  default_tier: trial
  tenants:
    acme: teams
auth:
  tokens:
    tok-1: acme
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "trial", cfg.Quota.DefaultTier)
	assert.Equal(t, "teams", cfg.Quota.Tenants["acme"])
	assert.Equal(t, "acme", cfg.Auth.Tokens["tok-1"])

	// Unspecified sections keep their defaults.
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOVA_ADDR", ":7777")
	t.Setenv("NOVA_LOG_LEVEL", "debug")
	t.Setenv("NOVA_TENANT", "env-tenant")

	path := filepath.Join(t.TempDir(), "nova.yaml")
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "env-tenant", cfg.Auth.LocalTenant)
}

func TestLoadFromRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}
