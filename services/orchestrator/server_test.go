// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-hq/nova/services/agent"
	"github.com/nova-hq/nova/services/checkpoint"
	"github.com/nova-hq/nova/services/llm"
	"github.com/nova-hq/nova/services/notify"
	"github.com/nova-hq/nova/services/orchestrator/middleware"
	"github.com/nova-hq/nova/services/quota"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
	"github.com/nova-hq/nova/services/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	server *Server
	client *workspace.FakeClient
	gate   *quota.Gate
}

func newServerFixture(t *testing.T, oracle llm.Oracle, provider middleware.TenantProvider) *serverFixture {
	t.Helper()

	client := workspace.NewFakeClient()
	sender := notify.NewFakeSender()
	index := retrieval.NewMemoryIndex()
	embedder := retrieval.NewHashEmbedder(32)

	retriever, err := retrieval.NewRetriever(index, embedder, retrieval.RetrieverConfig{
		MaxRetries: 1, RetryBaseDelay: time.Millisecond,
	}, nil)
	require.NoError(t, err)

	indexer, err := retrieval.NewIndexer(client, index, embedder, retrieval.IndexerConfig{}, nil)
	require.NoError(t, err)

	hs := tools.HandlerSet{TenantID: "tenant-a", Workspace: client, Retriever: retriever, Sender: sender}
	dispatcher, err := tools.NewDispatcher(hs.Handlers(), tools.DispatcherConfig{
		Timeout: time.Second, RetryBaseDelay: time.Millisecond,
	}, nil)
	require.NoError(t, err)

	gate, err := quota.NewGate(quota.NewMemoryStore(), nil, quota.StaticTiers(nil, quota.TierPro))
	require.NoError(t, err)

	engine, err := agent.NewEngine(retriever, oracle, tools.StaticResolver(dispatcher), gate, checkpoint.NewMemoryStore(), agent.DefaultPolicy(), nil)
	require.NoError(t, err)

	server, err := NewServer(engine, indexer, gate, provider, nil)
	require.NoError(t, err)

	return &serverFixture{server: server, client: client, gate: gate}
}

func endOracle() *llm.ScriptedOracle {
	return llm.NewScriptedOracle(llm.ScriptStep{Decision: llm.Decision{End: true, Reason: "done"}})
}

func doJSON(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture(t, endOracle(), nil)
	w := doJSON(t, fx.server.Handler(), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunEndpoint(t *testing.T) {
	fx := newServerFixture(t, endOracle(), middleware.StaticTenantProvider{
		Tokens: map[string]string{"tok-a": "tenant-a"},
	})

	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "tok-a",
		`{"goal":"wrap up the day"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result agent.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, agent.StateEnded, result.State)
	assert.Equal(t, agent.ReasonCompleted, result.EndReason)
	assert.NotEmpty(t, result.SessionID)
}

func TestRunRequiresAuth(t *testing.T) {
	fx := newServerFixture(t, endOracle(), middleware.StaticTenantProvider{
		Tokens: map[string]string{"tok-a": "tenant-a"},
	})

	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "wrong-token",
		`{"goal":"anything"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "",
		`{"goal":"anything"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRunRejectsMissingGoal(t *testing.T) {
	fx := newServerFixture(t, endOracle(), nil)
	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "any", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunResumeUnknownSessionIs404(t *testing.T) {
	fx := newServerFixture(t, endOracle(), nil)
	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "any",
		`{"resume":true,"session_id":"no-such-session"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunQuotaExceededIs429(t *testing.T) {
	fx := newServerFixture(t, endOracle(), middleware.NopTenantProvider{TenantID: "tenant-a"})
	_, err := fx.gate.Record(context.Background(), "tenant-a", quota.Usage{Requests: 1000})
	require.NoError(t, err)

	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/agent/run", "any",
		`{"goal":"over budget"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSyncEndpoint(t *testing.T) {
	fx := newServerFixture(t, endOracle(), middleware.NopTenantProvider{TenantID: "tenant-a"})
	fx.client.Seed(workspace.Item{
		ID: "t1", Kind: workspace.KindTask, Title: "Review budget", LastEditedAt: time.Now().UTC(),
	})

	w := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/sync", "any", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var stats retrieval.SyncStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Indexed)
}

func TestUsageEndpoint(t *testing.T) {
	fx := newServerFixture(t, endOracle(), middleware.NopTenantProvider{TenantID: "tenant-a"})
	_, err := fx.gate.Record(context.Background(), "tenant-a", quota.Usage{Requests: 3, Tokens: 99})
	require.NoError(t, err)

	w := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/usage", "any", "")
	require.Equal(t, http.StatusOK, w.Code)

	var ledger quota.Ledger
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ledger))
	assert.Equal(t, int64(3), ledger.RequestsUsed)
	assert.Equal(t, int64(99), ledger.TokensUsed)
	assert.Equal(t, "tenant-a", ledger.TenantID)
}

func TestMetricsEndpointExposed(t *testing.T) {
	fx := newServerFixture(t, endOracle(), nil)
	w := doJSON(t, fx.server.Handler(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
