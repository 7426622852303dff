// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/nova-hq/nova/cmd/nova/config"
	"github.com/nova-hq/nova/pkg/logging"
	"github.com/nova-hq/nova/pkg/storage/badgerdb"
	"github.com/nova-hq/nova/services/agent"
	"github.com/nova-hq/nova/services/checkpoint"
	"github.com/nova-hq/nova/services/llm"
	"github.com/nova-hq/nova/services/notify"
	"github.com/nova-hq/nova/services/orchestrator"
	"github.com/nova-hq/nova/services/orchestrator/middleware"
	"github.com/nova-hq/nova/services/quota"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
	"github.com/nova-hq/nova/services/workspace"
)

// hashEmbedderDims is the vector width used when no embedding API key is
// configured.
const hashEmbedderDims = 256

// stack holds every wired component for one nova process. The workspace
// connector is per-process: each deployment talks to one workspace, while
// index, quota, and checkpoint data stay tenant-keyed.
type stack struct {
	cfg    config.NovaConfig
	logger *logging.Logger

	db     *badger.DB
	stopGC func()

	workspace workspace.Client
	sender    notify.Sender
	embedder  retrieval.Embedder
	index     retrieval.VectorIndex
	retriever *retrieval.Retriever
	indexer   *retrieval.Indexer

	gate        *quota.Gate
	checkpoints checkpoint.Store

	openaiClient *openai.Client

	engine *agent.Engine
	server *orchestrator.Server

	mu          sync.Mutex
	dispatchers map[string]*tools.Dispatcher
}

// openStack wires storage, retrieval, and quota. The engine and server are
// built on demand because they need an LLM API key.
func openStack(ctx context.Context, cfg config.NovaConfig) (*stack, error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		JSON:    cfg.Logging.JSON,
		Service: "nova",
	})
	logger.SetGlobal()
	sl := logger.Slog()

	bcfg := badgerdb.DefaultConfig()
	bcfg.Path = filepath.Join(cfg.Storage.DataDir, "badger")
	bcfg.Logger = sl
	db, err := badgerdb.Open(bcfg)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", bcfg.Path, err)
	}

	s := &stack{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		stopGC:      badgerdb.RunGC(db, bcfg, sl),
		workspace:   workspace.NewFakeClient(),
		sender:      notify.NewLogSender(sl),
		dispatchers: make(map[string]*tools.Dispatcher),
	}

	if key := os.Getenv(cfg.LLM.APIKeyEnv); key != "" {
		s.openaiClient = openai.NewClient(key)
	}

	if s.openaiClient != nil {
		s.embedder, err = retrieval.NewOpenAIEmbedder(s.openaiClient, retrieval.OpenAIEmbedderConfig{
			Model: cfg.Retrieval.EmbeddingModel,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("embedder: %w", err)
		}
	} else {
		sl.Warn("No LLM API key configured; using deterministic local embeddings")
		s.embedder = retrieval.NewHashEmbedder(hashEmbedderDims)
	}

	s.index, err = buildIndex(ctx, cfg, sl)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.retriever, err = retrieval.NewRetriever(s.index, s.embedder, retrieval.RetrieverConfig{
		TopK: cfg.Retrieval.TopK,
	}, sl)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("retriever: %w", err)
	}

	s.indexer, err = retrieval.NewIndexer(s.workspace, s.index, s.embedder, retrieval.IndexerConfig{}, sl)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("indexer: %w", err)
	}

	quotaStore, err := quota.NewBadgerStore(db)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("quota store: %w", err)
	}
	s.gate, err = quota.NewGate(quotaStore, nil, tierResolver(cfg.Quota))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("quota gate: %w", err)
	}

	s.checkpoints, err = checkpoint.NewBadgerStore(db)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	return s, nil
}

// buildIndex connects to Weaviate when configured, otherwise runs the
// in-process index (single node, lost on restart).
func buildIndex(ctx context.Context, cfg config.NovaConfig, sl *slog.Logger) (retrieval.VectorIndex, error) {
	raw := cfg.Retrieval.WeaviateURL
	if raw == "" {
		sl.Info("No Weaviate configured; using in-memory vector index")
		return retrieval.NewMemoryIndex(), nil
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate_url %q", raw)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return retrieval.NewWeaviateIndex(ctx, client, sl)
}

// buildEngine wires the session engine. Requires an LLM API key.
func (s *stack) buildEngine() error {
	if s.engine != nil {
		return nil
	}
	if s.openaiClient == nil {
		return fmt.Errorf("no LLM API key found in $%s; the agent cannot reason without one", s.cfg.LLM.APIKeyEnv)
	}

	oracle, err := llm.NewOpenAIOracle(s.openaiClient, s.cfg.LLM.Model, s.logger.Slog())
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}

	policy := agent.Policy{
		MaxIterations:    s.cfg.Agent.MaxIterations,
		RepeatThreshold:  s.cfg.Agent.RepeatThreshold,
		CostlyToolBudget: s.cfg.Agent.CostlyToolBudget,
	}
	s.engine, err = agent.NewEngine(
		s.retriever, oracle, s.dispatcherFor, s.gate, s.checkpoints, policy, s.logger.Slog(),
	)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// buildServer wires the HTTP orchestrator on top of the engine.
func (s *stack) buildServer() error {
	if err := s.buildEngine(); err != nil {
		return err
	}

	var provider middleware.TenantProvider
	if len(s.cfg.Auth.Tokens) > 0 {
		provider = middleware.StaticTenantProvider{Tokens: s.cfg.Auth.Tokens}
	} else {
		provider = middleware.NopTenantProvider{TenantID: s.cfg.Auth.LocalTenant}
	}

	server, err := orchestrator.NewServer(s.engine, s.indexer, s.gate, provider, s.logger.Slog())
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.server = server
	return nil
}

// dispatcherFor lazily builds the tool dispatcher bound to a tenant. All
// tenants share the process's workspace connector; the retrieval binding is
// what keeps search results tenant-scoped.
func (s *stack) dispatcherFor(tenantID string) (*tools.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.dispatchers[tenantID]; ok {
		return d, nil
	}
	hs := tools.HandlerSet{
		TenantID:  tenantID,
		Workspace: s.workspace,
		Retriever: s.retriever,
		Sender:    s.sender,
	}
	d, err := tools.NewDispatcher(hs.Handlers(), tools.DispatcherConfig{}, s.logger.Slog())
	if err != nil {
		return nil, err
	}
	s.dispatchers[tenantID] = d
	return d, nil
}

// Close releases storage and log handles.
func (s *stack) Close() {
	if s.stopGC != nil {
		s.stopGC()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close badger", "error", err)
		}
	}
	_ = s.logger.Close()
}

// tierResolver maps configured tier names onto quota tiers. Unknown names
// fall back to the default tier.
func tierResolver(cfg config.QuotaConfig) quota.TierResolver {
	fallback := parseTier(cfg.DefaultTier)
	tiers := make(map[string]quota.Tier, len(cfg.Tenants))
	for tenant, name := range cfg.Tenants {
		tiers[tenant] = parseTier(name)
	}
	return quota.StaticTiers(tiers, fallback)
}

func parseTier(name string) quota.Tier {
	switch quota.Tier(name) {
	case quota.TierTrial, quota.TierPro, quota.TierPlus, quota.TierTeams:
		return quota.Tier(name)
	default:
		return quota.TierPro
	}
}
