// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator exposes the agent over HTTP.
//
// Routes:
//
//	POST /v1/agent/run  - run (or resume) a session for the caller's tenant
//	POST /v1/sync       - incremental workspace-to-index sync
//	GET  /v1/usage      - current-period quota ledger
//	GET  /healthz       - liveness
//	GET  /metrics       - prometheus metrics
//
// Every /v1 route runs behind the tenant middleware; handlers take the
// tenant from the request context and nowhere else.
package orchestrator

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nova-hq/nova/services/agent"
	"github.com/nova-hq/nova/services/checkpoint"
	"github.com/nova-hq/nova/services/orchestrator/middleware"
	"github.com/nova-hq/nova/services/quota"
	"github.com/nova-hq/nova/services/retrieval"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nova_http_request_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Server wires the agent services into a gin router.
//
// Thread Safety: Server is safe for concurrent use once built.
type Server struct {
	engine  *agent.Engine
	indexer *retrieval.Indexer
	gate    *quota.Gate
	router  *gin.Engine
	logger  *slog.Logger
}

// NewServer builds the router.
//
// Inputs:
//
//	engine - Session engine. Must not be nil.
//	indexer - Workspace sync. Must not be nil.
//	gate - Quota gate for the usage endpoint. Must not be nil.
//	provider - Tenant resolution. Nil uses NopTenantProvider.
//
// Outputs:
//
//	*Server - The server.
//	error - Non-nil if a required collaborator is nil.
func NewServer(engine *agent.Engine, indexer *retrieval.Indexer, gate *quota.Gate, provider middleware.TenantProvider, logger *slog.Logger) (*Server, error) {
	if engine == nil || indexer == nil || gate == nil {
		return nil, errors.New("engine, indexer, and gate must be non-nil")
	}
	if provider == nil {
		provider = middleware.NopTenantProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:  engine,
		indexer: indexer,
		gate:    gate,
		logger:  logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.TenantAuth(provider))
	{
		v1.POST("/agent/run", s.handleRun)
		v1.POST("/sync", s.handleSync)
		v1.GET("/usage", s.handleUsage)
	}

	s.router = router
	return s, nil
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("Orchestrator listening", slog.String("addr", addr))
	return s.router.Run(addr)
}

// observe records per-route prometheus metrics.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, http.StatusText(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runRequest is the POST /v1/agent/run body. The tenant comes from the
// middleware, never the body.
type runRequest struct {
	Goal      string `json:"goal" binding:"required_without=Resume"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	Resume    bool   `json:"resume"`
}

func (s *Server) handleRun(c *gin.Context) {
	tenantID := middleware.GetTenant(c)

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.engine.Run(c.Request.Context(), agent.RunRequest{
		TenantID:  tenantID,
		SessionID: req.SessionID,
		Goal:      req.Goal,
		Query:     req.Query,
		Resume:    req.Resume,
	})
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota exceeded for current period"})
		return
	case errors.Is(err, agent.ErrNoCheckpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": "session has no checkpoint to resume"})
		return
	case errors.Is(err, checkpoint.ErrCorruptSnapshot):
		c.JSON(http.StatusConflict, gin.H{"error": "session cannot be resumed"})
		return
	case err != nil:
		s.logger.Error("Agent run failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent run failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSync(c *gin.Context) {
	tenantID := middleware.GetTenant(c)

	stats, err := s.indexer.Sync(c.Request.Context(), tenantID)
	if err != nil {
		s.logger.Error("Workspace sync failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "workspace sync failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleUsage(c *gin.Context) {
	tenantID := middleware.GetTenant(c)

	ledger, err := s.gate.CurrentUsage(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}
	c.JSON(http.StatusOK, ledger)
}
