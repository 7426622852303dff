// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the nova orchestrator.
//
// The tenant middleware extracts a bearer token from the Authorization
// header, resolves it to a tenant through the configured TenantProvider,
// and stores the tenant ID in the Gin context. Handlers never parse
// credentials themselves; they read the resolved tenant and nothing else,
// so there is no code path from an HTTP request to another tenant's data.
//
// The NopTenantProvider (default in local mode) resolves every request to
// a single static tenant, which lets the CLI run without any auth
// infrastructure.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrInvalidToken is returned by providers for unknown or malformed tokens.
var ErrInvalidToken = errors.New("invalid bearer token")

// tenantKey is the Gin context key for the resolved tenant ID.
const tenantKey = "nova_tenant_id"

// TenantProvider resolves a bearer token to a tenant.
//
// Thread Safety: implementations must be safe for concurrent use.
type TenantProvider interface {
	// Resolve returns the tenant ID for a token, or ErrInvalidToken.
	Resolve(ctx context.Context, token string) (string, error)
}

// NopTenantProvider resolves every token, including the empty one, to a
// fixed tenant. Local single-tenant mode only.
type NopTenantProvider struct {
	// TenantID defaults to "local-tenant" when empty.
	TenantID string
}

// Resolve implements TenantProvider.
func (p NopTenantProvider) Resolve(ctx context.Context, token string) (string, error) {
	if p.TenantID == "" {
		return "local-tenant", nil
	}
	return p.TenantID, nil
}

// StaticTenantProvider resolves tokens against a fixed map. Suitable for
// small deployments and tests.
type StaticTenantProvider struct {
	// Tokens maps bearer token to tenant ID.
	Tokens map[string]string
}

// Resolve implements TenantProvider.
func (p StaticTenantProvider) Resolve(ctx context.Context, token string) (string, error) {
	tenant, ok := p.Tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return tenant, nil
}

// SetTenant stores the resolved tenant in the Gin context.
func SetTenant(c *gin.Context, tenantID string) {
	c.Set(tenantKey, tenantID)
}

// GetTenant returns the resolved tenant, empty when unauthenticated.
func GetTenant(c *gin.Context) string {
	tenant, _ := c.Get(tenantKey)
	s, _ := tenant.(string)
	return s
}

// TenantAuth builds the tenant resolution middleware.
//
// Description:
//
//	Extracts "Authorization: Bearer <token>", resolves it through the
//	provider, and aborts with 401 on failure. The resolved tenant is the
//	only identity downstream handlers see.
func TenantAuth(provider TenantProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))

		tenantID, err := provider.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		SetTenant(c, tenantID)
		c.Next()
	}
}

// extractBearer pulls the token out of an Authorization header value.
func extractBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
