// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quota enforces per-tenant usage limits over monthly periods.
//
// Every tenant has a subscription tier that maps to request and token
// limits. Usage accrues in a ledger keyed by tenant and period (YYYY-MM,
// UTC); at month rollover a fresh ledger starts and the previous one stays
// in the store untouched as history.
//
// Admission is checked before any work is performed on the tenant's behalf,
// so a rejected run costs nothing beyond the check itself.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is returned by Admit when a tenant has exhausted its
// request or token allowance for the current period.
var ErrQuotaExceeded = errors.New("quota exceeded for current period")

// Tier is a subscription level.
type Tier string

const (
	TierTrial Tier = "trial"
	TierPro   Tier = "pro"
	TierPlus  Tier = "plus"
	TierTeams Tier = "teams"
)

// Limits are the per-period allowances of a tier.
type Limits struct {
	// Requests is the maximum agent requests per period.
	Requests int64 `json:"requests"`

	// Tokens is the maximum LLM tokens per period.
	Tokens int64 `json:"tokens"`
}

// DefaultTierLimits returns the stock tier table.
func DefaultTierLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierTrial: {Requests: 120, Tokens: 50_000},
		TierPro:   {Requests: 1_000, Tokens: 1_000_000},
		TierPlus:  {Requests: 2_500, Tokens: 2_500_000},
		TierTeams: {Requests: 5_000, Tokens: 5_000_000},
	}
}

// Usage is a consumption delta reported after work completes.
type Usage struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// Ledger is a tenant's accrued usage for one period.
type Ledger struct {
	TenantID      string    `json:"tenant_id"`
	Period        string    `json:"period"`
	RequestsUsed  int64     `json:"requests_used"`
	TokensUsed    int64     `json:"tokens_used"`
	RequestsLimit int64     `json:"requests_limit"`
	TokensLimit   int64     `json:"tokens_limit"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Exhausted reports whether either allowance is used up.
func (l Ledger) Exhausted() bool {
	return l.RequestsUsed >= l.RequestsLimit || l.TokensUsed >= l.TokensLimit
}

// PeriodKey returns the monthly period key (YYYY-MM, UTC) for t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Store persists ledgers. Keys are tenant-then-period; a period's ledger is
// never deleted, so prior months remain as archived history.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Load returns the ledger for a tenant and period. found=false means
	// no usage has been recorded yet this period.
	Load(ctx context.Context, tenantID, period string) (ledger Ledger, found bool, err error)

	// Increment atomically adds delta to the tenant-period ledger,
	// creating it with the given limits if absent, and returns the
	// updated ledger. The read-modify-write must be atomic under
	// concurrent calls for the same tenant.
	Increment(ctx context.Context, tenantID, period string, delta Usage, limits Limits) (Ledger, error)

	// History returns all archived ledgers for a tenant, oldest first.
	History(ctx context.Context, tenantID string) ([]Ledger, error)
}

// TierResolver maps a tenant to its subscription tier.
type TierResolver func(tenantID string) Tier

// StaticTiers returns a resolver backed by a fixed map with a fallback.
func StaticTiers(tiers map[string]Tier, fallback Tier) TierResolver {
	return func(tenantID string) Tier {
		if t, ok := tiers[tenantID]; ok {
			return t
		}
		return fallback
	}
}

// Gate is the admission and accounting front for the quota ledger.
//
// Thread Safety: Gate is safe for concurrent use.
type Gate struct {
	store   Store
	limits  map[Tier]Limits
	resolve TierResolver

	// now is injectable for rollover tests.
	now func() time.Time
}

// NewGate creates a Gate.
//
// Inputs:
//
//	store - Ledger persistence. Must not be nil.
//	limits - Tier table. Nil uses DefaultTierLimits().
//	resolve - Tenant-to-tier mapping. Nil treats every tenant as trial.
//
// Outputs:
//
//	*Gate - The gate.
//	error - Non-nil if store is nil.
func NewGate(store Store, limits map[Tier]Limits, resolve TierResolver) (*Gate, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if limits == nil {
		limits = DefaultTierLimits()
	}
	if resolve == nil {
		resolve = StaticTiers(nil, TierTrial)
	}
	return &Gate{
		store:   store,
		limits:  limits,
		resolve: resolve,
		now:     time.Now,
	}, nil
}

// limitsFor returns the tenant's limits, falling back to trial for unknown
// tiers.
func (g *Gate) limitsFor(tenantID string) Limits {
	if l, ok := g.limits[g.resolve(tenantID)]; ok {
		return l
	}
	return g.limits[TierTrial]
}

// Admit checks whether the tenant may perform more work this period.
//
// Description:
//
//	Loads the current-period ledger and rejects with ErrQuotaExceeded when
//	either allowance is exhausted. A tenant with no ledger yet is always
//	admitted. Admit performs no writes.
//
// Outputs:
//
//	error - Nil to admit; ErrQuotaExceeded (wrapped with tenant and
//	  period) to reject; other errors are store failures.
func (g *Gate) Admit(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("tenantID must not be empty")
	}
	period := PeriodKey(g.now())

	ledger, found, err := g.store.Load(ctx, tenantID, period)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if found && ledger.Exhausted() {
		return fmt.Errorf("tenant %s period %s: %w", tenantID, period, ErrQuotaExceeded)
	}
	return nil
}

// Record adds consumed usage to the tenant's current-period ledger.
//
// Usage is recorded even when it lands over the limit; the overshoot is
// caught by the next Admit. Recording must not fail work that already
// happened.
func (g *Gate) Record(ctx context.Context, tenantID string, delta Usage) (Ledger, error) {
	if tenantID == "" {
		return Ledger{}, errors.New("tenantID must not be empty")
	}
	period := PeriodKey(g.now())
	return g.store.Increment(ctx, tenantID, period, delta, g.limitsFor(tenantID))
}

// CurrentUsage returns the tenant's ledger for the current period. A tenant
// with no recorded usage gets a zero ledger with its tier limits filled in.
func (g *Gate) CurrentUsage(ctx context.Context, tenantID string) (Ledger, error) {
	period := PeriodKey(g.now())
	ledger, found, err := g.store.Load(ctx, tenantID, period)
	if err != nil {
		return Ledger{}, fmt.Errorf("load ledger: %w", err)
	}
	if !found {
		limits := g.limitsFor(tenantID)
		return Ledger{
			TenantID:      tenantID,
			Period:        period,
			RequestsLimit: limits.Requests,
			TokensLimit:   limits.Tokens,
		}, nil
	}
	return ledger, nil
}

// History returns the tenant's archived ledgers, oldest first.
func (g *Gate) History(ctx context.Context, tenantID string) ([]Ledger, error) {
	return g.store.History(ctx, tenantID)
}
