// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_tool_invocations_total",
		Help: "Tool invocations by tool name.",
	}, []string{"tool"})

	toolFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nova_tool_failures_total",
		Help: "Failed tool invocations by tool name.",
	}, []string{"tool"})
)

// DispatcherConfig tunes execution.
type DispatcherConfig struct {
	// Timeout bounds one handler attempt. Default: 30s.
	Timeout time.Duration

	// ReadRetries is the number of extra attempts for read-only tools.
	// Default: 2.
	ReadRetries int

	// RetryBaseDelay is the initial backoff delay. Default: 100ms.
	RetryBaseDelay time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:        30 * time.Second,
		ReadRetries:    2,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

// Dispatcher executes actions against the closed catalog.
//
// All handlers run through one invoke path: per-attempt timeout, panic
// containment, and normalization into Result. Side-effecting tools get
// exactly one attempt; read-only tools retry with backoff and jitter.
//
// Thread Safety: Dispatcher is safe for concurrent use.
type Dispatcher struct {
	handlers map[string]Handler
	config   DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over a handler set.
//
// Inputs:
//
//	handlers - Catalog handlers, usually HandlerSet.Handlers(). Must
//	  cover only catalog names.
//	cfg - Execution tuning. Zero values fall back to defaults.
//
// Outputs:
//
//	*Dispatcher - The dispatcher.
//	error - Non-nil if handlers is empty or names an unknown tool.
func NewDispatcher(handlers map[string]Handler, cfg DispatcherConfig, logger *slog.Logger) (*Dispatcher, error) {
	if len(handlers) == 0 {
		return nil, errors.New("handlers must not be empty")
	}
	known := make(map[string]bool)
	for _, name := range CatalogNames() {
		known[name] = true
	}
	for name := range handlers {
		if !known[name] {
			return nil, fmt.Errorf("handler for non-catalog tool %q", name)
		}
	}

	def := DefaultDispatcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = def.ReadRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: handlers,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Resolver returns the dispatcher bound to a tenant's workspace. Handlers
// carry tenant-scoped collaborators, so a multi-tenant deployment supplies
// one dispatcher per tenant through this indirection.
type Resolver func(tenantID string) (*Dispatcher, error)

// StaticResolver resolves every tenant to one dispatcher. Single-tenant
// deployments and tests.
func StaticResolver(d *Dispatcher) Resolver {
	return func(tenantID string) (*Dispatcher, error) {
		return d, nil
	}
}

// Dispatch executes one action.
//
// Description:
//
//	Rejects non-catalog tools with ErrUnknownTool before anything runs.
//	Otherwise invokes the handler with a per-attempt timeout; read-only
//	tools retry failed attempts with exponential backoff, side-effecting
//	tools never do. Parameter validation errors pass through unwrapped so
//	the engine can distinguish them; every other failure surfaces as
//	ErrHandlerFailed.
//
// Outputs:
//
//	Result - Normalized outcome; Terminal set for notify/end.
//	error - ErrUnknownTool, ErrInvalidParameters, ErrAmbiguousReference,
//	  or ErrHandlerFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) (Result, error) {
	handler, ok := d.handlers[action.Tool]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, action.Tool)
	}
	toolInvocations.WithLabelValues(action.Tool).Inc()

	attempts := 1
	if readOnly(action.Tool) {
		attempts += d.config.ReadRetries
	}

	var (
		result  Result
		lastErr error
	)
	delay := d.config.RetryBaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}

		result, lastErr = d.invoke(ctx, handler, action)
		if lastErr == nil {
			return result, nil
		}
		if errors.Is(lastErr, ErrInvalidParameters) || errors.Is(lastErr, ErrAmbiguousReference) {
			// Bad input stays bad on retry.
			toolFailures.WithLabelValues(action.Tool).Inc()
			return Result{}, lastErr
		}
		if attempt < attempts-1 {
			d.logger.Warn("Tool attempt failed, retrying",
				slog.String("tool", action.Tool),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
		}
	}

	toolFailures.WithLabelValues(action.Tool).Inc()
	return Result{}, fmt.Errorf("%w: %s: %v", ErrHandlerFailed, action.Tool, lastErr)
}

// invoke runs one handler attempt with timeout and panic containment.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, action Action) (result Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool handler panicked",
				slog.String("tool", action.Tool),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, action)
}
