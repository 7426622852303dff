// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the closed tool catalog the decision engine may
// invoke, and the dispatcher that executes tool actions uniformly.
//
// The catalog is fixed at six tools. The reasoning oracle cannot add to it;
// an action naming anything else is rejected with ErrUnknownTool before any
// handler runs. Read-only tools retry on failure with bounded backoff;
// side-effecting tools execute at most once.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Tool names. The catalog is closed; these six are all there is.
const (
	ToolSearchTasks = "search_tasks"
	ToolGetRoutines = "get_routines"
	ToolCreateTask  = "create_task"
	ToolUpdateTask  = "update_task"
	ToolNotify      = "notify"
	ToolEnd         = "end"
)

var (
	// ErrUnknownTool is returned when an action names a tool outside the
	// catalog. Recoverable: the engine falls back to a notify-and-end.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrHandlerFailed wraps a handler error, panic, or timeout. The
	// action consumed its attempt; side effects may or may not have
	// happened and are never retried.
	ErrHandlerFailed = errors.New("tool handler failed")

	// ErrInvalidParameters is returned when an action's parameters fail
	// validation at the decide-act boundary.
	ErrInvalidParameters = errors.New("invalid tool parameters")

	// ErrAmbiguousReference is returned when a by-title reference matches
	// zero or several items. The dispatcher never guesses.
	ErrAmbiguousReference = errors.New("ambiguous item reference")
)

// Action is one tool invocation decided by the oracle.
type Action struct {
	// Tool is the catalog name.
	Tool string `json:"tool"`

	// Parameters are the raw arguments; each tool decodes and validates
	// its own parameter struct from them.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Fingerprint returns a canonical string identifying the action by tool and
// parameters. Two actions with equal fingerprints are "the same action" for
// repeat detection.
func (a Action) Fingerprint() string {
	raw, err := json.Marshal(a.Parameters)
	if err != nil {
		return a.Tool
	}
	return a.Tool + ":" + string(raw)
}

// Result is the normalized outcome of one dispatched action.
type Result struct {
	// Tool is the catalog name that ran.
	Tool string `json:"tool"`

	// Payload is the tool's output, JSON-encodable.
	Payload interface{} `json:"payload,omitempty"`

	// Summary is a short human-readable outcome line fed back to the
	// oracle on the next decide step.
	Summary string `json:"summary,omitempty"`

	// Terminal indicates the session should end after this action.
	Terminal bool `json:"terminal"`
}

// Costly reports whether a tool counts against the per-session costly-tool
// budget. These are the tools that fan out to retrieval.
func Costly(tool string) bool {
	return tool == ToolSearchTasks || tool == ToolGetRoutines
}

// Terminal reports whether a tool ends the session by definition.
func Terminal(tool string) bool {
	return tool == ToolNotify || tool == ToolEnd
}

// readOnly reports whether a tool has no side effects and may be retried.
func readOnly(tool string) bool {
	return tool == ToolSearchTasks || tool == ToolGetRoutines || tool == ToolEnd
}

// CatalogNames returns the tool names in catalog order, for oracle prompts.
func CatalogNames() []string {
	return []string{
		ToolSearchTasks,
		ToolGetRoutines,
		ToolCreateTask,
		ToolUpdateTask,
		ToolNotify,
		ToolEnd,
	}
}

// validate is shared by all parameter decoding. validator.Validate is
// concurrency-safe and caches struct metadata.
var validate = validator.New()

// decodeParams round-trips raw parameters through JSON into a typed struct
// and validates it.
func decodeParams(raw map[string]interface{}, into interface{}) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := json.Unmarshal(buf, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := validate.Struct(into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// Handler executes one tool. Implementations live in handlers.go; the
// dispatcher owns timeout, retry, and panic containment.
type Handler func(ctx context.Context, action Action) (Result, error)
