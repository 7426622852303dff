// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the autonomous session loop over a tenant's task
// workspace.
//
// The loop is a finite state machine: IDLE, PERCEIVE, DECIDE, ACT,
// CHECKPOINT, ENDED, ERROR. Each phase is a pure function from the current
// run state to a delta; the engine owns merging deltas and driving
// transitions, so phases never mutate shared state and a crash between any
// two phases loses at most the step in flight.
//
// Thread Safety: the engine may run many sessions concurrently; one
// session's RunState is only ever touched by its own loop.
package agent

import (
	"encoding/json"
	"time"

	"github.com/nova-hq/nova/services/llm"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
)

// State is one node of the session state machine.
type State string

const (
	// StateIdle is the state before the session starts.
	StateIdle State = "IDLE"

	// StatePerceive builds the retrieval context bundle.
	StatePerceive State = "PERCEIVE"

	// StateDecide asks the oracle for the next action.
	StateDecide State = "DECIDE"

	// StateAct dispatches the decided action.
	StateAct State = "ACT"

	// StateCheckpoint persists a snapshot after the act step.
	StateCheckpoint State = "CHECKPOINT"

	// StateEnded is the terminal state of a bounded completion.
	StateEnded State = "ENDED"

	// StateError is the terminal state of an unrecoverable failure.
	StateError State = "ERROR"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// End reasons recorded on a bounded completion.
const (
	// ReasonCompleted: the oracle signalled the goal is done or a
	// terminal tool ran.
	ReasonCompleted = "completed"

	// ReasonCancelled: the caller cancelled between steps.
	ReasonCancelled = "cancelled"

	// ReasonFallback: reasoning became unusable and the engine sent the
	// fallback notification instead.
	ReasonFallback = "reasoning_fallback"

	// Guard veto reasons.
	ReasonLoopLimit     = "loop_limit_reached"
	ReasonRepeated      = "repeated_action"
	ReasonToolBudget    = "tool_budget_exhausted"
	ReasonQuotaExceeded = "quota_exceeded"
)

// RunRequest starts (or resumes) one session.
type RunRequest struct {
	// TenantID scopes every downstream call.
	TenantID string `json:"tenant_id"`

	// SessionID identifies the session for checkpointing. Empty gets a
	// generated ID.
	SessionID string `json:"session_id,omitempty"`

	// Goal is the objective handed to the oracle.
	Goal string `json:"goal"`

	// Query seeds the perceive step. Empty uses the retriever default.
	Query string `json:"query,omitempty"`

	// Resume restores the latest checkpoint of SessionID instead of
	// starting fresh.
	Resume bool `json:"resume,omitempty"`
}

// RunState is the complete, serializable state of one session. Phases read
// it and return deltas; only the engine writes it.
type RunState struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
	Query     string `json:"query,omitempty"`

	// State is the machine position.
	State State `json:"state"`

	// Context is the perceived workspace context.
	Context *retrieval.ContextBundle `json:"context,omitempty"`

	// Messages is the trimmed transcript window fed to the oracle.
	Messages []llm.Exchange `json:"messages,omitempty"`

	// Pending carries the decided-but-not-yet-acted action between the
	// decide and act phases.
	Pending *llm.Decision `json:"pending,omitempty"`

	// RecentActions holds the fingerprints of dispatched actions, oldest
	// first, bounded by the guard policy's window.
	RecentActions []string `json:"recent_actions,omitempty"`

	// LoopCount is the number of completed act steps.
	LoopCount int `json:"loop_count"`

	// CostlyCalls counts dispatched costly-tool actions this session.
	CostlyCalls int `json:"costly_calls"`

	// TokensUsed accumulates oracle token cost.
	TokensUsed int64 `json:"tokens_used"`

	// EndReason is set when State is ENDED.
	EndReason string `json:"end_reason,omitempty"`

	// Err records the surfaced error: always set when State is ERROR,
	// and set alongside ENDED when a recoverable fault ended the session
	// through the fallback. Errors collapse to a string only here, at
	// the reducer boundary.
	Err string `json:"err,omitempty"`

	// UpdatedAt is the time of the last applied delta.
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot encodes the state for the checkpoint store.
func (s RunState) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s)
}

// StateDelta is the output of one phase. Nil fields mean "unchanged";
// slices append rather than replace.
type StateDelta struct {
	State           State
	Context         *retrieval.ContextBundle
	AppendMessages  []llm.Exchange
	Pending         *llm.Decision
	ClearPending    bool
	AppendAction    string
	LoopIncrement   int
	CostlyIncrement int
	TokensDelta     int64
	EndReason       string
	Err             string
}

// apply merges a delta into a copy of the state. The message window and
// action window are trimmed here so no phase has to remember to.
func (s RunState) apply(d StateDelta, messageWindow, actionWindow int) RunState {
	next := s
	if d.State != "" {
		next.State = d.State
	}
	if d.Context != nil {
		next.Context = d.Context
	}
	if len(d.AppendMessages) > 0 {
		next.Messages = append(append([]llm.Exchange{}, next.Messages...), d.AppendMessages...)
		if len(next.Messages) > messageWindow {
			next.Messages = next.Messages[len(next.Messages)-messageWindow:]
		}
	}
	if d.Pending != nil {
		next.Pending = d.Pending
	}
	if d.ClearPending {
		next.Pending = nil
	}
	if d.AppendAction != "" {
		next.RecentActions = append(append([]string{}, next.RecentActions...), d.AppendAction)
		if len(next.RecentActions) > actionWindow {
			next.RecentActions = next.RecentActions[len(next.RecentActions)-actionWindow:]
		}
	}
	next.LoopCount += d.LoopIncrement
	next.CostlyCalls += d.CostlyIncrement
	next.TokensUsed += d.TokensDelta
	if d.EndReason != "" {
		next.EndReason = d.EndReason
	}
	if d.Err != "" {
		next.Err = d.Err
	}
	next.UpdatedAt = time.Now().UTC()
	return next
}

// RunResult is the outcome handed back to the caller.
type RunResult struct {
	SessionID  string `json:"session_id"`
	State      State  `json:"state"`
	EndReason  string `json:"end_reason,omitempty"`
	LoopCount  int    `json:"loop_count"`
	TokensUsed int64  `json:"tokens_used"`
	Err        string `json:"err,omitempty"`
}

// actionFingerprint is a thin indirection so guard tests can build inputs
// without constructing full tool actions.
func actionFingerprint(a *tools.Action) string {
	if a == nil {
		return ""
	}
	return a.Fingerprint()
}
