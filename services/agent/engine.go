// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nova-hq/nova/services/checkpoint"
	"github.com/nova-hq/nova/services/llm"
	"github.com/nova-hq/nova/services/quota"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
)

// recentActionWindow bounds the fingerprint history kept in run state. It
// only needs to cover the largest repeat threshold anyone would configure.
const recentActionWindow = 16

// fallbackMessage is the notification sent when reasoning becomes unusable.
const fallbackMessage = "unable to determine next step"

// ErrNoCheckpoint is returned when a resume request names a session that
// was never checkpointed.
var ErrNoCheckpoint = errors.New("no checkpoint for session")

// Engine drives sessions through the state machine.
//
// Thread Safety: Engine is safe for concurrent use; each Run owns its state.
type Engine struct {
	retriever   *retrieval.Retriever
	oracle      llm.Oracle
	dispatchers tools.Resolver
	gate        *quota.Gate
	checkpoints checkpoint.Store
	policy      Policy
	machine     *StateMachine
	logger      *slog.Logger
}

// NewEngine wires the engine's collaborators.
//
// Inputs:
//
//	retriever - Context retrieval. Must not be nil.
//	oracle - Reasoning boundary. Must not be nil.
//	dispatchers - Per-tenant tool execution. Must not be nil; see
//	  tools.StaticResolver for single-tenant wiring.
//	gate - Quota admission and accounting. Must not be nil.
//	checkpoints - Snapshot persistence. Must not be nil.
//	policy - Guard thresholds. Zero fields fall back to defaults.
//
// Outputs:
//
//	*Engine - The engine.
//	error - Non-nil if any collaborator is nil.
func NewEngine(
	retriever *retrieval.Retriever,
	oracle llm.Oracle,
	dispatchers tools.Resolver,
	gate *quota.Gate,
	checkpoints checkpoint.Store,
	policy Policy,
	logger *slog.Logger,
) (*Engine, error) {
	if retriever == nil || oracle == nil || dispatchers == nil || gate == nil || checkpoints == nil {
		return nil, errors.New("all engine collaborators must be non-nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		retriever:   retriever,
		oracle:      oracle,
		dispatchers: dispatchers,
		gate:        gate,
		checkpoints: checkpoints,
		policy:      policy.normalize(),
		machine:     NewStateMachine(),
		logger:      logger,
	}, nil
}

// Run executes one session to a bounded completion.
//
// Description:
//
//	Admits the tenant through the quota gate, then drives the state
//	machine until a terminal state. Every completed act step is followed
//	by a checkpoint; cancellation between steps persists the last state
//	and ends with ReasonCancelled. Quota rejection before the run
//	surfaces as quota.ErrQuotaExceeded with no work performed.
//
// Outputs:
//
//	RunResult - Terminal state, end reason, loop count, token usage.
//	error - Quota rejection, resume failure, or an unrecoverable
//	  storage fault. Oracle and tool failures do not surface here; they
//	  are folded into the run per the error taxonomy.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if req.TenantID == "" {
		return RunResult{}, errors.New("tenant id must not be empty")
	}
	if req.Goal == "" && !req.Resume {
		return RunResult{}, errors.New("goal must not be empty")
	}

	if err := e.gate.Admit(ctx, req.TenantID); err != nil {
		return RunResult{}, err
	}

	st, err := e.initialState(ctx, req)
	if err != nil {
		return RunResult{}, err
	}

	if _, err := e.gate.Record(ctx, req.TenantID, quota.Usage{Requests: 1}); err != nil {
		e.logger.Warn("Failed to record request usage",
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
	}

	logger := e.logger.With(
		slog.String("tenant_id", st.TenantID),
		slog.String("session_id", st.SessionID),
	)
	logger.Info("Session started", slog.String("goal", st.Goal))

	for !st.State.Terminal() {
		if err := ctx.Err(); err != nil {
			st = e.apply(st, StateDelta{State: StateEnded, EndReason: ReasonCancelled})
			break
		}

		var delta StateDelta
		switch st.State {
		case StateIdle:
			delta = StateDelta{State: StatePerceive}
		case StatePerceive:
			delta = e.perceive(ctx, st)
		case StateDecide:
			delta = e.decide(ctx, st)
		case StateAct:
			delta = e.act(ctx, st)
		case StateCheckpoint:
			delta = e.checkpointStep(ctx, st)
		default:
			delta = StateDelta{State: StateError, Err: fmt.Sprintf("engine reached unknown state %s", st.State)}
		}

		if delta.State != "" && delta.State != st.State {
			if _, err := e.machine.Transition(st.State, delta.State); err != nil {
				delta = StateDelta{State: StateError, Err: err.Error()}
			}
		}
		st = e.apply(st, delta)
	}

	e.saveCheckpoint(context.WithoutCancel(ctx), &st)
	logger.Info("Session finished",
		slog.String("state", st.State.String()),
		slog.String("end_reason", st.EndReason),
		slog.Int("loop_count", st.LoopCount),
		slog.Int64("tokens_used", st.TokensUsed),
	)

	return RunResult{
		SessionID:  st.SessionID,
		State:      st.State,
		EndReason:  st.EndReason,
		LoopCount:  st.LoopCount,
		TokensUsed: st.TokensUsed,
		Err:        st.Err,
	}, nil
}

// initialState builds a fresh state or restores the latest checkpoint.
func (e *Engine) initialState(ctx context.Context, req RunRequest) (RunState, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if req.Resume {
		cp, err := e.checkpoints.LoadLatest(ctx, req.TenantID, sessionID)
		if err != nil {
			return RunState{}, fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		if cp == nil {
			return RunState{}, fmt.Errorf("resume session %s: %w", sessionID, ErrNoCheckpoint)
		}
		var st RunState
		if err := json.Unmarshal(cp.Snapshot, &st); err != nil {
			return RunState{}, fmt.Errorf("resume session %s: %w: %v", sessionID, checkpoint.ErrCorruptSnapshot, err)
		}
		if !st.State.Terminal() {
			// Re-enter the loop at the post-checkpoint position.
			st.State = StateCheckpoint
		}
		return st, nil
	}

	return RunState{
		TenantID:  req.TenantID,
		SessionID: sessionID,
		Goal:      req.Goal,
		Query:     req.Query,
		State:     StateIdle,
	}, nil
}

// perceive builds the context bundle. Retrieval failure past retries is
// recoverable: the run ends through the notify fallback instead of an
// error state, so the tenant still hears about it.
func (e *Engine) perceive(ctx context.Context, st RunState) StateDelta {
	bundle, err := e.retriever.BuildContext(ctx, st.TenantID, st.Query)
	if err != nil {
		if ctx.Err() != nil {
			return StateDelta{State: StateEnded, EndReason: ReasonCancelled}
		}
		if errors.Is(err, retrieval.ErrTransientRetrieval) {
			return e.fallback(ctx, st, 0, fmt.Errorf("perceive: %w", err))
		}
		return StateDelta{State: StateError, Err: fmt.Sprintf("perceive: %v", err)}
	}
	return StateDelta{State: StateDecide, Context: &bundle}
}

// decide asks the oracle for the next step and runs the guard over it.
func (e *Engine) decide(ctx context.Context, st RunState) StateDelta {
	req := llm.Request{
		Goal:       st.Goal,
		Transcript: st.Messages,
		Catalog:    tools.CatalogNames(),
	}
	if st.Context != nil {
		req.Context = *st.Context
	}

	decision, err := e.oracle.Decide(ctx, req)
	e.recordTokens(ctx, st.TenantID, decision.TokensUsed)

	if err != nil {
		if ctx.Err() != nil {
			return StateDelta{State: StateEnded, TokensDelta: decision.TokensUsed, EndReason: ReasonCancelled}
		}
		// Parse failures and transport failures alike are recoverable;
		// the session ends with the fallback notification.
		return e.fallback(ctx, st, decision.TokensUsed, fmt.Errorf("decide: %w", err))
	}

	if decision.End {
		return StateDelta{
			State:       StateEnded,
			TokensDelta: decision.TokensUsed,
			EndReason:   ReasonCompleted,
			AppendMessages: []llm.Exchange{
				{Role: "assistant", Content: "end: " + decision.Reason},
			},
		}
	}

	if decision.Action == nil {
		return e.fallback(ctx, st, decision.TokensUsed, errors.New("oracle returned neither action nor end"))
	}

	verdict := Evaluate(e.policy, GuardInput{
		LoopCount:     st.LoopCount,
		RecentActions: st.RecentActions,
		CostlyCalls:   st.CostlyCalls,
		Next:          decision.Action,
	})
	if !verdict.Allow {
		e.logger.Info("Guard vetoed action",
			slog.String("session_id", st.SessionID),
			slog.String("reason", verdict.Reason),
			slog.String("tool", decision.Action.Tool),
		)
		return StateDelta{
			State:       StateEnded,
			TokensDelta: decision.TokensUsed,
			EndReason:   verdict.Reason,
		}
	}

	return StateDelta{
		State:       StateAct,
		TokensDelta: decision.TokensUsed,
		Pending:     &decision,
		AppendMessages: []llm.Exchange{
			{Role: "assistant", Content: "action: " + decision.Action.Fingerprint()},
		},
	}
}

// act dispatches the pending action. The step consumes exactly one loop
// iteration whether or not the handler succeeds.
func (e *Engine) act(ctx context.Context, st RunState) StateDelta {
	if st.Pending == nil || st.Pending.Action == nil {
		return StateDelta{State: StateError, Err: "act: no pending action"}
	}
	action := *st.Pending.Action

	// Quota may have been exhausted by a concurrent session since the
	// last check.
	if err := e.gate.Admit(ctx, st.TenantID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return StateDelta{State: StateEnded, ClearPending: true, EndReason: ReasonQuotaExceeded}
		}
		return StateDelta{State: StateError, ClearPending: true, Err: fmt.Sprintf("act admission: %v", err)}
	}

	dispatcher, err := e.dispatchers(st.TenantID)
	if err != nil {
		return StateDelta{State: StateError, ClearPending: true, Err: fmt.Sprintf("act: resolve dispatcher: %v", err)}
	}

	delta := StateDelta{
		State:         StateCheckpoint,
		ClearPending:  true,
		AppendAction:  action.Fingerprint(),
		LoopIncrement: 1,
	}
	if tools.Costly(action.Tool) {
		delta.CostlyIncrement = 1
	}

	result, err := dispatcher.Dispatch(ctx, action)
	if err != nil && errors.Is(err, tools.ErrUnknownTool) {
		// No handler ran, so nothing is billed.
		return e.fallback(ctx, st, 0, err)
	}
	e.recordRequest(ctx, st.TenantID)

	if err != nil {
		// Recoverable: the attempt is spent, the oracle sees the failure
		// and decides what to do next.
		delta.AppendMessages = []llm.Exchange{
			{Role: "tool", Content: fmt.Sprintf("%s failed: %v", action.Tool, err)},
		}
		return delta
	}

	delta.AppendMessages = []llm.Exchange{
		{Role: "tool", Content: result.Summary},
	}
	if result.Terminal {
		delta.EndReason = ReasonCompleted
	}
	return delta
}

// checkpointStep persists the snapshot and picks the next state.
func (e *Engine) checkpointStep(ctx context.Context, st RunState) StateDelta {
	e.saveCheckpoint(ctx, &st)

	switch {
	case st.EndReason != "":
		return StateDelta{State: StateEnded}
	case st.LoopCount >= e.policy.MaxIterations:
		return StateDelta{State: StateEnded, EndReason: ReasonLoopLimit}
	default:
		return StateDelta{State: StateDecide}
	}
}

// fallback sends the safety notification and ends the session, recording
// the recoverable cause on the run state. Used when reasoning output is
// unusable or a recoverable dependency fault exhausted its retries.
func (e *Engine) fallback(ctx context.Context, st RunState, tokens int64, cause error) StateDelta {
	e.logger.Warn("Falling back to notify-and-end",
		slog.String("session_id", st.SessionID),
		slog.String("cause", cause.Error()),
	)

	dispatcher, err := e.dispatchers(st.TenantID)
	if err == nil {
		_, err = dispatcher.Dispatch(ctx, tools.Action{
			Tool: tools.ToolNotify,
			Parameters: map[string]interface{}{
				"subject": "Agent session ended",
				"message": fallbackMessage,
			},
		})
	}
	if err != nil {
		e.logger.Error("Fallback notification failed",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()),
		)
	}

	return StateDelta{
		State:        StateEnded,
		ClearPending: true,
		TokensDelta:  tokens,
		EndReason:    ReasonFallback,
		Err:          cause.Error(),
		AppendMessages: []llm.Exchange{
			{Role: "tool", Content: "fallback notification sent"},
		},
	}
}

// apply merges a delta with the policy's windows.
func (e *Engine) apply(st RunState, d StateDelta) RunState {
	return st.apply(d, e.policy.MessageWindow, recentActionWindow)
}

// recordRequest bills one dispatched tool call to the quota ledger. Best
// effort, like recordTokens.
func (e *Engine) recordRequest(ctx context.Context, tenantID string) {
	if _, err := e.gate.Record(ctx, tenantID, quota.Usage{Requests: 1}); err != nil {
		e.logger.Warn("Failed to record request usage",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// recordTokens reports oracle token cost to the quota gate. Best effort:
// accounting must not fail a decision that already happened.
func (e *Engine) recordTokens(ctx context.Context, tenantID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	if _, err := e.gate.Record(ctx, tenantID, quota.Usage{Tokens: tokens}); err != nil {
		e.logger.Warn("Failed to record token usage",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
	}
}

// saveCheckpoint persists the current state. Best effort at the terminal
// save; mid-run saves also log-and-continue since the next step will save
// again.
func (e *Engine) saveCheckpoint(ctx context.Context, st *RunState) {
	snapshot, err := st.Snapshot()
	if err != nil {
		e.logger.Error("Failed to encode checkpoint",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := e.checkpoints.Save(ctx, st.TenantID, st.SessionID, snapshot); err != nil {
		e.logger.Error("Failed to save checkpoint",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
