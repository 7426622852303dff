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
	"errors"
	"testing"
	"time"

	"github.com/nova-hq/nova/services/checkpoint"
	"github.com/nova-hq/nova/services/llm"
	"github.com/nova-hq/nova/services/notify"
	"github.com/nova-hq/nova/services/quota"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
	"github.com/nova-hq/nova/services/workspace"
)

type engineFixture struct {
	engine      *Engine
	oracle      *llm.ScriptedOracle
	client      *workspace.FakeClient
	sender      *notify.FakeSender
	gate        *quota.Gate
	checkpoints *checkpoint.MemoryStore
}

func newEngineFixture(t *testing.T, policy Policy, oracle *llm.ScriptedOracle) *engineFixture {
	t.Helper()

	client := workspace.NewFakeClient()
	sender := notify.NewFakeSender()

	retriever, err := retrieval.NewRetriever(
		retrieval.NewMemoryIndex(),
		retrieval.NewHashEmbedder(32),
		retrieval.RetrieverConfig{MaxRetries: 1, RetryBaseDelay: time.Millisecond},
		nil,
	)
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}

	hs := tools.HandlerSet{
		TenantID:  "tenant-a",
		Workspace: client,
		Retriever: retriever,
		Sender:    sender,
	}
	dispatcher, err := tools.NewDispatcher(hs.Handlers(), tools.DispatcherConfig{
		Timeout:        time.Second,
		RetryBaseDelay: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	gate, err := quota.NewGate(quota.NewMemoryStore(), nil, quota.StaticTiers(nil, quota.TierPro))
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	checkpoints := checkpoint.NewMemoryStore()

	engine, err := NewEngine(retriever, oracle, tools.StaticResolver(dispatcher), gate, checkpoints, policy, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &engineFixture{
		engine:      engine,
		oracle:      oracle,
		client:      client,
		sender:      sender,
		gate:        gate,
		checkpoints: checkpoints,
	}
}

func actionStep(tool string, params map[string]interface{}, tokens int64) llm.ScriptStep {
	return llm.ScriptStep{Decision: llm.Decision{
		Action:     &tools.Action{Tool: tool, Parameters: params},
		TokensUsed: tokens,
	}}
}

func endStep(reason string) llm.ScriptStep {
	return llm.ScriptStep{Decision: llm.Decision{End: true, Reason: reason}}
}

func TestRunCreateTaskThenEnd(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "Pay rent"}, 40),
		endStep("task created"),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{
		TenantID: "tenant-a",
		Goal:     "create the rent task",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateEnded {
		t.Errorf("state = %s, want %s", result.State, StateEnded)
	}
	if result.EndReason != ReasonCompleted {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonCompleted)
	}
	if result.LoopCount != 1 {
		t.Errorf("loop count = %d, want 1", result.LoopCount)
	}
	if result.TokensUsed != 40 {
		t.Errorf("tokens = %d, want 40", result.TokensUsed)
	}
	if fx.client.CreateCalls != 1 {
		t.Errorf("create calls = %d, want exactly 1", fx.client.CreateCalls)
	}
	// One mid-run checkpoint plus the terminal save.
	if got := fx.checkpoints.Count("tenant-a", result.SessionID); got != 2 {
		t.Errorf("checkpoints = %d, want 2", got)
	}
}

func TestRunTerminalNotifyEnds(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolNotify, map[string]interface{}{"message": "daily plan ready"}, 10),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "notify me"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonCompleted {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonCompleted)
	}
	if result.LoopCount != 1 {
		t.Errorf("loop count = %d, want 1", result.LoopCount)
	}
	if len(fx.sender.Sent()) != 1 {
		t.Errorf("sent = %d notifications, want 1", len(fx.sender.Sent()))
	}
	if oracle.Calls() != 1 {
		t.Errorf("oracle calls = %d, want 1 (no decide after terminal act)", oracle.Calls())
	}
}

func TestRunLoopLimitBoundsSession(t *testing.T) {
	// Distinct actions every step so no other rule fires first.
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "a"}, 0),
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "b"}, 0),
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "c"}, 0),
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "d"}, 0),
	)
	policy := DefaultPolicy()
	policy.MaxIterations = 3
	fx := newEngineFixture(t, policy, oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "busywork"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonLoopLimit {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonLoopLimit)
	}
	if result.LoopCount != 3 {
		t.Errorf("loop count = %d, want 3", result.LoopCount)
	}
	if fx.client.CreateCalls != 3 {
		t.Errorf("create calls = %d, want 3", fx.client.CreateCalls)
	}
}

func TestRunRepeatedActionVetoed(t *testing.T) {
	same := map[string]interface{}{"title": "same task"}
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, same, 0),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "loop forever"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonRepeated {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonRepeated)
	}
	// RepeatThreshold 3: two dispatches, the third identical decision is
	// vetoed before acting.
	if fx.client.CreateCalls != 2 {
		t.Errorf("create calls = %d, want 2", fx.client.CreateCalls)
	}
}

func TestRunCostlyBudgetVetoed(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolSearchTasks, map[string]interface{}{"query": "q1"}, 0),
		actionStep(tools.ToolSearchTasks, map[string]interface{}{"query": "q2"}, 0),
		actionStep(tools.ToolSearchTasks, map[string]interface{}{"query": "q3"}, 0),
	)
	policy := DefaultPolicy()
	policy.CostlyToolBudget = 2
	fx := newEngineFixture(t, policy, oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "search everything"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonToolBudget {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonToolBudget)
	}
	if result.LoopCount != 2 {
		t.Errorf("loop count = %d, want 2", result.LoopCount)
	}
}

func TestRunQuotaRejectionCostsNothing(t *testing.T) {
	oracle := llm.NewScriptedOracle(endStep("should never run"))
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	// Exhaust the pro tier's request allowance up front.
	if _, err := fx.gate.Record(context.Background(), "tenant-a", quota.Usage{Requests: 1000}); err != nil {
		t.Fatalf("record: %v", err)
	}

	_, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "anything"})
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if oracle.Calls() != 0 {
		t.Errorf("oracle calls = %d, want 0", oracle.Calls())
	}
	if fx.client.CreateCalls != 0 || len(fx.sender.Sent()) != 0 {
		t.Error("rejected run must not touch collaborators")
	}
}

func TestRunReasoningParseFallback(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		llm.ScriptStep{Decision: llm.Decision{TokensUsed: 25}, Err: llm.ErrReasoningParse},
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "confuse the model"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonFallback {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonFallback)
	}
	sent := fx.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent = %d notifications, want 1", len(sent))
	}
	if sent[0].Body != fallbackMessage {
		t.Errorf("fallback body = %q, want %q", sent[0].Body, fallbackMessage)
	}
	if result.TokensUsed != 25 {
		t.Errorf("tokens = %d, want 25 (parse failures still cost)", result.TokensUsed)
	}
}

func TestRunUnknownToolFallback(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep("launch_rocket", nil, 0),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "go to space"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonFallback {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonFallback)
	}
	if len(fx.sender.Sent()) != 1 {
		t.Errorf("sent = %d notifications, want 1", len(fx.sender.Sent()))
	}
}

func TestRunHandlerFailureIsRecoverable(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolUpdateTask, map[string]interface{}{
			"ref":    map[string]interface{}{"id": "missing-task"},
			"fields": map[string]interface{}{"status": "done"},
		}, 0),
		endStep("gave up"),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "update a ghost"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The failed act consumed an iteration, then the oracle ended.
	if result.EndReason != ReasonCompleted {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonCompleted)
	}
	if result.LoopCount != 1 {
		t.Errorf("loop count = %d, want 1", result.LoopCount)
	}
	if oracle.Calls() != 2 {
		t.Errorf("oracle calls = %d, want 2 (failure fed back to oracle)", oracle.Calls())
	}
}

// cancellingOracle cancels the run's context after its first decision, then
// keeps returning actions.
type cancellingOracle struct {
	cancel context.CancelFunc
	inner  *llm.ScriptedOracle
}

func (c *cancellingOracle) Decide(ctx context.Context, req llm.Request) (llm.Decision, error) {
	d, err := c.inner.Decide(ctx, req)
	c.cancel()
	return d, err
}

func TestRunCancellationEndsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "a"}, 0),
	)
	fx := newEngineFixture(t, DefaultPolicy(), inner)

	engine, err := NewEngine(
		fx.engine.retriever, &cancellingOracle{cancel: cancel, inner: inner},
		fx.engine.dispatchers, fx.engine.gate, fx.checkpoints, DefaultPolicy(), nil,
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	result, err := engine.Run(ctx, RunRequest{TenantID: "tenant-a", Goal: "slow work"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonCancelled {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonCancelled)
	}
	// Terminal checkpoint still saved despite the cancelled context.
	if got := fx.checkpoints.Count("tenant-a", result.SessionID); got == 0 {
		t.Error("expected a terminal checkpoint after cancellation")
	}
}

func TestRunResumeTerminalSessionReturnsImmediately(t *testing.T) {
	oracle := llm.NewScriptedOracle(endStep("done"))
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	first, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "finish fast"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	resumed, err := fx.engine.Run(context.Background(), RunRequest{
		TenantID:  "tenant-a",
		SessionID: first.SessionID,
		Resume:    true,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != StateEnded || resumed.EndReason != first.EndReason {
		t.Errorf("resumed terminal session should return its final state, got %+v", resumed)
	}
	if oracle.Calls() != 1 {
		t.Errorf("oracle calls = %d, want 1 (no new decide on terminal resume)", oracle.Calls())
	}
}

func TestRunResumeCarriesStateAcrossRuns(t *testing.T) {
	// First run ends at the loop limit mid-goal.
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "a"}, 0),
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "b"}, 0),
	)
	policy := DefaultPolicy()
	policy.MaxIterations = 1
	fx := newEngineFixture(t, policy, oracle)

	first, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "long goal"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.EndReason != ReasonLoopLimit {
		t.Fatalf("setup: expected loop limit, got %q", first.EndReason)
	}

	// A terminal state resumes as terminal; loop counters carry over.
	resumed, err := fx.engine.Run(context.Background(), RunRequest{
		TenantID:  "tenant-a",
		SessionID: first.SessionID,
		Resume:    true,
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.LoopCount != first.LoopCount {
		t.Errorf("resumed loop count = %d, want %d", resumed.LoopCount, first.LoopCount)
	}
}

// brokenEmbedder always fails, simulating an embedding provider outage.
type brokenEmbedder struct{}

func (brokenEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}

func (brokenEmbedder) Dimensions() int { return 32 }

func TestRunRetrievalFailureFallsBack(t *testing.T) {
	oracle := llm.NewScriptedOracle(endStep("unreachable"))
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	retriever, err := retrieval.NewRetriever(
		retrieval.NewMemoryIndex(),
		brokenEmbedder{},
		retrieval.RetrieverConfig{MaxRetries: 1, RetryBaseDelay: time.Millisecond},
		nil,
	)
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}
	engine, err := NewEngine(
		retriever, oracle, fx.engine.dispatchers, fx.engine.gate, fx.checkpoints, DefaultPolicy(), nil,
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	result, err := engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "plan my day"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.State != StateEnded {
		t.Errorf("state = %s, want %s (retrieval exhaustion is recoverable)", result.State, StateEnded)
	}
	if result.EndReason != ReasonFallback {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonFallback)
	}
	if result.Err == "" {
		t.Error("run error should be surfaced on the result")
	}
	if len(fx.sender.Sent()) != 1 {
		t.Errorf("sent = %d notifications, want 1", len(fx.sender.Sent()))
	}
	if oracle.Calls() != 0 {
		t.Errorf("oracle calls = %d, want 0 (no context, no decide)", oracle.Calls())
	}
}

func TestRunOracleTransportFailureFallsBack(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		llm.ScriptStep{Decision: llm.Decision{TokensUsed: 12}, Err: errors.New("gateway: connection reset")},
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "anything"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonFallback {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonFallback)
	}
	if result.Err == "" {
		t.Error("run error should be surfaced on the result")
	}
	if result.TokensUsed != 12 {
		t.Errorf("tokens = %d, want 12 (failed calls still cost)", result.TokensUsed)
	}
	if len(fx.sender.Sent()) != 1 {
		t.Errorf("sent = %d notifications, want 1", len(fx.sender.Sent()))
	}
}

func TestRunBillsEachToolCall(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "a"}, 0),
		actionStep(tools.ToolCreateTask, map[string]interface{}{"title": "b"}, 0),
		endStep("done"),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	if _, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "two tasks"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	ledger, err := fx.gate.CurrentUsage(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	// One request for the run trigger plus one per dispatched tool call.
	if ledger.RequestsUsed != 3 {
		t.Errorf("requests used = %d, want 3", ledger.RequestsUsed)
	}
}

func TestRunResumeUnknownSessionFails(t *testing.T) {
	oracle := llm.NewScriptedOracle(endStep("should never run"))
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	_, err := fx.engine.Run(context.Background(), RunRequest{
		TenantID:  "tenant-a",
		SessionID: "ghost-session",
		Resume:    true,
	})
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if oracle.Calls() != 0 || len(fx.sender.Sent()) != 0 {
		t.Error("failed resume must not touch collaborators")
	}
}

func TestRunDailyPlanningEmptyWorkspace(t *testing.T) {
	oracle := llm.NewScriptedOracle(
		actionStep(tools.ToolNotify, map[string]interface{}{"message": "nothing scheduled today"}, 5),
	)
	fx := newEngineFixture(t, DefaultPolicy(), oracle)

	result, err := fx.engine.Run(context.Background(), RunRequest{TenantID: "tenant-a", Goal: "daily_planning"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.EndReason != ReasonCompleted {
		t.Errorf("end reason = %q, want %q", result.EndReason, ReasonCompleted)
	}
	if len(fx.sender.Sent()) != 1 {
		t.Errorf("sent = %d notifications, want exactly 1", len(fx.sender.Sent()))
	}
	if fx.client.CreateCalls != 0 || fx.client.UpdateCalls != 0 {
		t.Errorf("create calls = %d, update calls = %d, want 0 and 0",
			fx.client.CreateCalls, fx.client.UpdateCalls)
	}
}
