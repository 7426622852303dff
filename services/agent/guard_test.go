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
	"testing"

	"github.com/nova-hq/nova/services/tools"
)

func searchAction(query string) *tools.Action {
	return &tools.Action{
		Tool:       tools.ToolSearchTasks,
		Parameters: map[string]interface{}{"query": query},
	}
}

func createAction(title string) *tools.Action {
	return &tools.Action{
		Tool:       tools.ToolCreateTask,
		Parameters: map[string]interface{}{"title": title},
	}
}

func TestEvaluate(t *testing.T) {
	policy := Policy{MaxIterations: 5, RepeatThreshold: 3, CostlyToolBudget: 3}
	repeat := createAction("same")

	tests := []struct {
		name       string
		in         GuardInput
		wantAllow  bool
		wantReason string
	}{
		{
			name:      "fresh session allows",
			in:        GuardInput{Next: createAction("a")},
			wantAllow: true,
		},
		{
			name:       "loop limit reached",
			in:         GuardInput{LoopCount: 5, Next: createAction("a")},
			wantReason: ReasonLoopLimit,
		},
		{
			name:       "loop limit exceeded",
			in:         GuardInput{LoopCount: 7, Next: createAction("a")},
			wantReason: ReasonLoopLimit,
		},
		{
			name: "repeated action at threshold",
			in: GuardInput{
				RecentActions: []string{repeat.Fingerprint(), repeat.Fingerprint()},
				Next:          repeat,
			},
			wantReason: ReasonRepeated,
		},
		{
			name: "identical but not consecutive allows",
			in: GuardInput{
				RecentActions: []string{repeat.Fingerprint(), createAction("other").Fingerprint()},
				Next:          repeat,
			},
			wantAllow: true,
		},
		{
			name: "one repeat below threshold allows",
			in: GuardInput{
				RecentActions: []string{repeat.Fingerprint()},
				Next:          repeat,
			},
			wantAllow: true,
		},
		{
			name:       "costly budget exhausted",
			in:         GuardInput{CostlyCalls: 3, Next: searchAction("q")},
			wantReason: ReasonToolBudget,
		},
		{
			name:      "costly budget does not block cheap tools",
			in:        GuardInput{CostlyCalls: 3, Next: createAction("a")},
			wantAllow: true,
		},
		{
			name: "rule order: loop limit wins over repeat and budget",
			in: GuardInput{
				LoopCount:     5,
				CostlyCalls:   3,
				RecentActions: []string{searchAction("q").Fingerprint(), searchAction("q").Fingerprint()},
				Next:          searchAction("q"),
			},
			wantReason: ReasonLoopLimit,
		},
		{
			name: "rule order: repeat wins over budget",
			in: GuardInput{
				CostlyCalls:   3,
				RecentActions: []string{searchAction("q").Fingerprint(), searchAction("q").Fingerprint()},
				Next:          searchAction("q"),
			},
			wantReason: ReasonRepeated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(policy, tt.in)
			if got.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v", got.Allow, tt.wantAllow)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestEvaluateIsPure(t *testing.T) {
	policy := DefaultPolicy()
	in := GuardInput{
		LoopCount:     2,
		CostlyCalls:   1,
		RecentActions: []string{searchAction("q").Fingerprint()},
		Next:          searchAction("q"),
	}

	first := Evaluate(policy, in)
	for i := 0; i < 10; i++ {
		if got := Evaluate(policy, in); got != first {
			t.Fatalf("verdict changed between identical calls: %+v vs %+v", first, got)
		}
	}
	if len(in.RecentActions) != 1 {
		t.Error("Evaluate mutated its input")
	}
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{}.normalize()
	def := DefaultPolicy()
	if p != def {
		t.Errorf("zero policy should normalize to defaults: %+v vs %+v", p, def)
	}

	custom := Policy{MaxIterations: 9, RepeatThreshold: 2, CostlyToolBudget: 1, MessageWindow: 4}
	if got := custom.normalize(); got != custom {
		t.Errorf("explicit policy should pass through: %+v vs %+v", got, custom)
	}
}
