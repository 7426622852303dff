// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"sync"
)

// ScriptedOracle replays a fixed sequence of decisions. Deterministic
// replacement for the OpenAI oracle in tests.
//
// Thread Safety: ScriptedOracle is safe for concurrent use.
type ScriptedOracle struct {
	mu    sync.Mutex
	steps []ScriptStep
	next  int

	// Requests records every request seen, for assertions on transcript
	// trimming and context plumbing.
	Requests []Request
}

// ScriptStep is one scripted decide outcome.
type ScriptStep struct {
	Decision Decision
	Err      error
}

// NewScriptedOracle creates an oracle that returns the given steps in
// order. Calls past the end repeat the final step.
func NewScriptedOracle(steps ...ScriptStep) *ScriptedOracle {
	return &ScriptedOracle{steps: steps}
}

// Decide implements Oracle.
func (s *ScriptedOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if len(s.steps) == 0 {
		return Decision{End: true, Reason: "script empty"}, nil
	}
	step := s.steps[s.next]
	if s.next < len(s.steps)-1 {
		s.next++
	}
	return step.Decision, step.Err
}

// Calls returns how many decide calls have been made.
func (s *ScriptedOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}
