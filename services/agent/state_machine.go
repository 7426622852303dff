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
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a phase asks for a state change the
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// StateMachine enforces the session transition table.
//
// Thread Safety: StateMachine is immutable after construction and safe for
// concurrent use.
type StateMachine struct {
	transitions map[State][]State
}

// NewStateMachine builds the fixed transition table.
//
// The loop shape is IDLE → PERCEIVE → DECIDE → ACT → CHECKPOINT, with
// CHECKPOINT looping back to DECIDE or ending. DECIDE can end directly
// (guard veto or oracle end signal) without an act step, and ACT can end
// directly on a mid-run quota rejection. Any working state may fall into
// ERROR; terminal states go nowhere.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[State][]State{
			StateIdle:       {StatePerceive},
			StatePerceive:   {StateDecide, StateEnded, StateError},
			StateDecide:     {StateAct, StateEnded, StateError},
			StateAct:        {StateCheckpoint, StateEnded, StateError},
			StateCheckpoint: {StateDecide, StateEnded, StateError},
			StateEnded:      {},
			StateError:      {},
		},
	}
}

// CanTransition reports whether from → to is allowed.
func (m *StateMachine) CanTransition(from, to State) bool {
	for _, allowed := range m.transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the new state.
//
// Outputs:
//
//	State - to, when the transition is legal.
//	error - ErrInvalidTransition (wrapped with both states) otherwise.
func (m *StateMachine) Transition(from, to State) (State, error) {
	if !m.CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
