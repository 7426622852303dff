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
	"github.com/nova-hq/nova/services/tools"
)

// Policy holds every loop-guard threshold. One policy governs all guard
// rules; there are deliberately no other limits hiding elsewhere.
type Policy struct {
	// MaxIterations caps completed act steps per session.
	MaxIterations int

	// RepeatThreshold is how many identical consecutive actions trigger
	// a veto. The action about to run counts as one of them.
	RepeatThreshold int

	// CostlyToolBudget caps costly-tool dispatches per session.
	CostlyToolBudget int

	// MessageWindow bounds the transcript fed to the oracle.
	MessageWindow int
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxIterations:    5,
		RepeatThreshold:  3,
		CostlyToolBudget: 3,
		MessageWindow:    12,
	}
}

// normalize fills non-positive fields from the defaults.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.MaxIterations <= 0 {
		p.MaxIterations = def.MaxIterations
	}
	if p.RepeatThreshold <= 0 {
		p.RepeatThreshold = def.RepeatThreshold
	}
	if p.CostlyToolBudget <= 0 {
		p.CostlyToolBudget = def.CostlyToolBudget
	}
	if p.MessageWindow <= 0 {
		p.MessageWindow = def.MessageWindow
	}
	return p
}

// GuardInput is everything the guard may look at. It is assembled from the
// run state just before an act step.
type GuardInput struct {
	// LoopCount is completed act steps so far.
	LoopCount int

	// RecentActions are dispatched action fingerprints, oldest first.
	RecentActions []string

	// CostlyCalls is costly-tool dispatches so far.
	CostlyCalls int

	// Next is the action about to be dispatched.
	Next *tools.Action
}

// Verdict is the guard's decision.
type Verdict struct {
	// Allow is false on a veto.
	Allow bool

	// Reason names the tripped rule on a veto, empty otherwise.
	Reason string
}

// Evaluate applies the guard rules in fixed order.
//
// Description:
//
//	Pure function: no clocks, no I/O, no shared state. Rules fire in
//	order (iteration cap, then repeated action, then costly-tool budget)
//	and the first hit wins, so a state violating several rules always
//	reports the same reason.
//
// Outputs:
//
//	Verdict - Allow=false with the rule's reason on a veto.
func Evaluate(p Policy, in GuardInput) Verdict {
	p = p.normalize()

	if in.LoopCount >= p.MaxIterations {
		return Verdict{Reason: ReasonLoopLimit}
	}

	if in.Next != nil && p.RepeatThreshold > 1 {
		next := actionFingerprint(in.Next)
		// The pending action plus the last RepeatThreshold-1 dispatched
		// ones must all match to trip.
		need := p.RepeatThreshold - 1
		if len(in.RecentActions) >= need {
			same := true
			for _, fp := range in.RecentActions[len(in.RecentActions)-need:] {
				if fp != next {
					same = false
					break
				}
			}
			if same {
				return Verdict{Reason: ReasonRepeated}
			}
		}
	}

	if in.Next != nil && tools.Costly(in.Next.Tool) && in.CostlyCalls >= p.CostlyToolBudget {
		return Verdict{Reason: ReasonToolBudget}
	}

	return Verdict{Allow: true}
}
