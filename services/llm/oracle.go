// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the reasoning boundary: given the goal, retrieved context,
// and the transcript so far, an Oracle returns exactly one next action or
// an explicit end signal.
//
// The engine treats the oracle as untrusted output. Malformed responses are
// re-prompted once with a clarifying instruction; a second failure surfaces
// ErrReasoningParse and the engine falls back to a safe notify-and-end.
package llm

import (
	"context"
	"errors"

	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/tools"
)

// ErrReasoningParse is returned when the oracle's output cannot be decoded
// into a decision even after one clarifying retry.
var ErrReasoningParse = errors.New("unparseable reasoning output")

// Exchange is one transcript entry fed back to the oracle.
type Exchange struct {
	// Role is "assistant" for prior decisions, "tool" for results.
	Role string `json:"role"`

	// Content is the entry text (a decision summary or tool outcome).
	Content string `json:"content"`
}

// Request is everything the oracle sees for one decide step.
type Request struct {
	// Goal is the session objective.
	Goal string `json:"goal"`

	// Context is the retrieved workspace context.
	Context retrieval.ContextBundle `json:"context"`

	// Transcript is the trimmed window of prior exchanges, oldest first.
	Transcript []Exchange `json:"transcript"`

	// Catalog lists the tool names the oracle may choose from.
	Catalog []string `json:"catalog"`
}

// Decision is the oracle's verdict: exactly one of Action or End.
type Decision struct {
	// Action is the next tool invocation, nil when End is set.
	Action *tools.Action `json:"action,omitempty"`

	// End signals the oracle considers the goal complete.
	End bool `json:"end,omitempty"`

	// Reason accompanies End.
	Reason string `json:"reason,omitempty"`

	// TokensUsed is the total token cost of producing this decision,
	// reported to the quota gate.
	TokensUsed int64 `json:"tokens_used"`
}

// Oracle decides the next step of a session.
//
// Thread Safety: implementations must be safe for concurrent use across
// sessions.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}
