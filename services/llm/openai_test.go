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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionAction(t *testing.T) {
	d, err := parseDecision(`{"tool":"create_task","parameters":{"title":"Pay rent"}}`)
	require.NoError(t, err)
	require.NotNil(t, d.Action)
	assert.Equal(t, "create_task", d.Action.Tool)
	assert.Equal(t, "Pay rent", d.Action.Parameters["title"])
	assert.False(t, d.End)
}

func TestParseDecisionEnd(t *testing.T) {
	d, err := parseDecision(`{"end":true,"reason":"all done"}`)
	require.NoError(t, err)
	assert.Nil(t, d.Action)
	assert.True(t, d.End)
	assert.Equal(t, "all done", d.Reason)
}

func TestParseDecisionFencedJSON(t *testing.T) {
	d, err := parseDecision("```json\n{\"tool\":\"end\",\"parameters\":{}}\n```")
	require.NoError(t, err)
	require.NotNil(t, d.Action)
	assert.Equal(t, "end", d.Action.Tool)
}

func TestParseDecisionRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"prose":     "I think we should create a task.",
		"both":      `{"tool":"end","end":true}`,
		"neither":   `{"parameters":{}}`,
		"truncated": `{"tool":"notify"`,
		"empty":     "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseDecision(content)
			assert.Error(t, err)
		})
	}
}

func TestScriptedOracleRepeatsFinalStep(t *testing.T) {
	oracle := NewScriptedOracle(
		ScriptStep{Decision: Decision{End: true, Reason: "done"}},
	)
	for i := 0; i < 3; i++ {
		d, err := oracle.Decide(context.Background(), Request{Goal: "g"})
		require.NoError(t, err)
		assert.True(t, d.End)
	}
	assert.Equal(t, 3, oracle.Calls())
}
