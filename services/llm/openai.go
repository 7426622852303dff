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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nova-hq/nova/services/tools"
)

const systemPrompt = `You are a task-workspace agent. Decide the single next
step toward the goal. Respond with one JSON object and nothing else:
{"tool": "<name>", "parameters": {...}} to act, or
{"end": true, "reason": "<why>"} when the goal is complete.`

const clarifyPrompt = `Your previous reply was not a single valid JSON
decision object. Reply again with exactly one JSON object in the required
shape and no surrounding text.`

// OpenAIOracle implements Oracle over the OpenAI chat completions API.
//
// Thread Safety: OpenAIOracle is safe for concurrent use.
type OpenAIOracle struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewOpenAIOracle creates an oracle.
//
// Inputs:
//
//	client - Configured OpenAI client. Must not be nil.
//	model - Chat model name. Empty uses gpt-4o-mini.
//
// Outputs:
//
//	*OpenAIOracle - The oracle.
//	error - Non-nil if client is nil.
func NewOpenAIOracle(client *openai.Client, model string, logger *slog.Logger) (*OpenAIOracle, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIOracle{
		client:      client,
		model:       model,
		temperature: 0.2,
		logger:      logger,
	}, nil
}

// Decide implements Oracle.
//
// Description:
//
//	Renders the request into a chat exchange and decodes the reply into a
//	Decision. An undecodable reply triggers exactly one clarifying
//	re-prompt; if that also fails, ErrReasoningParse is returned with the
//	accumulated token cost so the caller can still account for it.
func (o *OpenAIOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	messages := o.buildMessages(req)

	var tokens int64
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.model,
			Temperature: o.temperature,
			Messages:    messages,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return Decision{TokensUsed: tokens}, fmt.Errorf("chat completion: %w", err)
		}
		tokens += int64(resp.Usage.TotalTokens)

		if len(resp.Choices) == 0 {
			return Decision{TokensUsed: tokens}, fmt.Errorf("%w: empty completion", ErrReasoningParse)
		}
		content := resp.Choices[0].Message.Content

		decision, err := parseDecision(content)
		if err == nil {
			decision.TokensUsed = tokens
			return decision, nil
		}

		o.logger.Warn("Oracle reply failed to parse",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: clarifyPrompt},
		)
	}

	return Decision{TokensUsed: tokens}, ErrReasoningParse
}

// buildMessages renders goal, context, and transcript into chat messages.
func (o *OpenAIOracle) buildMessages(req Request) []openai.ChatCompletionMessage {
	var user strings.Builder
	user.WriteString("Goal: ")
	user.WriteString(req.Goal)
	user.WriteString("\n\nAvailable tools: ")
	user.WriteString(strings.Join(req.Catalog, ", "))

	user.WriteString("\n\nRelevant tasks:\n")
	for _, hit := range req.Context.Tasks {
		fmt.Fprintf(&user, "- [%s] %s\n", hit.Chunk.SourceID, hit.Chunk.Text)
	}
	user.WriteString("\nRelevant routines:\n")
	for _, hit := range req.Context.Routines {
		fmt.Fprintf(&user, "- [%s] %s\n", hit.Chunk.SourceID, hit.Chunk.Text)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: user.String()},
	}
	for _, ex := range req.Transcript {
		role := openai.ChatMessageRoleUser
		if ex.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: ex.Content})
	}
	return messages
}

// rawDecision is the wire shape the oracle must produce.
type rawDecision struct {
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	End        bool                   `json:"end"`
	Reason     string                 `json:"reason"`
}

// parseDecision decodes one reply. The reply must be a single JSON object
// that is either an action or an end signal, never both or neither.
func parseDecision(content string) (Decision, error) {
	trimmed := strings.TrimSpace(content)
	// Tolerate fenced replies; some models wrap JSON despite instructions.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var raw rawDecision
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}

	switch {
	case raw.End && raw.Tool != "":
		return Decision{}, errors.New("decision has both action and end")
	case raw.End:
		return Decision{End: true, Reason: raw.Reason}, nil
	case raw.Tool != "":
		return Decision{Action: &tools.Action{Tool: raw.Tool, Parameters: raw.Parameters}}, nil
	default:
		return Decision{}, errors.New("decision has neither action nor end")
	}
}
