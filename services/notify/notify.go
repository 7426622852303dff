// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify defines the notification transport contract consumed by the
// notify tool handler. Delivery (email, push, webhook) lives behind Sender;
// the agent core only ever sees a delivery result.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Priority is the delivery priority of a message.
type Priority string

const (
	// PriorityLow is for digest-style messages.
	PriorityLow Priority = "low"

	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"

	// PriorityHigh is for messages that should interrupt the user.
	PriorityHigh Priority = "high"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	default:
		return false
	}
}

// Message is one notification to deliver.
type Message struct {
	// Subject is the short summary line.
	Subject string `json:"subject"`

	// Body is the message text.
	Body string `json:"body"`

	// Priority defaults to PriorityNormal when empty.
	Priority Priority `json:"priority,omitempty"`
}

// Delivery reports the outcome of a send.
type Delivery struct {
	// Accepted indicates the transport accepted the message.
	Accepted bool `json:"accepted"`

	// ProviderID is the transport's message identifier, when available.
	ProviderID string `json:"provider_id,omitempty"`
}

// Sender delivers notifications for one tenant.
//
// Thread Safety: implementations must be safe for concurrent use.
type Sender interface {
	// Send delivers a message. A non-nil error means the transport
	// failed; a Delivery with Accepted=false means the transport
	// rejected the message.
	Send(ctx context.Context, msg Message) (Delivery, error)
}

// LogSender logs messages instead of delivering them. Used in local mode
// and as the default when no transport is configured.
//
// Thread Safety: LogSender is safe for concurrent use.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default().
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, msg Message) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	s.logger.Info("notification",
		slog.String("subject", msg.Subject),
		slog.String("priority", string(msg.Priority)),
		slog.Int("body_len", len(msg.Body)),
	)
	return Delivery{Accepted: true}, nil
}

// FakeSender records sent messages for test assertions.
//
// Thread Safety: FakeSender is safe for concurrent use.
type FakeSender struct {
	mu   sync.Mutex
	sent []Message

	// Err, when set, is returned by Send.
	Err error
}

// NewFakeSender creates an empty FakeSender.
func NewFakeSender() *FakeSender {
	return &FakeSender{}
}

// Send implements Sender.
func (f *FakeSender) Send(ctx context.Context, msg Message) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return Delivery{}, f.Err
	}
	f.sent = append(f.sent, msg)
	return Delivery{Accepted: true}, nil
}

// Sent returns a copy of all recorded messages.
func (f *FakeSender) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}
