// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace defines the contract for the external task-workspace
// service that owns a tenant's tasks and routines.
//
// The agent only needs four operations: list tasks, list routines, create a
// task, and update a task. Every listed item carries its last-edited time so
// the retrieval sync can detect stale index entries. Implementations talk to
// the real workspace provider; the in-memory fake in this package backs
// tests and local mode.
//
// Thread Safety: implementations must be safe for concurrent use across
// sessions of the same tenant.
package workspace

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrItemNotFound is returned when a referenced task or routine does not exist.
var ErrItemNotFound = errors.New("workspace item not found")

// ItemKind distinguishes the two indexable item types.
type ItemKind string

const (
	// KindTask is an actionable work item.
	KindTask ItemKind = "task"

	// KindRoutine is a recurring time-block definition.
	KindRoutine ItemKind = "routine"
)

// Item is a workspace task or routine in the normalized form the agent
// consumes. Provider-specific fields are flattened into Fields.
type Item struct {
	// ID is the provider's opaque identifier.
	ID string `json:"id"`

	// Kind is task or routine.
	Kind ItemKind `json:"kind"`

	// Title is the human-readable title or routine name.
	Title string `json:"title"`

	// Body is the free-text content used for indexing (status, priority,
	// due date, notes rendered as text).
	Body string `json:"body"`

	// Fields carries structured properties (status, priority, due_date...).
	Fields map[string]string `json:"fields,omitempty"`

	// Parent is the containing collection (the tasks or routines
	// database). Indexed chunks carry it for traceability.
	Parent string `json:"parent,omitempty"`

	// LastEditedAt is the provider's last-modified timestamp. Drives
	// incremental index sync.
	LastEditedAt time.Time `json:"last_edited_at"`
}

// SortedFieldKeys returns the field names in stable order, so text rendered
// from an item is deterministic.
func SortedFieldKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TaskDraft contains the properties for a new task.
type TaskDraft struct {
	Title  string            `json:"title"`
	Fields map[string]string `json:"fields,omitempty"`
	Notes  string            `json:"notes,omitempty"`
}

// Client is the task-workspace access contract.
//
// All methods are scoped to a single tenant; a Client instance is
// constructed per tenant with that tenant's credentials.
type Client interface {
	// ListTasks returns all tasks with their last-edited timestamps.
	ListTasks(ctx context.Context) ([]Item, error)

	// ListRoutines returns all routines with their last-edited timestamps.
	ListRoutines(ctx context.Context) ([]Item, error)

	// CreateTask creates a task and returns its new ID.
	CreateTask(ctx context.Context, draft TaskDraft) (string, error)

	// UpdateTask applies property updates to an existing task.
	// Returns ErrItemNotFound if the task does not exist.
	UpdateTask(ctx context.Context, taskID string, fields map[string]string) error
}

// FakeClient is an in-memory Client for tests and local mode.
//
// Thread Safety: FakeClient is safe for concurrent use.
type FakeClient struct {
	mu       sync.RWMutex
	tasks    map[string]Item
	routines map[string]Item
	nextID   int

	// CreateCalls and UpdateCalls count side-effecting invocations so
	// tests can assert at-most-once semantics.
	CreateCalls int
	UpdateCalls int

	// ListErr, when set, is returned by both list methods.
	ListErr error
}

// NewFakeClient creates an empty fake workspace.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		tasks:    make(map[string]Item),
		routines: make(map[string]Item),
	}
}

// Seed inserts an item directly, bypassing call counters.
func (f *FakeClient) Seed(item Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch item.Kind {
	case KindRoutine:
		f.routines[item.ID] = item
	default:
		f.tasks[item.ID] = item
	}
}

// Remove deletes an item, simulating upstream deletion.
func (f *FakeClient) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	delete(f.routines, id)
}

// ListTasks implements Client.
func (f *FakeClient) ListTasks(ctx context.Context) ([]Item, error) {
	return f.list(ctx, f.tasks)
}

// ListRoutines implements Client.
func (f *FakeClient) ListRoutines(ctx context.Context) ([]Item, error) {
	return f.list(ctx, f.routines)
}

func (f *FakeClient) list(ctx context.Context, m map[string]Item) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	items := make([]Item, 0, len(m))
	for _, it := range m {
		items = append(items, it)
	}
	return items, nil
}

// CreateTask implements Client.
func (f *FakeClient) CreateTask(ctx context.Context, draft TaskDraft) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	f.nextID++
	id := "task-" + strconv.Itoa(f.nextID)
	f.tasks[id] = Item{
		ID:           id,
		Kind:         KindTask,
		Title:        draft.Title,
		Body:         draft.Notes,
		Fields:       draft.Fields,
		LastEditedAt: time.Now().UTC(),
	}
	return id, nil
}

// UpdateTask implements Client.
func (f *FakeClient) UpdateTask(ctx context.Context, taskID string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UpdateCalls++
	item, ok := f.tasks[taskID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Fields == nil {
		item.Fields = make(map[string]string)
	}
	for k, v := range fields {
		item.Fields[k] = v
	}
	item.LastEditedAt = time.Now().UTC()
	f.tasks[taskID] = item
	return nil
}

