// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"

	"github.com/nova-hq/nova/services/notify"
	"github.com/nova-hq/nova/services/retrieval"
	"github.com/nova-hq/nova/services/workspace"
)

// SearchTasksParams are the arguments of search_tasks.
type SearchTasksParams struct {
	// Query is the relevance query. Empty falls back to the retriever's
	// default query.
	Query string `json:"query"`

	// K caps results. Non-positive uses the retriever default.
	K int `json:"k" validate:"gte=0,lte=50"`
}

// GetRoutinesParams are the arguments of get_routines.
type GetRoutinesParams struct {
	Query string `json:"query"`
	K     int    `json:"k" validate:"gte=0,lte=50"`
}

// CreateTaskParams are the arguments of create_task.
type CreateTaskParams struct {
	Title  string            `json:"title" validate:"required,max=500"`
	Fields map[string]string `json:"fields"`
	Notes  string            `json:"notes"`
}

// UpdateTaskParams are the arguments of update_task.
type UpdateTaskParams struct {
	Ref    Reference         `json:"ref"`
	Fields map[string]string `json:"fields" validate:"required,min=1"`
}

// NotifyParams are the arguments of notify.
type NotifyParams struct {
	Subject  string `json:"subject"`
	Message  string `json:"message" validate:"required"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high"`
}

// EndParams are the arguments of end.
type EndParams struct {
	Reason string `json:"reason"`
}

// HandlerSet builds the catalog's handlers for one tenant's dependencies.
//
// A HandlerSet is constructed per tenant: the workspace client and sender
// it closes over already carry that tenant's scope.
type HandlerSet struct {
	TenantID  string
	Workspace workspace.Client
	Retriever *retrieval.Retriever
	Sender    notify.Sender
}

// Handlers returns the catalog name-to-handler map.
func (h HandlerSet) Handlers() map[string]Handler {
	return map[string]Handler{
		ToolSearchTasks: h.searchTasks,
		ToolGetRoutines: h.getRoutines,
		ToolCreateTask:  h.createTask,
		ToolUpdateTask:  h.updateTask,
		ToolNotify:      h.notify,
		ToolEnd:         h.end,
	}
}

func (h HandlerSet) searchTasks(ctx context.Context, action Action) (Result, error) {
	var params SearchTasksParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}

	hits, err := h.Retriever.Search(ctx, h.TenantID, params.Query, workspace.KindTask, params.K)
	if err != nil {
		return Result{}, fmt.Errorf("search tasks: %w", err)
	}
	return Result{
		Tool:    ToolSearchTasks,
		Payload: hits,
		Summary: fmt.Sprintf("found %d task chunks", len(hits)),
	}, nil
}

func (h HandlerSet) getRoutines(ctx context.Context, action Action) (Result, error) {
	var params GetRoutinesParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}

	hits, err := h.Retriever.Search(ctx, h.TenantID, params.Query, workspace.KindRoutine, params.K)
	if err != nil {
		return Result{}, fmt.Errorf("get routines: %w", err)
	}
	return Result{
		Tool:    ToolGetRoutines,
		Payload: hits,
		Summary: fmt.Sprintf("found %d routine chunks", len(hits)),
	}, nil
}

func (h HandlerSet) createTask(ctx context.Context, action Action) (Result, error) {
	var params CreateTaskParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}

	id, err := h.Workspace.CreateTask(ctx, workspace.TaskDraft{
		Title:  params.Title,
		Fields: params.Fields,
		Notes:  params.Notes,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create task: %w", err)
	}
	return Result{
		Tool:    ToolCreateTask,
		Payload: map[string]string{"task_id": id},
		Summary: fmt.Sprintf("created task %q (%s)", params.Title, id),
	}, nil
}

func (h HandlerSet) updateTask(ctx context.Context, action Action) (Result, error) {
	var params UpdateTaskParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}

	taskID, err := resolveTask(ctx, h.Workspace, params.Ref)
	if err != nil {
		return Result{}, err
	}
	if err := h.Workspace.UpdateTask(ctx, taskID, params.Fields); err != nil {
		return Result{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	return Result{
		Tool:    ToolUpdateTask,
		Payload: map[string]string{"task_id": taskID},
		Summary: fmt.Sprintf("updated task %s", taskID),
	}, nil
}

func (h HandlerSet) notify(ctx context.Context, action Action) (Result, error) {
	var params NotifyParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}

	priority := notify.Priority(params.Priority)
	if params.Priority == "" {
		priority = notify.PriorityNormal
	}
	delivery, err := h.Sender.Send(ctx, notify.Message{
		Subject:  params.Subject,
		Body:     params.Message,
		Priority: priority,
	})
	if err != nil {
		return Result{}, fmt.Errorf("send notification: %w", err)
	}
	return Result{
		Tool:     ToolNotify,
		Payload:  delivery,
		Summary:  "notification sent",
		Terminal: true,
	}, nil
}

func (h HandlerSet) end(ctx context.Context, action Action) (Result, error) {
	var params EndParams
	if err := decodeParams(action.Parameters, &params); err != nil {
		return Result{}, err
	}
	summary := "session ended"
	if params.Reason != "" {
		summary = "session ended: " + params.Reason
	}
	return Result{
		Tool:     ToolEnd,
		Summary:  summary,
		Terminal: true,
	}, nil
}
