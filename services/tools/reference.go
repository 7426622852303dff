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
	"strings"

	"github.com/nova-hq/nova/services/workspace"
)

// Reference identifies a workspace item either by its opaque ID or by
// title. Exactly one of the two fields is set; Kind tells which.
type Reference struct {
	// ID is the provider identifier. Authoritative when set.
	ID string `json:"id,omitempty"`

	// Title is a human-readable name needing resolution.
	Title string `json:"title,omitempty"`
}

// Valid reports whether exactly one addressing mode is set.
func (r Reference) Valid() bool {
	return (r.ID != "") != (r.Title != "")
}

// resolveTask turns a Reference into a concrete task ID.
//
// Description:
//
//	ByID references pass through untouched. ByTitle references are
//	resolved by listing the tenant's tasks and requiring exactly one
//	case-insensitive title match; zero or several matches return
//	ErrAmbiguousReference rather than a guess.
func resolveTask(ctx context.Context, client workspace.Client, ref Reference) (string, error) {
	if !ref.Valid() {
		return "", fmt.Errorf("%w: exactly one of id or title required", ErrInvalidParameters)
	}
	if ref.ID != "" {
		return ref.ID, nil
	}

	items, err := client.ListTasks(ctx)
	if err != nil {
		return "", fmt.Errorf("list tasks for resolution: %w", err)
	}

	want := strings.ToLower(strings.TrimSpace(ref.Title))
	var matches []string
	for _, item := range items {
		if strings.ToLower(strings.TrimSpace(item.Title)) == want {
			matches = append(matches, item.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: no task titled %q", ErrAmbiguousReference, ref.Title)
	default:
		return "", fmt.Errorf("%w: %d tasks titled %q", ErrAmbiguousReference, len(matches), ref.Title)
	}
}
