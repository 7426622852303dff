// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists run-state snapshots so an interrupted session
// can resume from its last completed step.
//
// Checkpoints are append-only per session with a monotonically increasing
// sequence number; resume always loads the highest sequence. Keys are
// tenant-first, so no lookup can cross tenants.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrCorruptSnapshot marks a stored snapshot that can no longer be decoded.
// Unrecoverable: the session cannot resume from it.
var ErrCorruptSnapshot = errors.New("corrupt checkpoint snapshot")

// Checkpoint is one saved snapshot.
type Checkpoint struct {
	TenantID  string          `json:"tenant_id"`
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Snapshot  json.RawMessage `json:"snapshot"`
	SavedAt   time.Time       `json:"saved_at"`
}

// Store saves and loads session snapshots.
//
// Thread Safety: implementations must be safe for concurrent use; Save for
// the same session must hand out strictly increasing sequence numbers.
type Store interface {
	// Save appends a snapshot and returns its sequence number (starting
	// at 1).
	Save(ctx context.Context, tenantID, sessionID string, snapshot json.RawMessage) (uint64, error)

	// LoadLatest returns the highest-sequence checkpoint for a session,
	// or nil when the session has none. Returns ErrCorruptSnapshot when
	// the stored bytes are not valid JSON.
	LoadLatest(ctx context.Context, tenantID, sessionID string) (*Checkpoint, error)
}

// checkpointPrefix scopes keys tenant-first:
// checkpoint/<tenant>/<session>/<seq>.
func checkpointPrefix(tenantID, sessionID string) []byte {
	return []byte("checkpoint/" + tenantID + "/" + sessionID + "/")
}

// seqKey appends a fixed-width sequence so keys sort numerically.
func seqKey(tenantID, sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("checkpoint/%s/%s/%020d", tenantID, sessionID, seq))
}

// BadgerStore persists checkpoints in BadgerDB.
//
// Thread Safety: BadgerStore is safe for concurrent use. Save serializes
// per store instance to keep sequences strictly increasing.
type BadgerStore struct {
	db *badger.DB

	// saveMu orders concurrent Saves; the read-latest-then-append pair
	// must not interleave.
	saveMu sync.Mutex
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerStore{db: db}, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, tenantID, sessionID string, snapshot json.RawMessage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tenantID == "" || sessionID == "" {
		return 0, errors.New("tenantID and sessionID must not be empty")
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	latest, err := s.latestSequence(tenantID, sessionID)
	if err != nil {
		return 0, err
	}
	seq := latest + 1

	cp := Checkpoint{
		TenantID:  tenantID,
		SessionID: sessionID,
		Sequence:  seq,
		Snapshot:  snapshot,
		SavedAt:   time.Now().UTC(),
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(seqKey(tenantID, sessionID, seq), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("save checkpoint %s/%s/%d: %w", tenantID, sessionID, seq, err)
	}
	return seq, nil
}

// LoadLatest implements Store.
func (s *BadgerStore) LoadLatest(ctx context.Context, tenantID, sessionID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := checkpointPrefix(tenantID, sessionID)
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration: seek just past the prefix, first valid key
		// is the highest sequence.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			raw = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", tenantID, sessionID, err)
	}
	if raw == nil {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrCorruptSnapshot, tenantID, sessionID, err)
	}
	if !json.Valid(cp.Snapshot) {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrCorruptSnapshot, tenantID, sessionID, cp.Sequence)
	}
	return &cp, nil
}

// latestSequence reads the current highest sequence, zero when none.
func (s *BadgerStore) latestSequence(tenantID, sessionID string) (uint64, error) {
	var latest uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := checkpointPrefix(tenantID, sessionID)
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		seq, err := strconv.ParseUint(string(key[len(prefix):]), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed checkpoint key %q: %w", key, err)
		}
		latest = seq
		return nil
	})
	return latest, err
}

// MemoryStore is an in-memory Store for tests and local mode.
//
// Thread Safety: MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Checkpoint // keyed by tenant + "/" + session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Checkpoint)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, tenantID, sessionID string, snapshot json.RawMessage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tenantID == "" || sessionID == "" {
		return 0, errors.New("tenantID and sessionID must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + "/" + sessionID
	seq := uint64(len(m.sessions[key])) + 1
	m.sessions[key] = append(m.sessions[key], Checkpoint{
		TenantID:  tenantID,
		SessionID: sessionID,
		Sequence:  seq,
		Snapshot:  append(json.RawMessage{}, snapshot...),
		SavedAt:   time.Now().UTC(),
	})
	return seq, nil
}

// LoadLatest implements Store.
func (m *MemoryStore) LoadLatest(ctx context.Context, tenantID, sessionID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.sessions[tenantID+"/"+sessionID]
	if len(cps) == 0 {
		return nil, nil
	}
	cp := cps[len(cps)-1]
	if !json.Valid(cp.Snapshot) {
		return nil, fmt.Errorf("%w: %s/%s/%d", ErrCorruptSnapshot, tenantID, sessionID, cp.Sequence)
	}
	return &cp, nil
}

// Count returns the number of checkpoints for a session. Test helper.
func (m *MemoryStore) Count(tenantID, sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[tenantID+"/"+sessionID])
}
