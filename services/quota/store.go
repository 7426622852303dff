// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ledgerKey builds the store key. Tenant comes first so a tenant's history
// is one contiguous prefix scan and no key can span tenants.
func ledgerKey(tenantID, period string) []byte {
	return []byte("usage/" + tenantID + "/" + period)
}

func tenantPrefix(tenantID string) []byte {
	return []byte("usage/" + tenantID + "/")
}

// incrementRetries bounds optimistic transaction retries under write
// contention for the same tenant-period row.
const incrementRetries = 16

// BadgerStore persists ledgers in BadgerDB.
//
// Thread Safety: BadgerStore is safe for concurrent use; Increment retries
// on transaction conflict.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerStore{db: db}, nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, tenantID, period string) (Ledger, bool, error) {
	if err := ctx.Err(); err != nil {
		return Ledger{}, false, err
	}

	var ledger Ledger
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ledgerKey(tenantID, period))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ledger)
		})
	})
	if err != nil {
		return Ledger{}, false, fmt.Errorf("load ledger %s/%s: %w", tenantID, period, err)
	}
	return ledger, found, nil
}

// Increment implements Store.
func (s *BadgerStore) Increment(ctx context.Context, tenantID, period string, delta Usage, limits Limits) (Ledger, error) {
	var updated Ledger

	for attempt := 0; attempt < incrementRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Ledger{}, err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			key := ledgerKey(tenantID, period)
			ledger := Ledger{
				TenantID:      tenantID,
				Period:        period,
				RequestsLimit: limits.Requests,
				TokensLimit:   limits.Tokens,
			}

			item, err := txn.Get(key)
			if err == nil {
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &ledger)
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			ledger.RequestsUsed += delta.Requests
			ledger.TokensUsed += delta.Tokens
			ledger.UpdatedAt = time.Now().UTC()

			raw, err := json.Marshal(ledger)
			if err != nil {
				return err
			}
			if err := txn.Set(key, raw); err != nil {
				return err
			}
			updated = ledger
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Ledger{}, fmt.Errorf("increment ledger %s/%s: %w", tenantID, period, err)
		}
		return updated, nil
	}
	return Ledger{}, fmt.Errorf("increment ledger %s/%s: retries exhausted", tenantID, period)
}

// History implements Store.
func (s *BadgerStore) History(ctx context.Context, tenantID string) ([]Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ledgers []Ledger
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := tenantPrefix(tenantID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ledger Ledger
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ledger)
			}); err != nil {
				return err
			}
			ledgers = append(ledgers, ledger)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list ledger history for %s: %w", tenantID, err)
	}

	// Period keys sort lexicographically in chronological order, and the
	// prefix iterator already walks them sorted, but keep it explicit.
	sort.Slice(ledgers, func(i, j int) bool {
		return ledgers[i].Period < ledgers[j].Period
	})
	return ledgers, nil
}

// MemoryStore is an in-memory Store for tests and local mode.
//
// Thread Safety: MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]Ledger // keyed by tenant + "/" + period
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]Ledger)}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, tenantID, period string) (Ledger, bool, error) {
	if err := ctx.Err(); err != nil {
		return Ledger{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[tenantID+"/"+period]
	return ledger, ok, nil
}

// Increment implements Store.
func (m *MemoryStore) Increment(ctx context.Context, tenantID, period string, delta Usage, limits Limits) (Ledger, error) {
	if err := ctx.Err(); err != nil {
		return Ledger{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tenantID + "/" + period
	ledger, ok := m.ledgers[key]
	if !ok {
		ledger = Ledger{
			TenantID:      tenantID,
			Period:        period,
			RequestsLimit: limits.Requests,
			TokensLimit:   limits.Tokens,
		}
	}
	ledger.RequestsUsed += delta.Requests
	ledger.TokensUsed += delta.Tokens
	ledger.UpdatedAt = time.Now().UTC()
	m.ledgers[key] = ledger
	return ledger, nil
}

// History implements Store.
func (m *MemoryStore) History(ctx context.Context, tenantID string) ([]Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ledgers []Ledger
	prefix := tenantID + "/"
	for key, ledger := range m.ledgers {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ledgers = append(ledgers, ledger)
		}
	}
	sort.Slice(ledgers, func(i, j int) bool {
		return ledgers[i].Period < ledgers[j].Period
	})
	return ledgers, nil
}
