// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefix for activity records in BadgerDB.
const activityKeyPrefix = "session_activity:"

// BadgerActivityStore implements SharedActivityStore using BadgerDB for
// durable storage. Suitable for production use where session state must
// survive restarts.
type BadgerActivityStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerActivityStore creates a BadgerDB-backed activity store.
// Records carry a TTL so abandoned sessions disappear on their own; the
// TTL should comfortably exceed the inactivity timeout.
func NewBadgerActivityStore(db *badger.DB, ttl time.Duration) *BadgerActivityStore {
	return &BadgerActivityStore{db: db, ttl: ttl}
}

// Get returns the recorded activity time for a session.
func (s *BadgerActivityStore) Get(ctx context.Context, sessionID string) (time.Time, bool, error) {
	var last time.Time
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activityKeyPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get activity record: %w", err)
		}

		return item.Value(func(val []byte) error {
			parsed, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return fmt.Errorf("parse activity record: %w", err)
			}
			last = parsed
			found = true
			return nil
		})
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return last, found, nil
}

// Set records an activity timestamp.
func (s *BadgerActivityStore) Set(ctx context.Context, sessionID string, last time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(activityKeyPrefix + sessionID)
		value := []byte(last.UTC().Format(time.RFC3339Nano))

		entry := badger.NewEntry(key, value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("set activity record: %w", err)
		}
		return nil
	})
}

// Clear removes the record for a session.
func (s *BadgerActivityStore) Clear(ctx context.Context, sessionID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(activityKeyPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
