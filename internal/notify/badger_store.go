// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/clinovia/clinovia/internal/logging"
)

// Key layout: notification:<tenant_id>:<id>. The tenant id in the key
// makes tenant-scoped listing a prefix scan and keeps cross-tenant
// reads structurally impossible at the storage layer. The manager still
// re-checks scoping at the call boundary.
const notificationKeyPrefix = "notification:"

// BadgerStore implements Store using BadgerDB for durable storage.
type BadgerStore struct {
	db   *badger.DB
	feed *Feed
}

// NewBadgerStore creates a BadgerDB-backed notification store. feed may
// be nil when no change propagation is needed.
func NewBadgerStore(db *badger.DB, feed *Feed) *BadgerStore {
	return &BadgerStore{db: db, feed: feed}
}

func notificationKey(tenantID, id string) []byte {
	return []byte(notificationKeyPrefix + tenantID + ":" + id)
}

func tenantPrefix(tenantID string) []byte {
	return []byte(notificationKeyPrefix + tenantID + ":")
}

// emit publishes a change event. Feed failures are logged, not
// propagated: the write already succeeded.
func (s *BadgerStore) emit(op ChangeOp, n *Notification) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ChangeEvent{Op: op, Table: notificationsTable, Row: *n}); err != nil {
		logging.Warn().Err(err).Str("notification_id", n.ID).Msg("Failed to publish change event")
	}
}

// Insert persists a new record.
func (s *BadgerStore) Insert(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(notificationKey(n.TenantID, n.ID), data)
	})
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	s.emit(ChangeInsert, n)
	return nil
}

// Get retrieves one record within a tenant.
func (s *BadgerStore) Get(ctx context.Context, tenantID, id string) (*Notification, error) {
	var n Notification

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(notificationKey(tenantID, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get notification: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		})
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// List returns all of a tenant's records matching the predicate.
func (s *BadgerStore) List(ctx context.Context, tenantID string, match func(*Notification) bool) ([]Notification, error) {
	var out []Notification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := tenantPrefix(tenantID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var n Notification
				if err := json.Unmarshal(val, &n); err != nil {
					return fmt.Errorf("unmarshal notification: %w", err)
				}
				if match == nil || match(&n) {
					out = append(out, n)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update overwrites an existing record.
func (s *BadgerStore) Update(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := notificationKey(n.TenantID, n.ID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("get notification: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}

	s.emit(ChangeUpdate, n)
	return nil
}

// Delete removes a record.
func (s *BadgerStore) Delete(ctx context.Context, tenantID, id string) error {
	var n Notification

	err := s.db.Update(func(txn *badger.Txn) error {
		key := notificationKey(tenantID, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get notification: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}

	s.emit(ChangeDelete, &n)
	return nil
}

// ListDue returns scheduled records whose time has arrived, across all
// tenants.
func (s *BadgerStore) ListDue(ctx context.Context, now time.Time) ([]Notification, error) {
	var due []Notification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(notificationKeyPrefix)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var n Notification
				if err := json.Unmarshal(val, &n); err != nil {
					return fmt.Errorf("unmarshal notification: %w", err)
				}
				if n.ScheduledFor != nil && !n.ScheduledFor.After(now) && n.DispatchedAt == nil {
					due = append(due, n)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}
