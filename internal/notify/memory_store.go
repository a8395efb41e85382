// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clinovia/clinovia/internal/logging"
)

// ErrNotFound is returned when a notification does not exist in the
// caller's tenant.
var ErrNotFound = errors.New("notification not found")

// MemoryStore is an in-memory Store, used in tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Notification
	feed    *Feed
}

// NewMemoryStore creates an in-memory notification store. feed may be
// nil when no change propagation is needed.
func NewMemoryStore(feed *Feed) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Notification),
		feed:    feed,
	}
}

// emit publishes a change event. Feed failures are logged, not
// propagated: the write already succeeded.
func (s *MemoryStore) emit(op ChangeOp, n *Notification) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ChangeEvent{Op: op, Table: notificationsTable, Row: *n}); err != nil {
		logging.Warn().Err(err).Str("notification_id", n.ID).Msg("Failed to publish change event")
	}
}

// Insert persists a new record.
func (s *MemoryStore) Insert(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	tenant, ok := s.records[n.TenantID]
	if !ok {
		tenant = make(map[string]Notification)
		s.records[n.TenantID] = tenant
	}
	tenant[n.ID] = *n
	s.mu.Unlock()

	s.emit(ChangeInsert, n)
	return nil
}

// Get retrieves one record within a tenant.
func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.records[tenantID][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

// List returns all of a tenant's records matching the predicate.
func (s *MemoryStore) List(ctx context.Context, tenantID string, match func(*Notification) bool) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Notification
	for _, n := range s.records[tenantID] {
		n := n
		if match == nil || match(&n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Update overwrites an existing record.
func (s *MemoryStore) Update(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	tenant, ok := s.records[n.TenantID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if _, ok := tenant[n.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	tenant[n.ID] = *n
	s.mu.Unlock()

	s.emit(ChangeUpdate, n)
	return nil
}

// Delete removes a record.
func (s *MemoryStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	n, ok := s.records[tenantID][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records[tenantID], id)
	s.mu.Unlock()

	s.emit(ChangeDelete, &n)
	return nil
}

// ListDue returns scheduled records whose time has arrived, across all
// tenants.
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Notification
	for _, tenant := range s.records {
		for _, n := range tenant {
			if n.ScheduledFor != nil && !n.ScheduledFor.After(now) && n.DispatchedAt == nil {
				due = append(due, n)
			}
		}
	}
	return due, nil
}
