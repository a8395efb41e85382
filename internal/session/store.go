// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package session

import (
	"context"
	"sync"
	"time"
)

// SharedActivityStore is the cross-instance activity record for one
// session. Every tab (or node) of a session writes its activity here
// and reads it back when resuming from hidden, so all instances agree
// on when the session last saw input.
type SharedActivityStore interface {
	// Get returns the last recorded activity time. ok is false when no
	// record exists.
	Get(ctx context.Context, sessionID string) (last time.Time, ok bool, err error)

	// Set records an activity timestamp.
	Set(ctx context.Context, sessionID string, last time.Time) error

	// Clear removes the record. Clearing an absent record is not an
	// error.
	Clear(ctx context.Context, sessionID string) error
}

// MemoryActivityStore is an in-process SharedActivityStore. All
// managers holding the same instance share activity, which is how
// multiple tabs of one session are modeled in tests.
type MemoryActivityStore struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryActivityStore creates an in-memory activity store.
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{last: make(map[string]time.Time)}
}

// Get returns the recorded activity time for a session.
func (s *MemoryActivityStore) Get(ctx context.Context, sessionID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.last[sessionID]
	return last, ok, nil
}

// Set records an activity timestamp.
func (s *MemoryActivityStore) Set(ctx context.Context, sessionID string, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[sessionID] = last
	return nil
}

// Clear removes the record for a session.
func (s *MemoryActivityStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, sessionID)
	return nil
}
