// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store, used in tests and
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append persists a record.
func (s *MemoryStore) Append(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

// Query retrieves records matching the filter, newest first.
func (s *MemoryStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Record
	for _, r := range s.records {
		if matches(r, filter) {
			matched = append(matched, r)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Count returns the number of records matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, r := range s.records {
		if matches(r, filter) {
			count++
		}
	}
	return count, nil
}

// Purge removes records older than the cutoff.
func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var purged int64
	for _, r := range s.records {
		if r.Timestamp.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

// matches checks a record against a filter.
func matches(r Record, filter QueryFilter) bool {
	if filter.TenantID != "" && r.TenantID != filter.TenantID {
		return false
	}
	if filter.ActorID != "" && r.ActorID != filter.ActorID {
		return false
	}
	if filter.Resource != "" && r.Resource != filter.Resource {
		return false
	}
	if filter.Action != "" && r.Action != filter.Action {
		return false
	}
	if len(filter.RiskLevels) > 0 {
		found := false
		for _, level := range filter.RiskLevels {
			if r.RiskLevel == level {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.StartTime != nil && r.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && r.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}
