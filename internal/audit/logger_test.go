// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupLogger creates a logger backed by a memory store and registers
// cleanup. Close drains the buffer, so tests can assert synchronously
// after closing.
func setupLogger(t *testing.T) (*Logger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logger := NewLogger(store, StaticResolver{Info: ClientInfo{IPAddress: "10.0.0.1", Agent: "test-agent"}}, DefaultConfig())
	t.Cleanup(func() {
		//nolint:errcheck // Close never fails for the memory store
		logger.Close()
	})
	return logger, store
}

func TestLogAssignsIdentityAndTimestamp(t *testing.T) {
	logger, store := setupLogger(t)
	ctx := context.Background()

	logger.Log(ctx, Input{
		ActorID:   "user-1",
		TenantID:  "clinic-1",
		Action:    "view_record",
		Resource:  "patients",
		RiskLevel: RiskMedium,
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := store.Query(ctx, QueryFilter{TenantID: "clinic-1"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	r := records[0]
	if r.ID == "" {
		t.Error("record ID not assigned")
	}
	if r.Timestamp.IsZero() {
		t.Error("record timestamp not assigned")
	}
	if r.IPAddress != "10.0.0.1" || r.ClientAgent != "test-agent" {
		t.Errorf("client identity = %s/%s, want 10.0.0.1/test-agent", r.IPAddress, r.ClientAgent)
	}
}

func TestLogDecisionRiskLevels(t *testing.T) {
	tests := []struct {
		name           string
		decision       string
		sensitiveGrant bool
		want           RiskLevel
	}{
		{"grant", ActionGranted, false, RiskMedium},
		{"sensitive grant", ActionGranted, true, RiskLow},
		{"role denial", ActionRoleDenied, false, RiskHigh},
		{"permission denial", ActionPermissionDenied, false, RiskHigh},
		{"sensitive denial", ActionSensitiveFeatureDenied, false, RiskHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, store := setupLogger(t)
			ctx := context.Background()

			logger.LogDecision(ctx, "user-1", "clinic-1", tt.decision, "financial", tt.sensitiveGrant)
			if err := logger.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			records, err := store.Query(ctx, QueryFilter{})
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("got %d records, want exactly 1 per evaluation", len(records))
			}
			if records[0].RiskLevel != tt.want {
				t.Errorf("risk level = %s, want %s", records[0].RiskLevel, tt.want)
			}
			if records[0].Action != tt.decision {
				t.Errorf("action = %s, want %s", records[0].Action, tt.decision)
			}
		})
	}
}

// failingStore always rejects appends.
type failingStore struct {
	MemoryStore
}

func (s *failingStore) Append(ctx context.Context, record *Record) error {
	return errors.New("store unavailable")
}

func TestStoreFailureNeverPropagates(t *testing.T) {
	logger := NewLogger(&failingStore{}, StaticResolver{}, DefaultConfig())

	// Log must not panic or block; the record is dropped with a local
	// diagnostic only.
	logger.Log(context.Background(), Input{ActorID: "u", TenantID: "t", Action: "x", Resource: "y", RiskLevel: RiskLow})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestUnknownClientFallback(t *testing.T) {
	store2 := NewMemoryStore()
	logger2 := NewLogger(store2, ContextResolver{}, DefaultConfig())

	// Context without client info resolves to "unknown".
	logger2.Log(context.Background(), Input{ActorID: "u", TenantID: "t", Action: "a", Resource: "r", RiskLevel: RiskLow})
	if err := logger2.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := store2.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].IPAddress != "unknown" || records[0].ClientAgent != "unknown" {
		t.Errorf("client identity = %s/%s, want unknown/unknown", records[0].IPAddress, records[0].ClientAgent)
	}
}

func TestContextResolverReadsRequestInfo(t *testing.T) {
	ctx := WithClientInfo(context.Background(), ClientInfo{IPAddress: "192.168.1.5", Agent: "mobile-app"})

	info := (ContextResolver{}).Resolve(ctx)
	if info.IPAddress != "192.168.1.5" || info.Agent != "mobile-app" {
		t.Errorf("Resolve() = %+v, want request info", info)
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Enabled = false
	logger := NewLogger(store, StaticResolver{}, cfg)

	logger.Log(context.Background(), Input{ActorID: "u", TenantID: "t", Action: "a", Resource: "r", RiskLevel: RiskLow})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	count, err := store.Count(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("disabled logger wrote %d records, want 0", count)
	}
}

func TestMemoryStoreFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []Record{
		{ID: "1", ActorID: "a1", TenantID: "t1", Action: "granted", Resource: "patients", RiskLevel: RiskMedium, Timestamp: now.Add(-3 * time.Hour)},
		{ID: "2", ActorID: "a2", TenantID: "t1", Action: "permission_denied", Resource: "financial", RiskLevel: RiskHigh, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "3", ActorID: "a1", TenantID: "t2", Action: "granted", Resource: "financial", RiskLevel: RiskMedium, Timestamp: now.Add(-1 * time.Hour)},
	}
	for i := range seed {
		if err := store.Append(ctx, &seed[i]); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	t.Run("tenant filter", func(t *testing.T) {
		records, err := store.Query(ctx, QueryFilter{TenantID: "t1"})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(records) != 2 {
			t.Errorf("got %d records, want 2", len(records))
		}
	})

	t.Run("risk filter", func(t *testing.T) {
		count, err := store.Count(ctx, QueryFilter{RiskLevels: []RiskLevel{RiskHigh}})
		if err != nil {
			t.Fatalf("Count() error = %v", err)
		}
		if count != 1 {
			t.Errorf("got %d high-risk records, want 1", count)
		}
	})

	t.Run("newest first", func(t *testing.T) {
		records, err := store.Query(ctx, QueryFilter{})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(records) != 3 || records[0].ID != "3" {
			t.Errorf("expected newest-first ordering, got %v", records)
		}
	})

	t.Run("purge", func(t *testing.T) {
		purged, err := store.Purge(ctx, now.Add(-90*time.Minute))
		if err != nil {
			t.Fatalf("Purge() error = %v", err)
		}
		if purged != 2 {
			t.Errorf("purged %d records, want 2", purged)
		}
	})
}
