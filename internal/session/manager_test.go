// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fastConfig compresses the lifecycle for tests. Assertions leave wide
// margins around the deadlines to stay robust on slow runners.
func fastConfig() Config {
	return Config{
		Timeout:           300 * time.Millisecond,
		WarningWindow:     150 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}
}

// setupManager creates a started manager with counting callbacks.
func setupManager(t *testing.T, store SharedActivityStore) (*Manager, *atomic.Int32, *atomic.Int32) {
	t.Helper()

	var warned, expired atomic.Int32
	m := NewManager("sess-1", fastConfig(), store, nil, Callbacks{
		OnWarning: func(time.Duration) { warned.Add(1) },
		OnTimeout: func() { expired.Add(1) },
	})
	m.Start()
	t.Cleanup(m.Destroy)
	return m, &warned, &expired
}

func TestWarningThenExpiry(t *testing.T) {
	m, warned, expired := setupManager(t, NewMemoryActivityStore())

	// Before the warning deadline nothing has fired.
	time.Sleep(50 * time.Millisecond)
	if warned.Load() != 0 || expired.Load() != 0 {
		t.Fatalf("warned=%d expired=%d before deadline, want 0/0", warned.Load(), expired.Load())
	}

	// Past the warning deadline but before expiry.
	time.Sleep(150 * time.Millisecond)
	if warned.Load() != 1 {
		t.Fatalf("warned=%d after warning deadline, want exactly 1", warned.Load())
	}
	if expired.Load() != 0 {
		t.Fatalf("expired=%d before expiry deadline, want 0", expired.Load())
	}
	if m.Phase() != PhaseWarned {
		t.Fatalf("phase = %s, want warned", m.Phase())
	}

	// Past expiry.
	time.Sleep(200 * time.Millisecond)
	if expired.Load() != 1 {
		t.Fatalf("expired=%d after expiry deadline, want exactly 1", expired.Load())
	}
	if m.Phase() != PhaseExpired {
		t.Fatalf("phase = %s, want expired", m.Phase())
	}
	if warned.Load() != 1 {
		t.Fatalf("warned=%d at end, want exactly 1", warned.Load())
	}
}

func TestActivityReschedulesDeadlines(t *testing.T) {
	m, warned, _ := setupManager(t, NewMemoryActivityStore())

	// Keep touching the session before each warning deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(100 * time.Millisecond)
		m.RecordActivity()
	}

	if warned.Load() != 0 {
		t.Errorf("warned=%d with continuous activity, want 0", warned.Load())
	}
	if m.Phase() != PhaseActive {
		t.Errorf("phase = %s, want active", m.Phase())
	}
}

func TestExtendFromWarning(t *testing.T) {
	m, warned, expired := setupManager(t, NewMemoryActivityStore())

	time.Sleep(200 * time.Millisecond)
	if m.Phase() != PhaseWarned {
		t.Fatalf("phase = %s, want warned before extend", m.Phase())
	}

	m.Extend()
	if m.Phase() != PhaseActive {
		t.Fatalf("phase = %s after extend, want active", m.Phase())
	}

	// The old expiry deadline passes without effect.
	time.Sleep(150 * time.Millisecond)
	if expired.Load() != 0 {
		t.Errorf("expired=%d after extend, want 0 (old deadline must be cancelled)", expired.Load())
	}

	// A fresh warning cycle runs from the extend.
	time.Sleep(100 * time.Millisecond)
	if warned.Load() != 2 {
		t.Errorf("warned=%d, want 2 (one per approach to expiry)", warned.Load())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	store := NewMemoryActivityStore()
	m, _, expired := setupManager(t, store)

	m.Destroy()
	m.Destroy()

	if m.Phase() != PhaseExpired {
		t.Fatalf("phase = %s after destroy, want expired", m.Phase())
	}
	if expired.Load() != 0 {
		t.Errorf("expired=%d, want 0 (logout must not fire the timeout callback)", expired.Load())
	}

	// Shared record is cleared on teardown.
	if _, ok, _ := store.Get(context.Background(), "sess-1"); ok {
		t.Error("shared activity record survived destroy")
	}

	// No timers fire after destroy.
	time.Sleep(400 * time.Millisecond)
	if expired.Load() != 0 {
		t.Errorf("expired=%d after destroy, want 0", expired.Load())
	}
}

func TestCrossTabResumeStaysActive(t *testing.T) {
	store := NewMemoryActivityStore()

	// Tab A keeps the session alive; tab B goes hidden immediately.
	tabA, _, _ := setupManager(t, store)
	tabB, _, expiredB := setupManager(t, store)
	tabB.MarkHidden()

	// A's activity lands in the shared store while B sleeps past its own
	// local deadline.
	time.Sleep(250 * time.Millisecond)
	tabA.RecordActivity()
	time.Sleep(150 * time.Millisecond)

	tabB.MarkVisible(context.Background())
	if tabB.Phase() != PhaseActive {
		t.Fatalf("tab B phase = %s after resume, want active (tab A kept the session alive)", tabB.Phase())
	}
	if expiredB.Load() != 0 {
		t.Errorf("tab B expired=%d, want 0", expiredB.Load())
	}
}

func TestCrossTabResumePastTimeoutExpires(t *testing.T) {
	store := NewMemoryActivityStore()

	tabB, _, expiredB := setupManager(t, store)
	tabB.MarkHidden()

	// Nothing touches the session; the whole timeout elapses.
	time.Sleep(400 * time.Millisecond)

	tabB.MarkVisible(context.Background())
	if tabB.Phase() != PhaseExpired {
		t.Fatalf("tab B phase = %s after idle resume, want expired", tabB.Phase())
	}
	if expiredB.Load() != 1 {
		t.Errorf("tab B expired=%d, want 1", expiredB.Load())
	}
}

// flakyHeartbeat fails every probe.
type flakyHeartbeat struct {
	pings atomic.Int32
}

func (h *flakyHeartbeat) Ping(ctx context.Context) error {
	h.pings.Add(1)
	return errors.New("gateway unreachable")
}

func TestHeartbeatFailuresDoNotExpireSession(t *testing.T) {
	hb := &flakyHeartbeat{}
	m := NewManager("sess-hb", fastConfig(), NewMemoryActivityStore(), hb, Callbacks{})
	m.Start()
	t.Cleanup(m.Destroy)

	// Let several failing probes happen while activity keeps flowing.
	for i := 0; i < 3; i++ {
		time.Sleep(100 * time.Millisecond)
		m.RecordActivity()
	}

	if hb.pings.Load() == 0 {
		t.Fatal("heartbeat never probed")
	}
	if m.Phase() != PhaseActive {
		t.Errorf("phase = %s with failing heartbeat, want active (probes are advisory)", m.Phase())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	m, _, _ := setupManager(t, NewMemoryActivityStore())
	m.Start()
	if m.Phase() != PhaseActive {
		t.Errorf("phase = %s, want active", m.Phase())
	}
}
