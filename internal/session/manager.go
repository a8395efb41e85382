// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package session

import (
	"context"
	"sync"
	"time"

	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/metrics"
)

// Config holds session lifecycle timing.
type Config struct {
	// Timeout is the inactivity duration after which a session expires.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// WarningWindow is how long before expiry the warning fires. Must be
	// shorter than Timeout.
	WarningWindow time.Duration `koanf:"warning_window" validate:"gt=0,ltfield=Timeout"`

	// HeartbeatInterval is the server liveness probe cadence.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
}

// DefaultConfig returns the default session timing.
func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Minute,
		WarningWindow:     2 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Heartbeat probes server-side session liveness. Probe failures are
// advisory: they are logged and counted but never change the lifecycle
// phase. Only the inactivity timers expire a session.
type Heartbeat interface {
	Ping(ctx context.Context) error
}

// Callbacks are the lifecycle notifications for one manager. Either may
// be nil.
type Callbacks struct {
	// OnWarning fires once per approach to expiry, with the time
	// remaining until the session expires.
	OnWarning func(remaining time.Duration)

	// OnTimeout fires once, after all internal teardown has completed.
	OnTimeout func()
}

// Manager drives the session lifecycle for one session instance (one
// tab, one device). It owns the timers and the heartbeat loop; all
// transition decisions go through the Reduce function.
type Manager struct {
	sessionID string
	policy    Policy
	config    Config
	store     SharedActivityStore
	heartbeat Heartbeat

	mu          sync.Mutex
	state       State
	callbacks   Callbacks
	warnTimer   *time.Timer
	expireTimer *time.Timer
	hbSuspended bool
	hbStop      chan struct{}
	hbStopOnce  sync.Once
	started     bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates a lifecycle manager for a session. The manager is
// inert until Start is called.
func NewManager(sessionID string, cfg Config, store SharedActivityStore, heartbeat Heartbeat, callbacks Callbacks) *Manager {
	return &Manager{
		sessionID: sessionID,
		policy:    Policy{Timeout: cfg.Timeout, WarningWindow: cfg.WarningWindow},
		config:    cfg,
		store:     store,
		heartbeat: heartbeat,
		callbacks: callbacks,
		hbStop:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start records the initial activity, arms the timers, and starts the
// heartbeat loop. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.state.Phase == PhaseExpired {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.heartbeat != nil {
		go m.heartbeatLoop()
	}
	m.dispatch(Event{Kind: EventActivity, At: m.now()})
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// RecordActivity reports user input. In the warned phase this returns
// the session to active and cancels the pending expiry.
func (m *Manager) RecordActivity() {
	m.dispatch(Event{Kind: EventActivity, At: m.now()})
}

// Extend explicitly continues the session, typically from the warning
// prompt. Identical to activity: full timers from now.
func (m *Manager) Extend() {
	m.dispatch(Event{Kind: EventActivity, At: m.now()})
}

// MarkHidden reports the instance going to the background. Local timers
// stop and the heartbeat is suspended; whether the session expired while
// hidden is decided by the shared-activity check on MarkVisible.
func (m *Manager) MarkHidden() {
	m.dispatch(Event{Kind: EventHidden})
}

// MarkVisible reports the instance returning to the foreground. The
// shared activity record is consulted: if another instance kept the
// session alive the timers restart from that activity; if the whole
// session has been idle past the timeout, the session expires here.
func (m *Manager) MarkVisible(ctx context.Context) {
	event := Event{Kind: EventVisible, At: m.now()}

	shared, ok, err := m.store.Get(ctx, m.sessionID)
	if err != nil {
		logging.Warn().Err(err).Str("session_id", m.sessionID).
			Msg("Failed to read shared activity, falling back to local state")
	} else if ok {
		event.SharedActivity = shared
	}

	m.dispatch(event)
}

// Destroy tears the session down without invoking the timeout callback.
// Safe to call more than once, and safe to call after expiry.
func (m *Manager) Destroy() {
	m.dispatch(Event{Kind: EventDestroy})
}

// dispatch runs one event through the reducer and executes the effects.
// Callbacks are invoked after the lock is released so they may call back
// into the manager.
func (m *Manager) dispatch(event Event) {
	m.mu.Lock()

	next, effects := Reduce(m.state, event, m.policy)
	m.state = next

	var fireWarning, fireTimeout bool
	for _, effect := range effects {
		switch effect {
		case EffectReschedule:
			m.rescheduleLocked()
		case EffectRecordShared:
			m.setSharedLocked(next.LastActivity)
		case EffectStopTimers:
			m.stopTimersLocked()
		case EffectStopHeartbeat:
			m.stopHeartbeat()
		case EffectSuspendHeartbeat:
			m.hbSuspended = true
		case EffectResumeHeartbeat:
			m.hbSuspended = false
		case EffectClearShared:
			m.clearSharedLocked()
		case EffectClearListeners:
			// Callbacks captured below fire at most once; later events
			// find nothing to invoke.
		case EffectFireWarning:
			fireWarning = true
		case EffectFireTimeout:
			fireTimeout = true
		}
	}

	callbacks := m.callbacks
	remaining := m.policy.Timeout - m.now().Sub(next.LastActivity)
	if fireTimeout {
		m.callbacks = Callbacks{}
	}
	m.mu.Unlock()

	if fireWarning {
		metrics.SessionsWarned.Inc()
		logging.Debug().Str("session_id", m.sessionID).
			Dur("remaining", remaining).
			Msg("Session approaching inactivity timeout")
		if callbacks.OnWarning != nil {
			callbacks.OnWarning(remaining)
		}
	}
	if fireTimeout {
		metrics.SessionsExpired.Inc()
		logging.Info().Str("session_id", m.sessionID).
			Msg("Session expired after inactivity")
		if callbacks.OnTimeout != nil {
			callbacks.OnTimeout()
		}
	}
}

// rescheduleLocked restarts both timers from the current LastActivity.
func (m *Manager) rescheduleLocked() {
	m.stopTimersLocked()

	elapsed := m.now().Sub(m.state.LastActivity)
	warnIn := m.policy.Timeout - m.policy.WarningWindow - elapsed
	expireIn := m.policy.Timeout - elapsed
	if warnIn < 0 {
		warnIn = 0
	}
	if expireIn < 0 {
		expireIn = 0
	}

	m.warnTimer = time.AfterFunc(warnIn, func() {
		m.dispatch(Event{Kind: EventWarningTimer, At: m.now()})
	})
	m.expireTimer = time.AfterFunc(expireIn, func() {
		m.dispatch(Event{Kind: EventExpiryTimer, At: m.now()})
	})
}

// stopTimersLocked cancels both timers if armed.
func (m *Manager) stopTimersLocked() {
	if m.warnTimer != nil {
		m.warnTimer.Stop()
		m.warnTimer = nil
	}
	if m.expireTimer != nil {
		m.expireTimer.Stop()
		m.expireTimer = nil
	}
}

// setSharedLocked writes the activity record. Store failures are
// advisory; the local timers already carry the session.
func (m *Manager) setSharedLocked(last time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.Set(ctx, m.sessionID, last); err != nil {
		logging.Warn().Err(err).Str("session_id", m.sessionID).
			Msg("Failed to record shared activity")
	}
}

// clearSharedLocked removes the activity record on teardown.
func (m *Manager) clearSharedLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.Clear(ctx, m.sessionID); err != nil {
		logging.Warn().Err(err).Str("session_id", m.sessionID).
			Msg("Failed to clear shared activity")
	}
}

// stopHeartbeat stops the heartbeat loop. Idempotent.
func (m *Manager) stopHeartbeat() {
	m.hbStopOnce.Do(func() {
		close(m.hbStop)
	})
}

// heartbeatLoop probes server liveness on a fixed cadence while the
// instance is visible.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.hbStop:
			return
		case <-ticker.C:
			m.mu.Lock()
			skip := m.hbSuspended || m.state.Phase == PhaseExpired
			m.mu.Unlock()
			if skip {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.heartbeat.Ping(ctx); err != nil {
				metrics.HeartbeatFailures.Inc()
				logging.Warn().Err(err).Str("session_id", m.sessionID).
					Msg("Session heartbeat failed")
			}
			cancel()
		}
	}
}
