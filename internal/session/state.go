// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package session implements the inactivity lifecycle for authenticated
// sessions: Active → Warned → Expired, with cross-tab reconciliation
// through a shared activity store.
//
// The state machine is a pure reducer over (state, event) pairs; all
// timer and heartbeat side effects live in the Manager shell. This keeps
// the transition rules unit-testable without real time.
package session

import "time"

// Phase is the lifecycle phase of a session instance.
type Phase int

const (
	// PhaseActive is the normal running phase.
	PhaseActive Phase = iota

	// PhaseWarned means the warning callback has fired and expiry is
	// imminent unless activity arrives.
	PhaseWarned

	// PhaseExpired is terminal. A new instance must be constructed to
	// start a new session.
	PhaseExpired
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseWarned:
		return "warned"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// State is the reducer state for one session instance.
type State struct {
	Phase        Phase
	LastActivity time.Time
	Hidden       bool
}

// Policy holds the timing configuration. These are configuration, not
// protocol: the reducer only assumes WarningWindow < Timeout.
type Policy struct {
	Timeout       time.Duration
	WarningWindow time.Duration
}

// EventKind tags a lifecycle event.
type EventKind int

const (
	// EventActivity is a user input event (pointer, key, scroll, touch)
	// or an explicit Extend.
	EventActivity EventKind = iota

	// EventWarningTimer fires at timeout − warningWindow of inactivity.
	EventWarningTimer

	// EventExpiryTimer fires at timeout of inactivity.
	EventExpiryTimer

	// EventHidden reports the browsing context going hidden.
	EventHidden

	// EventVisible reports the browsing context becoming visible again.
	// SharedActivity carries the cross-tab last-activity value.
	EventVisible

	// EventDestroy is explicit teardown (logout).
	EventDestroy
)

// Event is one input to the reducer.
type Event struct {
	Kind EventKind

	// At is the event time.
	At time.Time

	// SharedActivity is the shared-store activity timestamp, consulted
	// on EventVisible. Zero means no shared record exists.
	SharedActivity time.Time
}

// Effect instructs the shell to perform one side effect. Effects are
// emitted in execution order; the teardown order on expiry is fixed:
// stop timers, clear the shared key, clear listeners, invoke callback.
type Effect int

const (
	// EffectReschedule restarts the warning and expiry timers from
	// State.LastActivity.
	EffectReschedule Effect = iota

	// EffectRecordShared writes State.LastActivity to the shared store.
	EffectRecordShared

	// EffectFireWarning invokes the warning callback.
	EffectFireWarning

	// EffectStopTimers cancels both timers.
	EffectStopTimers

	// EffectStopHeartbeat stops the heartbeat loop.
	EffectStopHeartbeat

	// EffectSuspendHeartbeat pauses heartbeats while hidden.
	EffectSuspendHeartbeat

	// EffectResumeHeartbeat resumes heartbeats on visibility.
	EffectResumeHeartbeat

	// EffectClearShared removes the shared-store activity record.
	EffectClearShared

	// EffectClearListeners detaches activity listeners.
	EffectClearListeners

	// EffectFireTimeout invokes the timeout callback. Always last.
	EffectFireTimeout
)

// expireEffects is the fixed teardown sequence for inactivity expiry.
var expireEffects = []Effect{
	EffectStopTimers,
	EffectStopHeartbeat,
	EffectClearShared,
	EffectClearListeners,
	EffectFireTimeout,
}

// destroyEffects is the teardown sequence for explicit logout. No
// timeout callback: credentials are already being cleared by the caller.
var destroyEffects = []Effect{
	EffectStopTimers,
	EffectStopHeartbeat,
	EffectClearShared,
	EffectClearListeners,
}

// Reduce applies one event to the state and returns the next state plus
// the effects the shell must execute. Expired is terminal: every event
// after it is a no-op, which makes Destroy and late timer fires
// idempotent by construction.
func Reduce(state State, event Event, policy Policy) (State, []Effect) {
	if state.Phase == PhaseExpired {
		return state, nil
	}

	switch event.Kind {
	case EventActivity:
		// A later activity event never leaves an earlier, shorter
		// deadline in effect: the reschedule effect always restarts
		// both timers from the new timestamp.
		state.Phase = PhaseActive
		state.LastActivity = event.At
		return state, []Effect{EffectRecordShared, EffectReschedule}

	case EventWarningTimer:
		if state.Phase != PhaseActive || state.Hidden {
			return state, nil
		}
		state.Phase = PhaseWarned
		return state, []Effect{EffectFireWarning}

	case EventExpiryTimer:
		if state.Hidden {
			return state, nil
		}
		state.Phase = PhaseExpired
		return state, expireEffects

	case EventHidden:
		// A hidden instance must not expire the session on its own:
		// another tab may still be active. Local timers stop and the
		// shared record is consulted on resume.
		state.Hidden = true
		return state, []Effect{EffectStopTimers, EffectSuspendHeartbeat}

	case EventVisible:
		state.Hidden = false
		shared := event.SharedActivity
		if shared.IsZero() {
			shared = state.LastActivity
		}
		// Inclusive comparison: exactly at the timeout boundary the
		// session expires.
		if event.At.Sub(shared) >= policy.Timeout {
			state.Phase = PhaseExpired
			return state, expireEffects
		}
		// Reconcile to the shared value so all tabs of one session
		// expire together.
		state.Phase = PhaseActive
		state.LastActivity = shared
		return state, []Effect{EffectResumeHeartbeat, EffectReschedule}

	case EventDestroy:
		state.Phase = PhaseExpired
		return state, destroyEffects

	default:
		return state, nil
	}
}
