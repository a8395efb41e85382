// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package metrics exposes Prometheus collectors for the access-control,
// session, audit, and notification core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Authorization metrics

	// AuthzDecisionsTotal counts authorization decisions by role, resource,
	// action, and outcome.
	AuthzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"role", "resource", "action", "decision"},
	)

	// AuthzDeniedTotal specifically tracks denials for alerting.
	AuthzDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_denied_total",
			Help: "Total number of authorization denials (for alerting)",
		},
		[]string{"role", "resource", "action"},
	)

	// Audit metrics

	// AuditRecordsWritten counts audit records successfully appended.
	AuditRecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_written_total",
			Help: "Total number of audit records appended to the store",
		},
	)

	// AuditRecordsDropped counts audit records dropped on buffer overflow
	// or store failure. Audit is best-effort; this is the loss signal.
	AuditRecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_dropped_total",
			Help: "Total number of audit records dropped",
		},
	)

	// Session metrics

	// SessionsWarned counts inactivity warnings fired.
	SessionsWarned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_warned_total",
			Help: "Total number of session inactivity warnings fired",
		},
	)

	// SessionsExpired counts sessions expired by inactivity.
	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_expired_total",
			Help: "Total number of sessions expired by inactivity timeout",
		},
	)

	// HeartbeatFailures counts swallowed heartbeat transport failures.
	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_heartbeat_failures_total",
			Help: "Total number of heartbeat transport failures (swallowed)",
		},
	)

	// Notification metrics

	// NotificationsCreated counts notifications persisted, by priority.
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total number of notifications created",
		},
		[]string{"priority"},
	)

	// NotificationSends counts channel send attempts by channel and outcome.
	NotificationSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_sends_total",
			Help: "Total number of channel send attempts",
		},
		[]string{"channel", "outcome"},
	)

	// FeedFanoutDuration tracks change-feed fan-out latency per event.
	FeedFanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notification_feed_fanout_duration_seconds",
			Help:    "Duration of change-feed fan-out to subscribers",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// FeedSubscribers gauges the current subscriber callback count.
	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_feed_subscribers",
			Help: "Current number of registered change-feed subscribers",
		},
	)
)

// RecordAuthzDecision records one authorization decision.
func RecordAuthzDecision(role, resource, action string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	AuthzDecisionsTotal.WithLabelValues(role, resource, action, decision).Inc()
	if !allowed {
		AuthzDeniedTotal.WithLabelValues(role, resource, action).Inc()
	}
}

// RecordNotificationSend records one channel send attempt.
func RecordNotificationSend(channel string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	NotificationSends.WithLabelValues(channel, outcome).Inc()
}

// ObserveFanout records the duration of one change-feed fan-out.
func ObserveFanout(start time.Time) {
	FeedFanoutDuration.Observe(time.Since(start).Seconds())
}
