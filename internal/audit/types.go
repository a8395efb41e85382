// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package audit provides the append-only trail of access decisions and
// data operations. Records are written once and never mutated or deleted
// by this subsystem; ordering is timestamp order, not linearizable.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// RiskLevel classifies a record for security review. Denials are high:
// they are the actionable signal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision actions recorded by the authorization guard.
const (
	ActionGranted                = "granted"
	ActionRoleDenied             = "role_denied"
	ActionPermissionDenied       = "permission_denied"
	ActionSensitiveFeatureDenied = "sensitive_feature_denied"
)

// Record is one append-only audit entry.
type Record struct {
	// ID is a unique identifier assigned at log time.
	ID string `json:"id"`

	// ActorID is the user or system actor that performed the action.
	ActorID string `json:"actor_id"`

	// TenantID scopes the record to a clinic.
	TenantID string `json:"tenant_id"`

	// Action describes what was done (e.g. "granted", "view_record").
	Action string `json:"action"`

	// Resource is the resource tag the action applied to.
	Resource string `json:"resource"`

	// ResourceID identifies a specific record when applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Details is an opaque structured payload.
	Details json.RawMessage `json:"details,omitempty"`

	// IPAddress is the client's network origin ("unknown" when the
	// resolver fails).
	IPAddress string `json:"ip_address"`

	// ClientAgent is the client agent string.
	ClientAgent string `json:"client_agent"`

	// Timestamp is when the event occurred (best-effort clock).
	Timestamp time.Time `json:"timestamp"`

	// RiskLevel classifies the record.
	RiskLevel RiskLevel `json:"risk_level"`
}

// Input is the caller-supplied portion of a record. ID, timestamp, and
// client identity are filled in by the logger.
type Input struct {
	ActorID    string
	TenantID   string
	Action     string
	Resource   string
	ResourceID string
	Details    json.RawMessage
	RiskLevel  RiskLevel
}

// Store defines the interface for audit persistence. Append-only: there
// is no update, and Purge exists only for retention cleanup outside the
// audit contract itself.
type Store interface {
	// Append persists a record with a single write call.
	Append(ctx context.Context, record *Record) error

	// Query retrieves records matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// Purge removes records older than the cutoff and returns the count.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// QueryFilter defines filtering options for audit queries.
type QueryFilter struct {
	TenantID   string      `json:"tenant_id,omitempty"`
	ActorID    string      `json:"actor_id,omitempty"`
	Resource   string      `json:"resource,omitempty"`
	Action     string      `json:"action,omitempty"`
	RiskLevels []RiskLevel `json:"risk_levels,omitempty"`
	StartTime  *time.Time  `json:"start_time,omitempty"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
}

// DefaultQueryFilter returns a sensible default filter.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}

// ClientInfo is the resolved network identity of the caller.
type ClientInfo struct {
	IPAddress string
	Agent     string
}

// ClientResolver supplies the caller's network origin and agent string.
// Resolution is best-effort; implementations must not block the write.
type ClientResolver interface {
	Resolve(ctx context.Context) ClientInfo
}

// unknownClient is used whenever resolution fails.
var unknownClient = ClientInfo{IPAddress: "unknown", Agent: "unknown"}

// StaticResolver returns fixed client info; used for system actors and
// in tests.
type StaticResolver struct {
	Info ClientInfo
}

// Resolve returns the fixed info, defaulting empty fields to "unknown".
func (r StaticResolver) Resolve(ctx context.Context) ClientInfo {
	info := r.Info
	if info.IPAddress == "" {
		info.IPAddress = "unknown"
	}
	if info.Agent == "" {
		info.Agent = "unknown"
	}
	return info
}

// clientInfoKey carries per-request client info through context.
type contextKey string

const clientInfoKey contextKey = "audit_client_info"

// WithClientInfo returns a context carrying the request's client info.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey, info)
}

// ContextResolver resolves client info from the request context, falling
// back to "unknown" when absent.
type ContextResolver struct{}

// Resolve extracts client info stored by WithClientInfo.
func (ContextResolver) Resolve(ctx context.Context) ClientInfo {
	if ctx == nil {
		return unknownClient
	}
	if info, ok := ctx.Value(clientInfoKey).(ClientInfo); ok {
		if info.IPAddress == "" {
			info.IPAddress = "unknown"
		}
		if info.Agent == "" {
			info.Agent = "unknown"
		}
		return info
	}
	return unknownClient
}

// ClientInfoFromRequest builds ClientInfo from an HTTP request,
// preferring proxy-forwarded headers.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	ip := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip = xff
	} else if xri := r.Header.Get("X-Real-IP"); xri != "" {
		ip = xri
	}
	agent := r.UserAgent()
	if agent == "" {
		agent = "unknown"
	}
	return ClientInfo{IPAddress: ip, Agent: agent}
}
