// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package notify implements tenant-scoped notifications: durable
// storage, multi-channel dispatch, query/filter, and real-time fan-out
// to subscribed viewers through a change feed.
package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Priority orders notifications for display and alerting.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Channel is a delivery channel. In-app is implicit: it is served by
// the read model, not a separate send step.
type Channel string

const (
	ChannelInApp Channel = "in-app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ActionKind classifies a notification action button.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionInvoke   ActionKind = "invoke-endpoint"
	ActionDismiss  ActionKind = "dismiss"
)

// Action is a button attached to a notification. Immutable once
// attached.
type Action struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Style  string     `json:"style,omitempty"`
}

// Notification is one notification record. RecipientID empty means
// tenant broadcast: visible to every member of the tenant.
type Notification struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId" validate:"required"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Kind           string          `json:"kind" validate:"required"`
	Title          string          `json:"title" validate:"required"`
	Message        string          `json:"message" validate:"required"`
	StructuredData json.RawMessage `json:"structuredData,omitempty"`
	Priority       Priority        `json:"priority" validate:"required,oneof=low medium high urgent"`
	Category       string          `json:"category,omitempty"`
	Channels       []Channel       `json:"channels" validate:"dive,oneof=in-app email sms push"`
	IsRead         bool            `json:"isRead"`
	IsArchived     bool            `json:"isArchived"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty"`
	ScheduledFor   *time.Time      `json:"scheduledFor,omitempty"`
	DispatchedAt   *time.Time      `json:"dispatchedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Actions        []Action        `json:"actions,omitempty"`
}

// VisibleTo reports whether a record may be served to the given
// recipient in the given tenant at the given instant. This is the
// single scoping rule: tenant match, recipient-specific or broadcast,
// and not expired. Expired records are excluded from every read.
func (n *Notification) VisibleTo(tenantID, recipientID string, now time.Time) bool {
	if n.TenantID != tenantID {
		return false
	}
	if n.RecipientID != "" && n.RecipientID != recipientID {
		return false
	}
	if n.ExpiresAt != nil && n.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// ListOptions controls list queries.
type ListOptions struct {
	Limit           int
	IncludeRead     bool
	IncludeArchived bool
	Category        string
}

// DefaultListLimit caps list results when no limit is given.
const DefaultListLimit = 50

// ChangeOp tags a change-feed event.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent is one row-level change emitted by the backing store.
// Consumers must re-apply their own tenant and recipient scoping; the
// feed is not pre-filtered.
type ChangeEvent struct {
	Op    ChangeOp     `json:"op"`
	Table string       `json:"table"`
	Row   Notification `json:"row"`
}

// notificationsTable is the table name carried on change events.
const notificationsTable = "notifications"

// Store is the durable backing store for notifications. Every mutation
// publishes a change event after the write succeeds.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	Get(ctx context.Context, tenantID, id string) (*Notification, error)
	List(ctx context.Context, tenantID string, match func(*Notification) bool) ([]Notification, error)
	Update(ctx context.Context, n *Notification) error
	Delete(ctx context.Context, tenantID, id string) error

	// ListDue returns records whose scheduled time has arrived and that
	// have not been dispatched yet, across all tenants.
	ListDue(ctx context.Context, now time.Time) ([]Notification, error)
}
