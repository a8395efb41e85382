// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/metrics"
)

// ErrForbidden is returned when a caller tries to mutate a record
// outside their own tenant/recipient pairing.
var ErrForbidden = errors.New("notification outside caller scope")

// Alerter is the interactive alert surface for newly inserted high and
// urgent notifications. Permission is requested exactly once; denial is
// a silent no-op.
type Alerter interface {
	RequestPermission(ctx context.Context) (bool, error)
	Alert(ctx context.Context, n *Notification) error
}

// subscription is one registered viewer callback. Multiple open tabs
// for the same recipient each hold their own subscription and receive
// independent callbacks.
type subscription struct {
	tenantID    string
	recipientID string
	onChange    func([]Notification)
}

// Manager implements notification creation, multi-channel dispatch,
// query/filter, and real-time fan-out.
type Manager struct {
	store    Store
	senders  map[Channel]Sender
	auditor  *audit.Logger
	alerter  Alerter
	cfg      Config
	validate *validator.Validate
	events   <-chan ChangeEvent

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64

	alertPermOnce sync.Once
	alertAllowed  bool
}

// NewManager creates a notification manager. The feed subscription is
// established here, before the constructor returns, so changes written
// right after construction queue up for Run instead of vanishing.
// auditor and alerter may be nil; senders may be empty, in which case
// only in-app delivery runs.
func NewManager(store Store, feed *Feed, senders []Sender, auditor *audit.Logger, alerter Alerter, cfg Config) (*Manager, error) {
	byChannel := make(map[Channel]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Name()] = s
	}

	// The subscription lives as long as the feed, not as long as one
	// Run invocation: a supervised restart of Run resumes the same
	// stream without a gap.
	events, err := feed.Subscribe(context.Background())
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}

	return &Manager{
		store:    store,
		senders:  byChannel,
		auditor:  auditor,
		alerter:  alerter,
		cfg:      cfg,
		validate: validator.New(),
		events:   events,
		subs:     make(map[uint64]*subscription),
	}, nil
}

// Create persists a notification and, unless it is scheduled for later,
// dispatches it to every listed channel. The create succeeds once the
// record is persisted; channel failures are logged per channel and do
// not fail the call.
func (m *Manager) Create(ctx context.Context, n *Notification) (*Notification, error) {
	if err := m.validate.Struct(n); err != nil {
		return nil, fmt.Errorf("invalid notification: %w", err)
	}

	now := time.Now().UTC()
	n.ID = uuid.NewString()
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.ExpiresAt == nil && m.cfg.DefaultExpiry > 0 {
		expires := now.Add(m.cfg.DefaultExpiry)
		n.ExpiresAt = &expires
	}

	if err := m.store.Insert(ctx, n); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Priority)).Inc()

	if n.ScheduledFor == nil || !n.ScheduledFor.After(now) {
		m.dispatch(ctx, n)
		if n.ScheduledFor != nil {
			m.markDispatched(ctx, n)
		}
	}
	return n, nil
}

// dispatch invokes the sender for every external channel listed on the
// notification. In-app is implicit. Each channel failure is caught and
// logged independently.
func (m *Manager) dispatch(ctx context.Context, n *Notification) {
	for _, ch := range n.Channels {
		if ch == ChannelInApp {
			continue
		}
		sender, ok := m.senders[ch]
		if !ok {
			logging.Debug().Str("channel", string(ch)).Str("notification_id", n.ID).
				Msg("No sender configured for channel")
			continue
		}
		err := sender.Send(ctx, n)
		metrics.RecordNotificationSend(string(ch), err)
		if err != nil {
			logging.Error().Err(err).Str("channel", string(ch)).Str("notification_id", n.ID).
				Msg("Channel send failed")
		}
	}
}

// markDispatched stamps a scheduled record so the scheduler does not
// re-send it. Best-effort: a failure here risks a duplicate send, not a
// lost one.
func (m *Manager) markDispatched(ctx context.Context, n *Notification) {
	now := time.Now().UTC()
	n.DispatchedAt = &now
	n.UpdatedAt = now
	if err := m.store.Update(ctx, n); err != nil {
		logging.Warn().Err(err).Str("notification_id", n.ID).
			Msg("Failed to stamp dispatch time")
	}
}

// List returns the recipient's visible notifications in the tenant:
// recipient-specific or tenant-broadcast, never expired, archived only
// on request, newest first, capped at the limit.
func (m *Manager) List(ctx context.Context, recipientID, tenantID string, opts ListOptions) ([]Notification, error) {
	now := time.Now().UTC()

	records, err := m.store.List(ctx, tenantID, func(n *Notification) bool {
		if !n.VisibleTo(tenantID, recipientID, now) {
			return false
		}
		if n.IsArchived && !opts.IncludeArchived {
			return false
		}
		if n.IsRead && !opts.IncludeRead {
			return false
		}
		if opts.Category != "" && n.Category != opts.Category {
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// UnreadCount returns the number of visible unread notifications.
func (m *Manager) UnreadCount(ctx context.Context, recipientID, tenantID string) (int, error) {
	records, err := m.List(ctx, recipientID, tenantID, ListOptions{
		IncludeRead:     false,
		IncludeArchived: false,
		Limit:           int(^uint(0) >> 1),
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// checkScope loads a record and verifies the caller may mutate it: it
// must belong to the caller's tenant and be either a broadcast or
// addressed to the caller. The scoping is re-checked here at the call
// boundary; storage-layer key layout is not trusted for it.
func (m *Manager) checkScope(ctx context.Context, tenantID, actorID, id string) (*Notification, error) {
	n, err := m.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if n.TenantID != tenantID {
		return nil, ErrForbidden
	}
	if n.RecipientID != "" && n.RecipientID != actorID {
		return nil, ErrForbidden
	}
	return n, nil
}

// MarkRead marks the given notifications read for the caller. Emits one
// low-risk audit record per call with the id count, regardless of how
// many were already read.
func (m *Manager) MarkRead(ctx context.Context, tenantID, actorID string, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		n, err := m.checkScope(ctx, tenantID, actorID, id)
		if err != nil {
			return err
		}
		n.IsRead = true
		n.UpdatedAt = now
		if err := m.store.Update(ctx, n); err != nil {
			return fmt.Errorf("mark read %s: %w", id, err)
		}
	}

	if m.auditor != nil {
		m.auditor.Log(ctx, audit.Input{
			ActorID:   actorID,
			TenantID:  tenantID,
			Action:    "notifications_marked_read",
			Resource:  "notifications",
			Details:   audit.MustJSON(map[string]int{"count": len(ids)}),
			RiskLevel: audit.RiskLow,
		})
	}
	return nil
}

// MarkArchived archives the given notifications for the caller.
func (m *Manager) MarkArchived(ctx context.Context, tenantID, actorID string, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		n, err := m.checkScope(ctx, tenantID, actorID, id)
		if err != nil {
			return err
		}
		n.IsArchived = true
		n.UpdatedAt = now
		if err := m.store.Update(ctx, n); err != nil {
			return fmt.Errorf("mark archived %s: %w", id, err)
		}
	}
	return nil
}

// Delete removes one notification the caller is scoped to.
func (m *Manager) Delete(ctx context.Context, tenantID, actorID, id string) error {
	if _, err := m.checkScope(ctx, tenantID, actorID, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, tenantID, id); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return nil
}

// Subscribe registers a viewer callback. The callback is invoked with
// the recipient's current visible list immediately, then again after
// every store change affecting them. The returned unsubscribe is
// idempotent.
func (m *Manager) Subscribe(ctx context.Context, recipientID, tenantID string, onChange func([]Notification)) (func(), error) {
	current, err := m.List(ctx, recipientID, tenantID, ListOptions{IncludeRead: true})
	if err != nil {
		return nil, err
	}

	sub := &subscription{tenantID: tenantID, recipientID: recipientID, onChange: onChange}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()
	metrics.FeedSubscribers.Inc()

	onChange(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			metrics.FeedSubscribers.Dec()
		})
	}, nil
}

// Run consumes the change feed and fans events out to subscribers.
// Suture-compatible: blocks until ctx is cancelled. The subscription
// itself was opened by NewManager, so events published before Run
// starts are waiting in the feed buffer rather than lost.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-m.events:
			if !ok {
				return nil
			}
			m.fanout(ctx, event)
		}
	}
}

// fanout re-filters one change event against every subscriber. The feed
// is not pre-scoped: events for other tenants are ignored per listener,
// and each affected listener gets its list re-queried rather than a
// patched row.
func (m *Manager) fanout(ctx context.Context, event ChangeEvent) {
	start := time.Now()
	now := start.UTC()

	m.mu.Lock()
	affected := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if event.Row.TenantID != sub.tenantID {
			continue
		}
		if event.Row.RecipientID != "" && event.Row.RecipientID != sub.recipientID {
			continue
		}
		affected = append(affected, sub)
	}
	m.mu.Unlock()

	alerted := make(map[string]bool)
	for _, sub := range affected {
		list, err := m.List(ctx, sub.recipientID, sub.tenantID, ListOptions{IncludeRead: true})
		if err != nil {
			logging.Error().Err(err).Str("tenant_id", sub.tenantID).Str("recipient_id", sub.recipientID).
				Msg("Failed to refresh subscriber list")
			continue
		}
		sub.onChange(list)

		if event.Op == ChangeInsert &&
			(event.Row.Priority == PriorityHigh || event.Row.Priority == PriorityUrgent) &&
			event.Row.VisibleTo(sub.tenantID, sub.recipientID, now) &&
			!alerted[sub.recipientID] {
			alerted[sub.recipientID] = true
			m.alert(ctx, &event.Row)
		}
	}
	metrics.ObserveFanout(start)
}

// alert pops the interactive alert surface for one high/urgent insert.
// Permission is requested exactly once per process; denial silences
// every later alert.
func (m *Manager) alert(ctx context.Context, n *Notification) {
	if m.alerter == nil {
		return
	}
	m.alertPermOnce.Do(func() {
		allowed, err := m.alerter.RequestPermission(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Alert permission request failed")
			return
		}
		m.alertAllowed = allowed
	})
	if !m.alertAllowed {
		return
	}
	if err := m.alerter.Alert(ctx, n); err != nil {
		logging.Warn().Err(err).Str("notification_id", n.ID).Msg("Interactive alert failed")
	}
}

// RunScheduler periodically dispatches scheduled notifications whose
// time has arrived. Suture-compatible: blocks until ctx is cancelled.
func (m *Manager) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.dispatchDue(ctx)
		}
	}
}

// dispatchDue sends every scheduled notification that has come due.
func (m *Manager) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()
	due, err := m.store.ListDue(ctx, now)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list due notifications")
		return
	}

	for i := range due {
		n := due[i]
		m.dispatch(ctx, &n)
		m.markDispatched(ctx, &n)
	}
	if len(due) > 0 {
		logging.Info().Int("count", len(due)).Msg("Dispatched scheduled notifications")
	}
}
