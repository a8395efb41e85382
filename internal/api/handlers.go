// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/notify"
	"github.com/clinovia/clinovia/internal/rbac"
	"github.com/clinovia/clinovia/internal/ws"
)

// Me returns the caller's resolved identity: role, permissions, and
// accessible routes. The UI builds its navigation from this alone.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetUserContext(r))
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CheckPermission evaluates a single (resource, action) pair for the
// caller. Used by the UI to pre-flight gated controls; the real
// enforcement still happens on the guarded routes.
func (s *Server) CheckPermission(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)
	resource := r.URL.Query().Get("resource")
	action := r.URL.Query().Get("action")
	if resource == "" || action == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "resource and action query parameters are required", nil)
		return
	}

	allowed := s.engine.HasPermission(user.Role, resource, rbac.Action(action))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource": resource,
		"action":   action,
		"allowed":  allowed,
	})
}

// createNotificationRequest is the caller-supplied portion of a new
// notification. Tenant comes from the authenticated identity, never the
// body.
type createNotificationRequest struct {
	RecipientID    string           `json:"recipientId"`
	Kind           string           `json:"kind"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	StructuredData json.RawMessage  `json:"structuredData,omitempty"`
	Priority       notify.Priority  `json:"priority"`
	Category       string           `json:"category,omitempty"`
	Channels       []notify.Channel `json:"channels"`
	Actions        []notify.Action  `json:"actions,omitempty"`
	ScheduledFor   *time.Time       `json:"scheduledFor,omitempty"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"`
}

// CreateNotification creates a notification in the caller's tenant.
func (s *Server) CreateNotification(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)

	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", nil)
		return
	}

	n := &notify.Notification{
		TenantID:       user.TenantID,
		RecipientID:    req.RecipientID,
		Kind:           req.Kind,
		Title:          req.Title,
		Message:        req.Message,
		StructuredData: req.StructuredData,
		Priority:       req.Priority,
		Category:       req.Category,
		Channels:       req.Channels,
		Actions:        req.Actions,
		ScheduledFor:   req.ScheduledFor,
		ExpiresAt:      req.ExpiresAt,
	}

	created, err := s.notifier.Create(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListNotifications returns the caller's visible notifications.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)

	opts := notify.ListOptions{
		IncludeRead:     queryBool(r, "include_read"),
		IncludeArchived: queryBool(r, "include_archived"),
		Category:        r.URL.Query().Get("category"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		opts.Limit = n
	}

	list, err := s.notifier.List(r.Context(), user.ID, user.TenantID, opts)
	if err != nil {
		logging.Error().Err(err).Msg("failed to list notifications")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list notifications", nil)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// UnreadCount returns the caller's unread notification count.
func (s *Server) UnreadCount(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)

	count, err := s.notifier.UnreadCount(r.Context(), user.ID, user.TenantID)
	if err != nil {
		logging.Error().Err(err).Msg("failed to count unread notifications")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to count notifications", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// idsRequest is a batch of notification ids.
type idsRequest struct {
	IDs []string `json:"ids"`
}

// MarkNotificationsRead marks the given notifications as read.
func (s *Server) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	s.mutateNotifications(w, r, s.notifier.MarkRead)
}

// ArchiveNotifications archives the given notifications.
func (s *Server) ArchiveNotifications(w http.ResponseWriter, r *http.Request) {
	s.mutateNotifications(w, r, s.notifier.MarkArchived)
}

func (s *Server) mutateNotifications(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, tenantID, actorID string, ids []string) error) {
	user := GetUserContext(r)

	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body", nil)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "ids must not be empty", nil)
		return
	}

	if err := op(r.Context(), user.TenantID, user.ID, req.IDs); err != nil {
		writeNotifyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.IDs)})
}

// DeleteNotification deletes one notification in the caller's scope.
func (s *Server) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)
	id := chi.URLParam(r, "id")

	if err := s.notifier.Delete(r.Context(), user.TenantID, user.ID, id); err != nil {
		writeNotifyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// writeNotifyError maps manager errors onto HTTP statuses. Scope
// violations surface as 404 so cross-tenant callers cannot distinguish
// "missing" from "not yours".
func writeNotifyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrNotFound), errors.Is(err, notify.ErrForbidden):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "notification not found", nil)
	default:
		logging.Error().Err(err).Msg("notification mutation failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "notification operation failed", nil)
	}
}

// QueryAuditRecords returns audit records matching the query. Tenant
// admins and below are pinned to their own tenant; only the platform
// operator may query across tenants.
func (s *Server) QueryAuditRecords(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)
	filter := auditFilterFromQuery(r)
	if user.Role != rbac.RolePlatformAdmin {
		filter.TenantID = user.TenantID
	}

	records, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("audit query failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "audit query failed", nil)
		return
	}

	count, err := s.auditor.Count(r.Context(), filter)
	if err != nil {
		logging.Error().Err(err).Msg("audit count failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "audit query failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   count,
	})
}

// auditFilterFromQuery builds a query filter from URL parameters.
func auditFilterFromQuery(r *http.Request) audit.QueryFilter {
	filter := audit.DefaultQueryFilter()
	q := r.URL.Query()

	filter.ActorID = q.Get("actor_id")
	filter.Resource = q.Get("resource")
	filter.Action = q.Get("action")
	if risk := q.Get("risk_level"); risk != "" {
		filter.RiskLevels = []audit.RiskLevel{audit.RiskLevel(risk)}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}
	if start, err := time.Parse(time.RFC3339, q.Get("start")); err == nil {
		filter.StartTime = &start
	}
	if end, err := time.Parse(time.RFC3339, q.Get("end")); err == nil {
		filter.EndTime = &end
	}
	return filter
}

// NotificationsWS upgrades the request to a websocket bound to the
// caller's identity.
func (s *Server) NotificationsWS(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)
	ws.ServeWS(s.hub, s.notifier, w, r, user.TenantID, user.ID)
}

func queryBool(r *http.Request, name string) bool {
	return r.URL.Query().Get(name) == "true"
}
