// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinovia/clinovia/internal/logging"
)

// SessionPolicy returns the timeout policy clients drive their local
// session timers from.
func (s *Server) SessionPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"timeout_ms":            s.sessionCfg.Timeout.Milliseconds(),
		"warning_window_ms":     s.sessionCfg.WarningWindow.Milliseconds(),
		"heartbeat_interval_ms": s.sessionCfg.HeartbeatInterval.Milliseconds(),
	})
}

// sessionRequest names one client session instance.
type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// sessionKey scopes a client session id to its owner so one viewer
// cannot refresh or clear another's activity record.
func (s *Server) sessionKey(user *UserContext, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", user.TenantID, user.ID, sessionID)
}

// SessionHeartbeat records cross-instance activity for the session. A
// hidden tab of the same session reads this back on visibility resume.
func (s *Server) SessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "sessionId is required", nil)
		return
	}

	now := time.Now().UTC()
	if err := s.sessions.Set(r.Context(), s.sessionKey(user, req.SessionID), now); err != nil {
		logging.Error().Err(err).Msg("failed to record session heartbeat")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to record heartbeat", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recorded_at": now.Format(time.RFC3339Nano)})
}

// SessionSignOut clears the session's shared activity record and audits
// the auth event. Reason "timeout" marks an inactivity expiry reported
// by the client; anything else is a manual sign-out.
func (s *Server) SessionSignOut(w http.ResponseWriter, r *http.Request) {
	user := GetUserContext(r)

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "sessionId is required", nil)
		return
	}

	if err := s.sessions.Clear(r.Context(), s.sessionKey(user, req.SessionID)); err != nil {
		logging.Error().Err(err).Msg("failed to clear session activity record")
	}

	action := "sign_out"
	if req.Reason == "timeout" {
		action = "session_timeout"
	}
	s.auditor.LogAuthEvent(r.Context(), user.ID, user.TenantID, action)

	writeJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}
