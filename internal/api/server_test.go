// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/config"
	"github.com/clinovia/clinovia/internal/notify"
	"github.com/clinovia/clinovia/internal/rbac"
	"github.com/clinovia/clinovia/internal/session"
	"github.com/clinovia/clinovia/internal/ws"
)

const testSecret = "test-secret-0123456789-0123456789"

// testServer bundles the server with handles the tests need to inspect.
type testServer struct {
	server     *Server
	auditStore *audit.MemoryStore
	sessions   *session.MemoryActivityStore
	notifier   *notify.Manager
	authn      *Authenticator
	http       *httptest.Server
}

func setupServer(t *testing.T) *testServer {
	t.Helper()

	engine, err := rbac.NewEngine(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	auditStore := audit.NewMemoryStore()
	auditor := audit.NewLogger(auditStore, nil, audit.DefaultConfig())
	t.Cleanup(func() {
		//nolint:errcheck // best-effort cleanup
		auditor.Close()
	})

	feed := notify.NewFeed(16)
	t.Cleanup(func() {
		//nolint:errcheck // best-effort cleanup
		feed.Close()
	})
	notifier, err := notify.NewManager(notify.NewMemoryStore(feed), feed, nil, auditor, nil, notify.DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		//nolint:errcheck // returns ctx.Err() on shutdown
		notifier.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	authn, err := NewAuthenticator(testSecret, "clinovia", engine)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	cfg := config.Default().Server
	cfg.RateLimitReqs = 0
	sessions := session.NewMemoryActivityStore()
	server := NewServer(cfg, authn, engine, auditor, notifier, ws.NewHub(), sessions, session.DefaultConfig())

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &testServer{
		server:     server,
		auditStore: auditStore,
		sessions:   sessions,
		notifier:   notifier,
		authn:      authn,
		http:       httpServer,
	}
}

// token issues a one-hour access token for the given identity.
func (ts *testServer) token(t *testing.T, userID string, role rbac.Role, tenantID string) string {
	t.Helper()
	token, err := ts.authn.IssueToken(userID, userID+"@clinic.example", role, tenantID, userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

// do performs a request with the given bearer token and decodes the
// response envelope.
func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, APIResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() {
		//nolint:errcheck // response body is drained by the decoder
		resp.Body.Close()
	}()

	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, envelope
}

// awaitAuditRecord polls for an audit record matching the filter; the
// logger writes asynchronously.
func awaitAuditRecord(t *testing.T, store *audit.MemoryStore, filter audit.QueryFilter) audit.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := store.Query(context.Background(), filter)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if len(records) > 0 {
			return records[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no audit record matching %+v", filter)
	return audit.Record{}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	ts := setupServer(t)

	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeUnauthorized {
		t.Errorf("error envelope = %+v, want UNAUTHORIZED", envelope.Error)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	ts := setupServer(t)

	token, err := ts.authn.IssueToken("dr-adams", "a@clinic.example", rbac.RoleClinicianFull, "clinic-1", "Dr. Adams", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/me", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMeCarriesResolvedPermissions(t *testing.T) {
	ts := setupServer(t)
	token := ts.token(t, "fd-1", rbac.RoleFrontDesk, "clinic-1")

	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	var user UserContext
	if err := json.Unmarshal(raw, &user); err != nil {
		t.Fatalf("unmarshal user context: %v", err)
	}

	if user.Role != rbac.RoleFrontDesk || user.TenantID != "clinic-1" {
		t.Errorf("identity = %s/%s, want front-desk/clinic-1", user.Role, user.TenantID)
	}
	if len(user.Permissions) == 0 {
		t.Error("permissions not resolved")
	}
	for _, path := range user.AccessibleRoutes {
		if path == "/admin" || path == "/audit" {
			t.Errorf("front desk must not see route %s", path)
		}
	}
}

func TestPermissionDenialNamesTheMissingPermission(t *testing.T) {
	ts := setupServer(t)
	token := ts.token(t, "pt-100", rbac.RolePatient, "clinic-1")

	body := createNotificationRequest{
		Kind:     "custom",
		Title:    "Hi",
		Message:  "There",
		Priority: notify.PriorityLow,
		Channels: []notify.Channel{notify.ChannelInApp},
	}
	resp, envelope := ts.do(t, http.MethodPost, "/api/v1/notifications", token, body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeForbidden {
		t.Fatalf("error envelope = %+v, want FORBIDDEN", envelope.Error)
	}

	details, ok := envelope.Error.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("denial details missing: %+v", envelope.Error)
	}
	if details["reason"] != audit.ActionPermissionDenied {
		t.Errorf("reason = %v, want permission_denied", details["reason"])
	}
	if details["resource"] != rbac.ResourceNotifications || details["action"] != string(rbac.ActionCreate) {
		t.Errorf("details = %+v, want notifications:create named", details)
	}

	record := awaitAuditRecord(t, ts.auditStore, audit.QueryFilter{
		ActorID: "pt-100",
		Action:  audit.ActionPermissionDenied,
	})
	if record.RiskLevel != audit.RiskHigh {
		t.Errorf("denial risk = %s, want high", record.RiskLevel)
	}
}

func TestUnknownRoleIsDeniedAndAudited(t *testing.T) {
	ts := setupServer(t)
	token := ts.token(t, "ghost-1", rbac.Role("ghost"), "clinic-1")

	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/notifications", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	details, ok := envelope.Error.Details.(map[string]interface{})
	if !ok || details["reason"] != audit.ActionRoleDenied {
		t.Errorf("details = %+v, want role_denied", envelope.Error)
	}

	record := awaitAuditRecord(t, ts.auditStore, audit.QueryFilter{
		ActorID: "ghost-1",
		Action:  audit.ActionRoleDenied,
	})
	if record.RiskLevel != audit.RiskHigh {
		t.Errorf("denial risk = %s, want high", record.RiskLevel)
	}
}

func TestSensitiveFeatureGate(t *testing.T) {
	ts := setupServer(t)

	// Support engineers are audit-log-viewer members.
	support := ts.token(t, "se-1", rbac.RoleSupportEngineer, "clinic-1")
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/audit/records", support, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("support engineer status = %d, want 200", resp.StatusCode)
	}

	// The sensitive grant is audited at low risk.
	grant := awaitAuditRecord(t, ts.auditStore, audit.QueryFilter{
		ActorID: "se-1",
		Action:  audit.ActionGranted,
	})
	if grant.RiskLevel != audit.RiskLow {
		t.Errorf("sensitive grant risk = %s, want low", grant.RiskLevel)
	}

	// Clinicians are not members, even with broad chart permissions.
	clinician := ts.token(t, "dr-adams", rbac.RoleClinicianFull, "clinic-1")
	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/audit/records", clinician, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("clinician status = %d, want 403", resp.StatusCode)
	}
	details, ok := envelope.Error.Details.(map[string]interface{})
	if !ok || details["reason"] != audit.ActionSensitiveFeatureDenied {
		t.Errorf("details = %+v, want sensitive_feature_denied", envelope.Error)
	}
	if details["feature"] != string(rbac.FeatureAuditLogViewer) {
		t.Errorf("feature = %v, want audit-log-viewer", details["feature"])
	}
}

func TestNotificationLifecycleOverHTTP(t *testing.T) {
	ts := setupServer(t)
	admin := ts.token(t, "ta-1", rbac.RoleTenantAdmin, "clinic-1")

	create := createNotificationRequest{
		RecipientID: "ta-1",
		Kind:        "custom",
		Title:       "Inventory low",
		Message:     "Gloves below threshold.",
		Priority:    notify.PriorityMedium,
		Channels:    []notify.Channel{notify.ChannelInApp},
	}
	resp, envelope := ts.do(t, http.MethodPost, "/api/v1/notifications", admin, create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %+v", resp.StatusCode, envelope.Error)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatalf("marshal created: %v", err)
	}
	var created notify.Notification
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.ID == "" || created.TenantID != "clinic-1" {
		t.Fatalf("created = %+v, want id assigned in clinic-1", created)
	}

	resp, envelope = ts.do(t, http.MethodGet, "/api/v1/notifications/unread-count", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unread-count status = %d, want 200", resp.StatusCode)
	}
	counts, _ := envelope.Data.(map[string]interface{})
	if counts["count"] != float64(1) {
		t.Errorf("unread count = %v, want 1", counts["count"])
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/notifications/read", admin, idsRequest{IDs: []string{created.ID}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read status = %d, want 200", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/notifications/"+created.ID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	resp, envelope = ts.do(t, http.MethodGet, "/api/v1/notifications?include_read=true", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if list, ok := envelope.Data.([]interface{}); ok && len(list) != 0 {
		t.Errorf("list after delete = %d records, want 0", len(list))
	}
}

func TestCrossTenantMutationLooksLikeNotFound(t *testing.T) {
	ts := setupServer(t)
	admin1 := ts.token(t, "ta-1", rbac.RoleTenantAdmin, "clinic-1")
	admin2 := ts.token(t, "ta-2", rbac.RoleTenantAdmin, "clinic-2")

	create := createNotificationRequest{
		RecipientID: "ta-1",
		Kind:        "custom",
		Title:       "Private",
		Message:     "Clinic one only.",
		Priority:    notify.PriorityLow,
		Channels:    []notify.Channel{notify.ChannelInApp},
	}
	resp, envelope := ts.do(t, http.MethodPost, "/api/v1/notifications", admin1, create)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	raw, _ := json.Marshal(envelope.Data)
	var created notify.Notification
	//nolint:errcheck // round-trip of a value we just encoded
	json.Unmarshal(raw, &created)

	resp, envelope = ts.do(t, http.MethodDelete, "/api/v1/notifications/"+created.ID, admin2, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant delete status = %d, want 404", resp.StatusCode)
	}
	if envelope.Error == nil || envelope.Error.Code != ErrCodeNotFound {
		t.Errorf("error envelope = %+v, want NOT_FOUND", envelope.Error)
	}
}

func TestSessionPolicyAndHeartbeat(t *testing.T) {
	ts := setupServer(t)
	token := ts.token(t, "fd-1", rbac.RoleFrontDesk, "clinic-1")

	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/session/policy", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("policy status = %d, want 200", resp.StatusCode)
	}
	policy, _ := envelope.Data.(map[string]interface{})
	if policy["timeout_ms"] != float64((10 * time.Minute).Milliseconds()) {
		t.Errorf("timeout_ms = %v, want 600000", policy["timeout_ms"])
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/session/heartbeat", token, sessionRequest{SessionID: "tab-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want 200", resp.StatusCode)
	}
	if _, ok, err := ts.sessions.Get(context.Background(), "clinic-1:fd-1:tab-1"); err != nil || !ok {
		t.Errorf("heartbeat did not record activity: ok=%v err=%v", ok, err)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/session/signout", token, sessionRequest{SessionID: "tab-1", Reason: "timeout"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signout status = %d, want 200", resp.StatusCode)
	}
	if _, ok, _ := ts.sessions.Get(context.Background(), "clinic-1:fd-1:tab-1"); ok {
		t.Error("signout did not clear the activity record")
	}

	record := awaitAuditRecord(t, ts.auditStore, audit.QueryFilter{
		ActorID: "fd-1",
		Action:  "session_timeout",
	})
	if record.Resource != "auth" {
		t.Errorf("auth event resource = %s, want auth", record.Resource)
	}
}

func TestAuditQueryPinsTenantScope(t *testing.T) {
	ts := setupServer(t)

	// Seed records in two tenants through the guard itself.
	t1 := ts.token(t, "se-1", rbac.RoleSupportEngineer, "clinic-1")
	t2 := ts.token(t, "se-2", rbac.RoleSupportEngineer, "clinic-2")
	ts.do(t, http.MethodGet, "/api/v1/audit/records", t1, nil)
	ts.do(t, http.MethodGet, "/api/v1/audit/records", t2, nil)
	awaitAuditRecord(t, ts.auditStore, audit.QueryFilter{TenantID: "clinic-2"})

	resp, envelope := ts.do(t, http.MethodGet, "/api/v1/audit/records", t1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := envelope.Data.(map[string]interface{})
	records, _ := data["records"].([]interface{})
	for _, item := range records {
		record, _ := item.(map[string]interface{})
		if record["tenant_id"] != "clinic-1" {
			t.Errorf("support engineer saw record from tenant %v", record["tenant_id"])
		}
	}
}
