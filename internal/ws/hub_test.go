// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clinovia/clinovia/internal/notify"
)

// fakeSubscriber captures the registered callback so tests can drive
// pushes directly.
type fakeSubscriber struct {
	mu       sync.Mutex
	onChange func([]notify.Notification)
	unsubs   atomic.Int32
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, recipientID, tenantID string, onChange func([]notify.Notification)) (func(), error) {
	s.mu.Lock()
	s.onChange = onChange
	s.mu.Unlock()
	return func() { s.unsubs.Add(1) }, nil
}

func (s *fakeSubscriber) push(list []notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(list)
	}
}

// setupHub starts a hub and an HTTP endpoint that upgrades connections
// for a fixed viewer.
func setupHub(t *testing.T) (*Hub, *fakeSubscriber, string) {
	t.Helper()

	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		//nolint:errcheck // returns ctx.Err() on shutdown
		hub.Run(ctx)
	}()

	sub := &fakeSubscriber{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, sub, w, r, "clinic-1", "dr-adams")
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, sub, url
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestPushDeliversNotificationFrame(t *testing.T) {
	hub, sub, url := setupHub(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil {
		//nolint:errcheck // response body is not needed
		resp.Body.Close()
	}
	defer func() {
		//nolint:errcheck // best-effort cleanup
		conn.Close()
	}()
	waitForClients(t, hub, 1)

	sub.push([]notify.Notification{
		{ID: "n-1", TenantID: "clinic-1", Title: "Hello"},
		{ID: "n-2", TenantID: "clinic-1", Title: "World"},
	})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	var msg struct {
		Type string                `json:"type"`
		Data []notify.Notification `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != MessageTypeNotifications {
		t.Errorf("frame type = %s, want %s", msg.Type, MessageTypeNotifications)
	}
	if len(msg.Data) != 2 {
		t.Errorf("frame carried %d notifications, want 2", len(msg.Data))
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	hub, sub, url := setupHub(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil {
		//nolint:errcheck // response body is not needed
		resp.Body.Close()
	}
	waitForClients(t, hub, 1)

	//nolint:errcheck // closing to trigger the server-side teardown
	conn.Close()
	waitForClients(t, hub, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sub.unsubs.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.unsubs.Load() != 1 {
		t.Errorf("unsubscribes = %d, want 1", sub.unsubs.Load())
	}
}

func TestPushAfterDisconnectIsNoOp(t *testing.T) {
	hub, sub, url := setupHub(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil {
		//nolint:errcheck // response body is not needed
		resp.Body.Close()
	}
	waitForClients(t, hub, 1)

	//nolint:errcheck // closing to trigger the server-side teardown
	conn.Close()
	waitForClients(t, hub, 0)

	// The manager's fan-out can still hold the callback after the hub
	// has torn the client down. Late pushes must be dropped, not panic.
	for i := 0; i < 3; i++ {
		sub.push([]notify.Notification{{ID: "n-late", TenantID: "clinic-1"}})
	}
}

func TestPingGetsPong(t *testing.T) {
	hub, _, url := setupHub(t)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if resp != nil {
		//nolint:errcheck // response body is not needed
		resp.Body.Close()
	}
	defer func() {
		//nolint:errcheck // best-effort cleanup
		conn.Close()
	}()
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("frame type = %s, want %s", msg.Type, MessageTypePong)
	}
}
