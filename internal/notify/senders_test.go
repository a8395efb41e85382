// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
)

func TestWebhookSenderPostsPayload(t *testing.T) {
	var got webhookPayload
	var auth atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(ChannelSMS, WebhookConfig{
		Enabled:       true,
		Endpoint:      server.URL,
		Token:         "gw-token",
		RatePerSecond: 100,
		Burst:         10,
	})

	n := AppointmentReminder("clinic-1", "pt-100", "Dr. Adams", nowPlusDay())
	if err := sender.Send(context.Background(), n); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.TenantID != "clinic-1" || got.RecipientID != "pt-100" {
		t.Errorf("payload scoping = %s/%s, want clinic-1/pt-100", got.TenantID, got.RecipientID)
	}
	if got.Kind != "appointment-reminder" {
		t.Errorf("payload kind = %s, want appointment-reminder", got.Kind)
	}
	if auth.Load() != "Bearer gw-token" {
		t.Errorf("authorization header = %v, want bearer token", auth.Load())
	}
}

func TestWebhookSenderDisabledIsNoOp(t *testing.T) {
	sender := NewWebhookSender(ChannelPush, WebhookConfig{Enabled: false})
	if err := sender.Send(context.Background(), SystemAlert("clinic-1", "x", "y")); err != nil {
		t.Errorf("Send() on disabled sender error = %v, want nil", err)
	}
}

func TestWebhookSenderBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := NewWebhookSender(ChannelSMS, WebhookConfig{
		Enabled:       true,
		Endpoint:      server.URL,
		RatePerSecond: 1000,
		Burst:         1000,
	})

	n := SystemAlert("clinic-1", "x", "y")
	for i := 0; i < 10; i++ {
		if err := sender.Send(context.Background(), n); err == nil {
			t.Fatalf("Send() %d succeeded against failing gateway", i)
		}
	}

	// The breaker trips after five consecutive failures; later sends
	// fail fast without reaching the gateway.
	if hits.Load() >= 10 {
		t.Errorf("gateway hits = %d, want fewer than attempts once breaker is open", hits.Load())
	}
}

func TestEmailSenderResolvesRecipient(t *testing.T) {
	var sentTo []string
	var body []byte

	sender := NewEmailSender(EmailConfig{
		Enabled: true,
		Host:    "smtp.example.com",
		Port:    587,
		From:    "noreply@clinovia.example",
	}, func(tenantID, recipientID string) (string, bool) {
		if tenantID == "clinic-1" && recipientID == "pt-100" {
			return "patient@example.com", true
		}
		return "", false
	})
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sentTo = to
		body = msg
		return nil
	}

	n := AppointmentReminder("clinic-1", "pt-100", "Dr. Adams", nowPlusDay())
	if err := sender.Send(context.Background(), n); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(sentTo) != 1 || sentTo[0] != "patient@example.com" {
		t.Errorf("sent to %v, want resolved address", sentTo)
	}
	if len(body) == 0 {
		t.Error("empty message body")
	}

	// Unresolvable recipient is a silent skip, not an error.
	sentTo = nil
	unknown := AppointmentReminder("clinic-1", "pt-999", "Dr. Adams", nowPlusDay())
	if err := sender.Send(context.Background(), unknown); err != nil {
		t.Errorf("Send() for unknown recipient error = %v, want nil", err)
	}
	if sentTo != nil {
		t.Error("mail sent for unresolvable recipient")
	}

	// Broadcasts are never mailed.
	if err := sender.Send(context.Background(), SystemAlert("clinic-1", "x", "y")); err != nil {
		t.Errorf("Send() for broadcast error = %v, want nil", err)
	}
}
