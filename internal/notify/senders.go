// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/clinovia/clinovia/internal/logging"
)

// Sender delivers one fully-formed notification over one channel.
// Failures are per-channel: the manager catches and logs them
// independently so one channel cannot block the others.
type Sender interface {
	Name() Channel
	Send(ctx context.Context, n *Notification) error
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	From     string `koanf:"from"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// WebhookConfig holds settings for webhook-backed channels (SMS and
// push gateways).
type WebhookConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Token         string  `koanf:"token"`
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// Config holds the notification subsystem settings.
type Config struct {
	FeedBuffer        int           `koanf:"feed_buffer" validate:"gte=0"`
	DefaultExpiry     time.Duration `koanf:"default_expiry"`
	SchedulerInterval time.Duration `koanf:"scheduler_interval" validate:"gt=0"`
	Email             EmailConfig   `koanf:"email"`
	SMS               WebhookConfig `koanf:"sms"`
	Push              WebhookConfig `koanf:"push"`
}

// DefaultConfig returns the default notification settings. All external
// channels start disabled; in-app delivery always works.
func DefaultConfig() Config {
	return Config{
		FeedBuffer:        64,
		DefaultExpiry:     0,
		SchedulerInterval: time.Minute,
		Email:             EmailConfig{Port: 587},
		SMS:               WebhookConfig{RatePerSecond: 10, Burst: 20},
		Push:              WebhookConfig{RatePerSecond: 50, Burst: 100},
	}
}

// EmailSender delivers notifications over SMTP. The recipient address
// is resolved by the directory function so the core never stores
// contact details on the notification itself.
type EmailSender struct {
	cfg     EmailConfig
	resolve func(tenantID, recipientID string) (string, bool)

	// sendMail is swappable in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an SMTP email sender. resolve maps a
// (tenant, recipient) pair to an email address; returning false skips
// the send.
func NewEmailSender(cfg EmailConfig, resolve func(tenantID, recipientID string) (string, bool)) *EmailSender {
	return &EmailSender{cfg: cfg, resolve: resolve, sendMail: smtp.SendMail}
}

// Name returns the channel identifier.
func (s *EmailSender) Name() Channel {
	return ChannelEmail
}

// Send delivers the notification as a plain-text email.
func (s *EmailSender) Send(ctx context.Context, n *Notification) error {
	if !s.cfg.Enabled {
		return nil
	}
	if n.RecipientID == "" {
		// Broadcasts are served in-app only; fanning a broadcast out to
		// every mailbox is a digest concern, not a notification send.
		return nil
	}

	to, ok := s.resolve(n.TenantID, n.RecipientID)
	if !ok {
		logging.Debug().Str("recipient_id", n.RecipientID).Msg("No email address on file, skipping send")
		return nil
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: Clinovia <%s>\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", n.Title)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, auth, s.cfg.From, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// WebhookSender delivers notifications to an HTTP gateway (SMS or push
// provider). Sends run behind a circuit breaker and a rate limiter so a
// failing or slow provider cannot pile up goroutines.
type WebhookSender struct {
	name    Channel
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
}

// NewWebhookSender creates a webhook-backed sender for the given
// channel.
func NewWebhookSender(name Channel, cfg WebhookConfig) *WebhookSender {
	settings := gobreaker.Settings{
		Name:    string(name) + "-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(gwName string, from, to gobreaker.State) {
			logging.Warn().Str("gateway", gwName).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Channel gateway circuit breaker state change")
		},
	}

	return &WebhookSender{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Name returns the channel identifier.
func (s *WebhookSender) Name() Channel {
	return s.name
}

// webhookPayload is the gateway wire shape.
type webhookPayload struct {
	TenantID    string   `json:"tenantId"`
	RecipientID string   `json:"recipientId,omitempty"`
	Kind        string   `json:"kind"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Priority    Priority `json:"priority"`
}

// Send posts the notification to the gateway.
func (s *WebhookSender) Send(ctx context.Context, n *Notification) error {
	if !s.cfg.Enabled {
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limit wait: %w", s.name, err)
	}

	payload, err := json.Marshal(webhookPayload{
		TenantID:    n.TenantID,
		RecipientID: n.RecipientID,
		Kind:        n.Kind,
		Title:       n.Title,
		Message:     n.Message,
		Priority:    n.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", s.name, err)
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, fmt.Errorf("build %s request: %w", s.name, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s gateway: %w", s.name, err)
		}
		defer func() {
			//nolint:errcheck // drained for connection reuse
			io.Copy(io.Discard, resp.Body)
			//nolint:errcheck // nothing to do on close failure
			resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("%s gateway returned status %d", s.name, resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
