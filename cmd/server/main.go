// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Command server runs the practice-management core: permission engine,
// audit trail, session lifecycle, notifications, and the HTTP/websocket
// surface, supervised by a suture tree.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"

	"github.com/clinovia/clinovia/internal/api"
	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/config"
	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/notify"
	"github.com/clinovia/clinovia/internal/rbac"
	"github.com/clinovia/clinovia/internal/session"
	"github.com/clinovia/clinovia/internal/supervisor"
	"github.com/clinovia/clinovia/internal/ws"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Int("port", cfg.Server.Port).
		Msg("starting clinovia core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Permission engine, immutable after construction.
	engine, err := rbac.NewEngine(nil, nil, nil)
	if err != nil {
		return err
	}

	// Audit trail: duckdb on disk, memory store otherwise.
	var auditStore audit.Store
	if cfg.Database.AuditPath != "" {
		duckStore, err := audit.OpenDuckDB(ctx, cfg.Database.AuditPath)
		if err != nil {
			return err
		}
		defer func() {
			//nolint:errcheck // best-effort close on shutdown
			duckStore.Close()
		}()
		auditStore = duckStore
	} else {
		auditStore = audit.NewMemoryStore()
	}
	auditor := audit.NewLogger(auditStore, nil, cfg.Audit)
	defer func() {
		//nolint:errcheck // Close drains the buffer, never fails
		auditor.Close()
	}()

	// Shared badger DB backs both the notification store and the
	// session activity store.
	var (
		notifyStore  notify.Store
		sessionStore session.SharedActivityStore
	)
	feed := notify.NewFeed(cfg.Notify.FeedBuffer)
	defer func() {
		//nolint:errcheck // best-effort close on shutdown
		feed.Close()
	}()
	if cfg.Database.BadgerPath != "" {
		opts := badger.DefaultOptions(cfg.Database.BadgerPath)
		opts.Logger = nil
		db, err := badger.Open(opts)
		if err != nil {
			return err
		}
		defer func() {
			//nolint:errcheck // best-effort close on shutdown
			db.Close()
		}()
		notifyStore = notify.NewBadgerStore(db, feed)
		// Activity records outlive the session timeout by a margin so a
		// resuming tab can still read an expired record and conclude
		// "expired" instead of "unknown".
		sessionStore = session.NewBadgerActivityStore(db, 2*cfg.Session.Timeout)
	} else {
		notifyStore = notify.NewMemoryStore(feed)
		sessionStore = session.NewMemoryActivityStore()
	}

	notifier, err := notify.NewManager(notifyStore, feed, buildSenders(cfg.Notify), auditor, nil, cfg.Notify)
	if err != nil {
		return err
	}

	authn, err := api.NewAuthenticator(jwtSecret(cfg), cfg.Auth.Issuer, engine)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	server := api.NewServer(cfg.Server, authn, engine, auditor, notifier, hub, sessionStore, cfg.Session)

	// Supervision tree. The suture event hook wants slog; route it to
	// stderr alongside zerolog.
	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddDataService(supervisor.NewService("audit-cleanup", auditor.RunCleanup))
	tree.AddMessagingService(supervisor.NewService("ws-hub", hub.Run))
	tree.AddMessagingService(supervisor.NewService("feed-router", notifier.Run))
	tree.AddMessagingService(supervisor.NewService("scheduler", notifier.RunScheduler))
	tree.AddAPIService(supervisor.NewService("http-server", server.Serve))

	err = tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		logging.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

// jwtSecret returns the configured secret, generating an ephemeral
// development fallback so local runs work out of the box. Production
// requires an explicit secret; config validation enforces that.
func jwtSecret(cfg *config.Config) string {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	logging.Warn().Msg("auth.jwt_secret not set, using ephemeral development secret")
	return "development-only-secret-do-not-use"
}

// buildSenders assembles the enabled delivery channels. The email
// directory resolver is a stub until the surrounding app wires its user
// directory in; unresolvable recipients are skipped silently.
func buildSenders(cfg notify.Config) []notify.Sender {
	var senders []notify.Sender
	if cfg.Email.Enabled {
		senders = append(senders, notify.NewEmailSender(cfg.Email, func(tenantID, recipientID string) (string, bool) {
			return "", false
		}))
	}
	if cfg.SMS.Enabled {
		senders = append(senders, notify.NewWebhookSender(notify.ChannelSMS, cfg.SMS))
	}
	if cfg.Push.Enabled {
		senders = append(senders, notify.NewWebhookSender(notify.ChannelPush, cfg.Push))
	}
	return senders
}
