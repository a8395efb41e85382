// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/config"
	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/notify"
	"github.com/clinovia/clinovia/internal/rbac"
	"github.com/clinovia/clinovia/internal/session"
	"github.com/clinovia/clinovia/internal/ws"
)

// Server is the HTTP surface over the core. Construct with NewServer
// and run under supervision via Serve.
type Server struct {
	cfg        config.ServerConfig
	authn      *Authenticator
	engine     *rbac.Engine
	auditor    *audit.Logger
	notifier   *notify.Manager
	hub        *ws.Hub
	sessions   session.SharedActivityStore
	sessionCfg session.Config

	httpServer *http.Server
}

// NewServer wires the HTTP layer over the given components.
func NewServer(cfg config.ServerConfig, authn *Authenticator, engine *rbac.Engine, auditor *audit.Logger, notifier *notify.Manager, hub *ws.Hub, sessions session.SharedActivityStore, sessionCfg session.Config) *Server {
	s := &Server{
		cfg:        cfg,
		authn:      authn,
		engine:     engine,
		auditor:    auditor,
		notifier:   notifier,
		hub:        hub,
		sessions:   sessions,
		sessionCfg: sessionCfg,
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(),
		ReadTimeout:       cfg.Timeout,
		WriteTimeout:      cfg.Timeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// clientInfoMiddleware stores the caller's network identity in the
// request context so audit writes downstream can attach it.
func clientInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.WithClientInfo(r.Context(), audit.ClientInfoFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routes builds the chi router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(clientInfoMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitReqs > 0 {
			r.Use(httprate.Limit(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Use(s.authn.Middleware)

		r.Get("/me", s.Me)
		r.Get("/authz/check", s.CheckPermission)

		r.Route("/session", func(r chi.Router) {
			r.Get("/policy", s.SessionPolicy)
			r.Post("/heartbeat", s.SessionHeartbeat)
			r.Post("/signout", s.SessionSignOut)
		})

		r.Route("/notifications", func(r chi.Router) {
			read := s.requirePermission(rbac.ResourceNotifications, rbac.ActionRead)
			write := s.requirePermission(rbac.ResourceNotifications, rbac.ActionUpdate)

			r.With(read).Get("/", s.ListNotifications)
			r.With(read).Get("/unread-count", s.UnreadCount)
			r.With(s.requirePermission(rbac.ResourceNotifications, rbac.ActionCreate)).
				Post("/", s.CreateNotification)
			r.With(write).Post("/read", s.MarkNotificationsRead)
			r.With(write).Post("/archive", s.ArchiveNotifications)
			r.With(s.requirePermission(rbac.ResourceNotifications, rbac.ActionDelete)).
				Delete("/{id}", s.DeleteNotification)
		})

		r.With(s.requireFeature(rbac.FeatureAuditLogViewer)).
			Get("/audit/records", s.QueryAuditRecords)
	})

	// Websocket upgrades skip the IP rate limiter: one long-lived
	// connection per tab, limited by the hub itself.
	r.Route("/ws", func(r chi.Router) {
		r.Use(s.authn.Middleware)
		r.With(s.requirePermission(rbac.ResourceNotifications, rbac.ActionRead)).
			Get("/notifications", s.NotificationsWS)
	})

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve runs the HTTP server until the context ends, then shuts down
// gracefully within the configured timeout. Designed for suture
// supervision.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("http server shutdown error")
		}
		return ctx.Err()
	}
}
