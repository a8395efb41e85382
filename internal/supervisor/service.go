// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package supervisor

import "context"

// RunFunc is a supervised run loop: it blocks until the context ends
// and returns ctx.Err() on clean shutdown. Every long-lived component
// in this codebase already exposes this shape (hub.Run, manager.Run,
// logger.RunCleanup, server.Serve).
type RunFunc func(ctx context.Context) error

// Service adapts a RunFunc into a named suture.Service.
type Service struct {
	name string
	run  RunFunc
}

// NewService wraps a run loop as a supervised service.
func NewService(name string, run RunFunc) *Service {
	return &Service{name: name, run: run}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String identifies the service in supervisor log events.
func (s *Service) String() string {
	return s.name
}
