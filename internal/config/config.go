// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package config provides layered configuration loading: built-in
// defaults, an optional YAML file, then environment variables, with
// ENV > file > defaults precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/notify"
	"github.com/clinovia/clinovia/internal/session"
)

// Config is the complete application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Audit    audit.Config   `koanf:"audit"`
	Session  session.Config `koanf:"session"`
	Notify   notify.Config  `koanf:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	Environment     string        `koanf:"environment" validate:"oneof=development production"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds storage paths. Empty paths select in-memory
// stores, used in development and tests.
type DatabaseConfig struct {
	AuditPath  string `koanf:"audit_path"`
	BadgerPath string `koanf:"badger_path"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	// JWTSecret signs and verifies access tokens. Required in
	// production.
	JWTSecret string `koanf:"jwt_secret"`

	// Issuer is the expected token issuer claim.
	Issuer string `koanf:"issuer"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8443,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			Environment:     "development",
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			AuditPath:  "/data/clinovia-audit.duckdb",
			BadgerPath: "/data/clinovia-kv",
		},
		Auth: AuthConfig{
			JWTSecret: "",
			Issuer:    "clinovia",
		},
		Audit:   audit.DefaultConfig(),
		Session: session.DefaultConfig(),
		Notify:  notify.DefaultConfig(),
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Server.Environment == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required in production")
	}
	if c.Session.WarningWindow >= c.Session.Timeout {
		return fmt.Errorf("session.warning_window (%s) must be shorter than session.timeout (%s)",
			c.Session.WarningWindow, c.Session.Timeout)
	}
	return nil
}
