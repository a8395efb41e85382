// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/metrics"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `koanf:"enabled"`

	// BufferSize is the size of the async write buffer. Events are
	// dropped (with a local diagnostic) when the buffer is full.
	BufferSize int `koanf:"buffer_size"`

	// WriteTimeout bounds each store append.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// RetentionDays is how long to keep audit records.
	RetentionDays int `koanf:"retention_days"`

	// CleanupInterval is how often to run retention cleanup.
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		BufferSize:      1000,
		WriteTimeout:    5 * time.Second,
		RetentionDays:   365,
		CleanupInterval: 24 * time.Hour,
	}
}

// Logger is the audit emitter. Log is fire-and-forget: a store or
// resolver failure never propagates into the caller's flow, so a denied
// permission check stays denied even when the audit write fails.
type Logger struct {
	config    Config
	store     Store
	resolver  ClientResolver
	eventChan chan *Record
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates an audit logger and starts its async writer.
// A nil resolver falls back to the context resolver.
func NewLogger(store Store, resolver ClientResolver, config Config) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if resolver == nil {
		resolver = ContextResolver{}
	}

	l := &Logger{
		config:    config,
		store:     store,
		resolver:  resolver,
		eventChan: make(chan *Record, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

// asyncWriter drains the buffer, draining remaining records on stop.
func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			for {
				select {
				case record := <-l.eventChan:
					l.writeRecord(record)
				default:
					return
				}
			}
		case record := <-l.eventChan:
			l.writeRecord(record)
		}
	}
}

// writeRecord appends one record, logging and dropping on failure.
func (l *Logger) writeRecord(record *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.WriteTimeout)
	defer cancel()

	if err := l.store.Append(ctx, record); err != nil {
		metrics.AuditRecordsDropped.Inc()
		logging.Error().Err(err).
			Str("record_id", record.ID).
			Str("action", record.Action).
			Msg("failed to append audit record, dropping")
		return
	}
	metrics.AuditRecordsWritten.Inc()
}

// Log records an audit event. Fire-and-forget: never blocks and never
// returns an error.
func (l *Logger) Log(ctx context.Context, input Input) {
	if !l.config.Enabled {
		return
	}

	info := l.resolver.Resolve(ctx)
	record := &Record{
		ID:          uuid.NewString(),
		ActorID:     input.ActorID,
		TenantID:    input.TenantID,
		Action:      input.Action,
		Resource:    input.Resource,
		ResourceID:  input.ResourceID,
		Details:     input.Details,
		IPAddress:   info.IPAddress,
		ClientAgent: info.Agent,
		Timestamp:   time.Now().UTC(),
		RiskLevel:   input.RiskLevel,
	}

	select {
	case l.eventChan <- record:
	default:
		metrics.AuditRecordsDropped.Inc()
		logging.Warn().Str("record_id", record.ID).Msg("audit buffer full, dropping record")
	}
}

// Close shuts down the logger, draining buffered records.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
	return nil
}

// Query retrieves records matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of records matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// RunCleanup runs the retention cleanup loop until the context ends.
// Designed for suture supervision.
func (l *Logger) RunCleanup(ctx context.Context) error {
	interval := l.config.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -l.config.RetentionDays)
			count, err := l.store.Purge(ctx, cutoff)
			if err != nil {
				logging.Error().Err(err).Msg("audit retention cleanup error")
			} else if count > 0 {
				logging.Info().Int64("count", count).Msg("purged expired audit records")
			}
		}
	}
}

// Convenience wrappers for common resource categories. These pre-fill
// resource and risk level and carry no additional logic.

// LogRecordAccess audits access to a patient record.
func (l *Logger) LogRecordAccess(ctx context.Context, actorID, tenantID, action, recordID string) {
	l.Log(ctx, Input{
		ActorID:    actorID,
		TenantID:   tenantID,
		Action:     action,
		Resource:   "patients",
		ResourceID: recordID,
		RiskLevel:  RiskMedium,
	})
}

// LogFinancialAccess audits access to financial data.
func (l *Logger) LogFinancialAccess(ctx context.Context, actorID, tenantID, action, recordID string) {
	l.Log(ctx, Input{
		ActorID:    actorID,
		TenantID:   tenantID,
		Action:     action,
		Resource:   "financial",
		ResourceID: recordID,
		RiskLevel:  RiskMedium,
	})
}

// LogAuthEvent audits an authentication event (sign-in, sign-out,
// session expiry).
func (l *Logger) LogAuthEvent(ctx context.Context, actorID, tenantID, action string) {
	l.Log(ctx, Input{
		ActorID:   actorID,
		TenantID:  tenantID,
		Action:    action,
		Resource:  "auth",
		RiskLevel: RiskMedium,
	})
}

// LogDecision audits one authorization guard evaluation. Exactly one
// record per evaluation: denials at high risk, sensitive-feature grants
// at low, all other grants at medium.
func (l *Logger) LogDecision(ctx context.Context, actorID, tenantID, decision, resource string, sensitiveGrant bool) {
	risk := RiskMedium
	switch {
	case decision != ActionGranted:
		risk = RiskHigh
	case sensitiveGrant:
		risk = RiskLow
	}

	l.Log(ctx, Input{
		ActorID:   actorID,
		TenantID:  tenantID,
		Action:    decision,
		Resource:  resource,
		RiskLevel: risk,
	})
}

// MustJSON converts a value to JSON for the Details payload, returning
// an empty object on error.
func MustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
