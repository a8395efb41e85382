// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Registers the "duckdb" database/sql driver.
	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDBStore implements Store using DuckDB for durable audit logging.
type DuckDBStore struct {
	db *sql.DB
}

// OpenDuckDB opens (or creates) a DuckDB database at the given path and
// ensures the audit schema exists. An empty path opens an in-memory
// database, used in tests.
func OpenDuckDB(ctx context.Context, path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	store := &DuckDBStore{db: db}
	if err := store.createTable(ctx); err != nil {
		//nolint:errcheck // close on failed init, nothing to report
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewDuckDBStore wraps an existing connection. The caller is responsible
// for the schema (createTable is exercised through OpenDuckDB).
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// createTable creates the audit_records table and its indexes.
func (s *DuckDBStore) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			resource_id TEXT,
			details JSON,
			ip_address TEXT NOT NULL,
			client_agent TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			risk_level TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_records(tenant_id);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_records(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_risk ON audit_records(risk_level);
	`

	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute audit schema statement: %w", err)
		}
	}
	return nil
}

// Append persists a record with a single insert.
func (s *DuckDBStore) Append(ctx context.Context, record *Record) error {
	query := `
		INSERT INTO audit_records (
			id, actor_id, tenant_id, action, resource, resource_id,
			details, ip_address, client_agent, timestamp, risk_level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var details interface{}
	if len(record.Details) > 0 {
		details = string(record.Details)
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ActorID,
		record.TenantID,
		record.Action,
		record.Resource,
		nullable(record.ResourceID),
		details,
		record.IPAddress,
		record.ClientAgent,
		record.Timestamp,
		string(record.RiskLevel),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Query retrieves records matching the filter, newest first.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Record, error) {
	where, args := buildWhere(filter)

	query := `
		SELECT id, actor_id, tenant_id, action, resource, resource_id,
		       CAST(details AS VARCHAR) AS details,
		       ip_address, client_agent, timestamp, risk_level
		FROM audit_records
	` + where + " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var resourceID, details sql.NullString
		var risk string
		if err := rows.Scan(
			&r.ID, &r.ActorID, &r.TenantID, &r.Action, &r.Resource,
			&resourceID, &details, &r.IPAddress, &r.ClientAgent,
			&r.Timestamp, &risk,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.ResourceID = resourceID.String
		if details.Valid {
			r.Details = []byte(details.String)
		}
		r.RiskLevel = RiskLevel(risk)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	where, args := buildWhere(filter)

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// Purge removes records older than the cutoff and returns the count.
func (s *DuckDBStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_records WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // driver may not report affected rows; deletion already succeeded
	}
	return count, nil
}

// Close closes the underlying database.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

// buildWhere assembles the WHERE clause for a filter.
func buildWhere(filter QueryFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ActorID != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.Resource != "" {
		conditions = append(conditions, "resource = ?")
		args = append(args, filter.Resource)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if len(filter.RiskLevels) > 0 {
		placeholders := make([]string, len(filter.RiskLevels))
		for i, level := range filter.RiskLevels {
			placeholders[i] = "?"
			args = append(args, string(level))
		}
		conditions = append(conditions, fmt.Sprintf("risk_level IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// nullable converts an empty string to a SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
