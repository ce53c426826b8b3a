package store

import (
	"fmt"
	"time"
)

// AuditEntry is one row of the append-only audit trail. Every terminal
// outcome of a handled request writes exactly one entry.
type AuditEntry struct {
	ID          int64
	Timestamp   time.Time
	TraceID     string
	ActorID     string
	TenantID    string
	Action      string
	ToolName    string
	Granted     bool
	Outcome     string
	InputDigest string
	Message     string
}

// WriteAudit appends an entry to the audit log.
func (s *Store) WriteAudit(entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (timestamp, trace_id, actor_id, tenant_id, action, tool_name, granted, outcome, input_digest, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ts, entry.TraceID, entry.ActorID, entry.TenantID, entry.Action, entry.ToolName, entry.Granted, entry.Outcome, entry.InputDigest, entry.Message)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// GetAuditLog returns the most recent entries, newest first.
func (s *Store) GetAuditLog(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, trace_id, actor_id, tenant_id, action, tool_name, granted, outcome, input_digest, message
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.ActorID, &e.TenantID, &e.Action, &e.ToolName, &e.Granted, &e.Outcome, &e.InputDigest, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAuditLogByTrace returns all entries sharing a trace ID, oldest first.
func (s *Store) GetAuditLogByTrace(traceID string) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, trace_id, actor_id, tenant_id, action, tool_name, granted, outcome, input_digest, message
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY id ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.ActorID, &e.TenantID, &e.Action, &e.ToolName, &e.Granted, &e.Outcome, &e.InputDigest, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
