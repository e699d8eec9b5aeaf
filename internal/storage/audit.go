package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one row in the audit trail.
type AuditEntry struct {
	ID        int64
	UserID    string
	DeviceID  string
	Action    string
	Details   string
	IPAddress string
	Timestamp time.Time
	Success   bool
}

// LogAudit appends an audit entry. Fire-and-forget from the caller's
// perspective; a failure is logged by the caller and otherwise ignored.
func (db *DB) LogAudit(ctx context.Context, entry *AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO audit_log (user_id, device_id, action, details, ip_address, timestamp, success)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID, entry.DeviceID, entry.Action, entry.Details, entry.IPAddress,
		ts.Unix(), entry.Success)
	if err != nil {
		return fmt.Errorf("log audit %s/%s: %w", entry.DeviceID, entry.Action, err)
	}
	return nil
}

// AuditForDevice returns up to limit recent audit entries for a device,
// newest first, for dashboard queries.
func (db *DB) AuditForDevice(ctx context.Context, deviceID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
SELECT id, user_id, device_id, action, details, ip_address, timestamp, success
FROM audit_log WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var details sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeviceID, &e.Action, &details,
			&e.IPAddress, &ts, &e.Success); err != nil {
			return nil, err
		}
		e.Details = details.String
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}
