package models

import "time"

// AuditEntry is one immutable row of the user-attributable action trail.
type AuditEntry struct {
	ID            int64          `db:"id"`
	UserID        string         `db:"user_id"`
	Action        string         `db:"action"`
	ResourceType  string         `db:"resource_type"`
	ResourceID    string         `db:"resource_id"`
	PreviousState map[string]any `db:"-"`
	NewState      map[string]any `db:"-"`
	IP            string         `db:"ip"`
	Agent         string         `db:"agent"`
	Timestamp     time.Time      `db:"timestamp"`
}
