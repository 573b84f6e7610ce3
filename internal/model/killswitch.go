package model

import "time"

// GlobalScope is the scope value addressing the process-wide kill switch.
const GlobalScope = "global"

// AuditAction is the recorded direction of a kill-switch toggle.
type AuditAction string

const (
	AuditActionEnabled  AuditAction = "enabled"
	AuditActionDisabled AuditAction = "disabled"
)

// KillSwitchState is one scope's flag. Scope is either GlobalScope or a
// connection id.
type KillSwitchState struct {
	Scope       string    `json:"scope"`
	Enabled     bool      `json:"enabled"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggeredBy"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AuditLogEntry records one kill-switch transition. Entries are append-only;
// they are never mutated or deleted.
type AuditLogEntry struct {
	ID          int64       `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Action      AuditAction `json:"action"`
	Scope       string      `json:"scope"`
	Reason      string      `json:"reason"`
	TriggeredBy string      `json:"triggeredBy"`
}

// ToggleRequest is the request body for POST /kill-switch/toggle.
// ConnectionID is "global" or a connection id.
type ToggleRequest struct {
	ConnectionID string `json:"connectionId" binding:"required"`
	Enabled      bool   `json:"enabled"`
	Reason       string `json:"reason"`
}

// KillSwitchStatusResponse is the combined status snapshot.
type KillSwitchStatusResponse struct {
	Global      bool            `json:"global"`
	Connections map[string]bool `json:"connections"`
}

// AuditLogResponse is a newest-first page of audit entries.
type AuditLogResponse struct {
	Items []AuditLogEntry `json:"items"`
}
