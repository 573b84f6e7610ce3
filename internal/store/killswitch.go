package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbtune/backend/internal/model"
)

// KillSwitchStore persists kill-switch flags and the append-only audit log.
type KillSwitchStore struct {
	db *sql.DB
}

// NewKillSwitchStore creates a new KillSwitchStore
func NewKillSwitchStore() *KillSwitchStore {
	return &KillSwitchStore{db: DB}
}

// LoadStates returns every persisted scope flag, keyed by scope.
func (s *KillSwitchStore) LoadStates(ctx context.Context) (map[string]model.KillSwitchState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, enabled, reason, triggered_by, updated_at FROM kill_switch_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load kill switch states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]model.KillSwitchState)
	for rows.Next() {
		var st model.KillSwitchState
		if err := rows.Scan(&st.Scope, &st.Enabled, &st.Reason, &st.TriggeredBy, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan kill switch state: %w", err)
		}
		states[st.Scope] = st
	}
	return states, nil
}

// SaveToggle upserts the scope flag and appends the audit entry in one
// transaction, so a persisted flag always has its audit trail. Returns the
// audit entry with its assigned id.
func (s *KillSwitchStore) SaveToggle(ctx context.Context, state model.KillSwitchState, entry model.AuditLogEntry) (*model.AuditLogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin toggle transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kill_switch_state (scope, enabled, reason, triggered_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			enabled = excluded.enabled,
			reason = excluded.reason,
			triggered_by = excluded.triggered_by,
			updated_at = excluded.updated_at
	`, state.Scope, state.Enabled, state.Reason, state.TriggeredBy, state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert kill switch state: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO kill_switch_audit_log (timestamp, action, scope, reason, triggered_by)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.Action, entry.Scope, entry.Reason, entry.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit toggle: %w", err)
	}

	entry.ID = id
	return &entry, nil
}

// ListAudit returns audit entries newest first. beforeID > 0 returns entries
// with a smaller id, for keyset pagination.
func (s *KillSwitchStore) ListAudit(ctx context.Context, limit int, beforeID int64) ([]model.AuditLogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, timestamp, action, scope, reason, triggered_by
		FROM kill_switch_audit_log
	`
	var args []interface{}
	if beforeID > 0 {
		query += " WHERE id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var items []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var ts time.Time
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Scope, &e.Reason, &e.TriggeredBy); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = ts
		items = append(items, e)
	}
	if items == nil {
		items = []model.AuditLogEntry{}
	}
	return items, nil
}

// AuditCount returns the total number of audit entries.
func (s *KillSwitchStore) AuditCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM kill_switch_audit_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit log: %w", err)
	}
	return count, nil
}
