package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/store"
)

// KillSwitchService is the process-wide execution gate. It is constructed
// once in main and injected wherever execution decisions are made; the
// in-memory flags are authoritative and every toggle is written through to
// sqlite before the flag flips.
type KillSwitchService struct {
	mu          sync.Mutex
	global      model.KillSwitchState
	connections map[string]model.KillSwitchState

	ksStore   *store.KillSwitchStore
	connStore *store.ConnectionStore
}

// NewKillSwitchService creates the registry and hydrates it from the store.
func NewKillSwitchService(ctx context.Context, ksStore *store.KillSwitchStore, connStore *store.ConnectionStore) (*KillSwitchService, error) {
	s := &KillSwitchService{
		global:      model.KillSwitchState{Scope: model.GlobalScope},
		connections: make(map[string]model.KillSwitchState),
		ksStore:     ksStore,
		connStore:   connStore,
	}

	states, err := ksStore.LoadStates(ctx)
	if err != nil {
		return nil, err
	}
	for scope, st := range states {
		if scope == model.GlobalScope {
			s.global = st
		} else {
			s.connections[scope] = st
		}
	}

	if s.global.Enabled {
		slog.Warn("kill switch restored in enabled state",
			"component", "kill_switch",
			"scope", model.GlobalScope,
			"reason", s.global.Reason)
	}
	return s, nil
}

// GlobalStatus reports whether the global kill switch is enabled.
func (s *KillSwitchService) GlobalStatus() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.Enabled
}

// ConnectionStatuses returns a snapshot of every per-connection flag.
func (s *KillSwitchService) ConnectionStatuses() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make(map[string]bool, len(s.connections))
	for id, st := range s.connections {
		statuses[id] = st.Enabled
	}
	return statuses
}

// ExecutionAllowed reports whether execution may proceed for a connection.
// Global-enabled dominates every per-connection flag; a connection with no
// entry defaults to allowed.
func (s *KillSwitchService) ExecutionAllowed(connectionID string) bool {
	_, blocked := s.BlockingScope(connectionID)
	return !blocked
}

// BlockingScope returns the scope that currently blocks a connection, if any.
func (s *KillSwitchService) BlockingScope(connectionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Enabled {
		return model.GlobalScope, true
	}
	if st, ok := s.connections[connectionID]; ok && st.Enabled {
		return connectionID, true
	}
	return "", false
}

// Toggle flips one scope's flag and appends an audit entry. The reason is
// mandatory for both directions. Repeating a toggle in the already-current
// direction succeeds and appends another audit entry: operators re-asserting
// an emergency stop is signal worth keeping.
func (s *KillSwitchService) Toggle(ctx context.Context, scope string, enabled bool, reason, actor string) (*model.AuditLogEntry, error) {
	// Validate before any write so a failed toggle has no side effects.
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("reason", "reason is required")
	}

	if scope != model.GlobalScope {
		exists, err := s.connStore.Exists(ctx, scope)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("connection", scope)
		}
	}

	action := model.AuditActionDisabled
	if enabled {
		action = model.AuditActionEnabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	state := model.KillSwitchState{
		Scope:       scope,
		Enabled:     enabled,
		Reason:      reason,
		TriggeredBy: actor,
		UpdatedAt:   now,
	}
	entry, err := s.ksStore.SaveToggle(ctx, state, model.AuditLogEntry{
		Timestamp:   now,
		Action:      action,
		Scope:       scope,
		Reason:      reason,
		TriggeredBy: actor,
	})
	if err != nil {
		return nil, err
	}

	if scope == model.GlobalScope {
		s.global = state
	} else {
		s.connections[scope] = state
	}

	slog.Info("kill switch toggled",
		"component", "kill_switch",
		"scope", scope,
		"enabled", enabled,
		"triggered_by", actor)
	return entry, nil
}

// AuditLog returns audit entries newest first.
func (s *KillSwitchService) AuditLog(ctx context.Context, limit int, beforeID int64) ([]model.AuditLogEntry, error) {
	return s.ksStore.ListAudit(ctx, limit, beforeID)
}
