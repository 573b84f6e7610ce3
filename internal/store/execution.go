package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbtune/backend/internal/model"
	"github.com/google/uuid"
)

// ExecutionStore persists execution history, one row per orchestration call.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new ExecutionStore
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{db: DB}
}

// Create inserts an in-flight execution record.
func (s *ExecutionStore) Create(ctx context.Context, rec *model.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = "run-" + uuid.New().String()[:8]
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_history (
			id, pack_id, connection_id, triggered_by, status, items,
			success_count, failed_count, skipped_count, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.PackID, rec.ConnectionID, rec.TriggeredBy, rec.Status,
		string(itemsJSON), rec.SuccessCount, rec.FailedCount, rec.SkippedCount,
		rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution record: %w", err)
	}
	return nil
}

// Finish overwrites the record's outcomes and marks it complete. The record
// is append-only afterwards.
func (s *ExecutionStore) Finish(ctx context.Context, rec *model.ExecutionRecord) error {
	itemsJSON, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now

	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_history
		SET status = ?, items = ?, success_count = ?, failed_count = ?, skipped_count = ?, completed_at = ?
		WHERE id = ?
	`, rec.Status, string(itemsJSON), rec.SuccessCount, rec.FailedCount,
		rec.SkippedCount, rec.CompletedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish execution record: %w", err)
	}
	return nil
}

const executionColumns = `id, pack_id, connection_id, triggered_by, status, items,
	success_count, failed_count, skipped_count, started_at, completed_at`

func scanExecution(scan func(...interface{}) error) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	var itemsJSON string
	var completedAt sql.NullTime

	err := scan(
		&rec.ID, &rec.PackID, &rec.ConnectionID, &rec.TriggeredBy, &rec.Status,
		&itemsJSON, &rec.SuccessCount, &rec.FailedCount, &rec.SkippedCount,
		&rec.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &rec.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// Get retrieves one execution record, nil when absent.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM execution_history WHERE id = ?`, id)
	rec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return rec, nil
}

// List returns execution records newest first, optionally filtered by
// connection.
func (s *ExecutionStore) List(ctx context.Context, connectionID string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + executionColumns + ` FROM execution_history`
	var args []interface{}
	if connectionID != "" {
		query += " WHERE connection_id = ?"
		args = append(args, connectionID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	var items []model.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []model.ExecutionRecord{}
	}
	return items, nil
}
