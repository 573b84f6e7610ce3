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

// RecommendationStore persists packs, their embedded recommendation documents
// and the durable per-step status rows.
type RecommendationStore struct {
	db *sql.DB
}

// NewRecommendationStore creates a new RecommendationStore
func NewRecommendationStore() *RecommendationStore {
	return &RecommendationStore{db: DB}
}

// CreatePack inserts a pack with its recommendations and seeds step rows for
// every multi-step fix in one transaction. The first step of each roadmap
// starts ready, the rest pending.
func (s *RecommendationStore) CreatePack(ctx context.Context, pack *model.RecommendationPack) error {
	if pack.ID == "" {
		pack.ID = "pack-" + uuid.New().String()[:8]
	}
	now := time.Now().UTC()
	pack.CreatedAt = now
	pack.UpdatedAt = now
	if pack.Status == "" {
		pack.Status = model.PackStatusPending
	}

	recsJSON, err := json.Marshal(pack.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	tablesJSON, err := json.Marshal(pack.AffectedTables)
	if err != nil {
		return fmt.Errorf("failed to marshal affected tables: %w", err)
	}
	issuesJSON, err := json.Marshal(pack.TopIssues)
	if err != nil {
		return fmt.Errorf("failed to marshal top issues: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pack transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recommendation_packs (
			id, connection_id, scan_run_id, status, total_count,
			critical_count, high_count, medium_count, low_count,
			affected_tables, top_issues, recommendations, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, pack.ID, pack.ConnectionID, pack.ScanRunID, pack.Status, pack.TotalCount,
		pack.SeverityCounts.Critical, pack.SeverityCounts.High,
		pack.SeverityCounts.Medium, pack.SeverityCounts.Low,
		string(tablesJSON), string(issuesJSON), string(recsJSON),
		pack.CreatedAt, pack.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pack: %w", err)
	}

	for recIdx, rec := range pack.Recommendations {
		for fixIdx, fix := range rec.FixOptions {
			if !fix.IsMultistep {
				continue
			}
			for _, step := range fix.Steps {
				status := model.StepStatusPending
				if step.StepNumber == 1 {
					status = model.StepStatusReady
				}
				evidence := ""
				if len(step.Evidence) > 0 {
					evidence = string(step.Evidence)
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO recommendation_steps (
						pack_id, rec_index, fix_index, step_number,
						step_type, sql_text, status, warning, evidence
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				`, pack.ID, recIdx, fixIdx, step.StepNumber,
					step.StepType, step.SQL, status, step.Warning, evidence)
				if err != nil {
					return fmt.Errorf("failed to seed step %d: %w", step.StepNumber, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pack: %w", err)
	}
	return nil
}

const packColumns = `id, connection_id, scan_run_id, status, total_count,
	critical_count, high_count, medium_count, low_count,
	affected_tables, top_issues, recommendations, scheduled_at, created_at, updated_at`

func scanPack(scan func(...interface{}) error) (*model.RecommendationPack, error) {
	pack := &model.RecommendationPack{}
	var tablesJSON, issuesJSON, recsJSON string
	var scheduledAt sql.NullTime

	err := scan(
		&pack.ID, &pack.ConnectionID, &pack.ScanRunID, &pack.Status, &pack.TotalCount,
		&pack.SeverityCounts.Critical, &pack.SeverityCounts.High,
		&pack.SeverityCounts.Medium, &pack.SeverityCounts.Low,
		&tablesJSON, &issuesJSON, &recsJSON, &scheduledAt,
		&pack.CreatedAt, &pack.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tablesJSON), &pack.AffectedTables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal affected tables: %w", err)
	}
	if err := json.Unmarshal([]byte(issuesJSON), &pack.TopIssues); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top issues: %w", err)
	}
	if err := json.Unmarshal([]byte(recsJSON), &pack.Recommendations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
	}
	if scheduledAt.Valid {
		pack.ScheduledAt = &scheduledAt.Time
	}
	return pack, nil
}

// GetPack retrieves a pack with its recommendations and live step statuses,
// nil when absent.
func (s *RecommendationStore) GetPack(ctx context.Context, id string) (*model.RecommendationPack, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packColumns+` FROM recommendation_packs WHERE id = ?`, id)
	pack, err := scanPack(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pack: %w", err)
	}

	// Overlay durable step state onto the embedded document.
	for recIdx := range pack.Recommendations {
		for fixIdx := range pack.Recommendations[recIdx].FixOptions {
			fix := &pack.Recommendations[recIdx].FixOptions[fixIdx]
			if !fix.IsMultistep {
				continue
			}
			steps, err := s.ListSteps(ctx, id, recIdx, fixIdx)
			if err != nil {
				return nil, err
			}
			fix.Steps = steps
		}
	}
	return pack, nil
}

// ListPacks returns pack summaries, optionally filtered, newest first.
func (s *RecommendationStore) ListPacks(ctx context.Context, status, connectionID string) ([]model.PackSummary, error) {
	query := `SELECT ` + packColumns + ` FROM recommendation_packs`
	var conditions []string
	var args []interface{}

	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, status)
	}
	if connectionID != "" {
		conditions = append(conditions, "connection_id = ?")
		args = append(args, connectionID)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packs: %w", err)
	}
	defer rows.Close()

	var items []model.PackSummary
	for rows.Next() {
		pack, err := scanPack(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pack: %w", err)
		}
		items = append(items, pack.Summary())
	}
	if items == nil {
		items = []model.PackSummary{}
	}
	return items, nil
}

// UpdatePackStatus sets the pack's status; scheduledAt is recorded when
// non-nil (used by the schedule transition).
func (s *RecommendationStore) UpdatePackStatus(ctx context.Context, id string, status model.PackStatus, scheduledAt *time.Time) error {
	now := time.Now().UTC()
	var err error
	if scheduledAt != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE recommendation_packs SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?
		`, status, scheduledAt, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE recommendation_packs SET status = ?, updated_at = ? WHERE id = ?
		`, status, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update pack status: %w", err)
	}
	return nil
}

// ListSteps returns the ordered roadmap of one fix option.
func (s *RecommendationStore) ListSteps(ctx context.Context, packID string, recIdx, fixIdx int) ([]model.RecommendationStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_number, step_type, sql_text, status, error, warning, evidence, started_at, completed_at
		FROM recommendation_steps
		WHERE pack_id = ? AND rec_index = ? AND fix_index = ?
		ORDER BY step_number
	`, packID, recIdx, fixIdx)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.RecommendationStep
	for rows.Next() {
		var st model.RecommendationStep
		var evidence string
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&st.StepNumber, &st.StepType, &st.SQL, &st.Status,
			&st.Error, &st.Warning, &evidence, &startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if evidence != "" {
			st.Evidence = json.RawMessage(evidence)
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// GetStep returns one step, nil when absent.
func (s *RecommendationStore) GetStep(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int) (*model.RecommendationStep, error) {
	steps, err := s.ListSteps(ctx, packID, recIdx, fixIdx)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].StepNumber == stepNumber {
			return &steps[i], nil
		}
	}
	return nil, nil
}

// UpdateStepStatus persists a step transition. startedAt/completedAt are only
// written when non-nil.
func (s *RecommendationStore) UpdateStepStatus(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int, status model.StepStatus, errMsg string, startedAt, completedAt *time.Time) error {
	query := "UPDATE recommendation_steps SET status = ?, error = ?"
	args := []interface{}{status, errMsg}
	if startedAt != nil {
		query += ", started_at = ?"
		args = append(args, startedAt)
	}
	if completedAt != nil {
		query += ", completed_at = ?"
		args = append(args, completedAt)
	}
	query += " WHERE pack_id = ? AND rec_index = ? AND fix_index = ? AND step_number = ?"
	args = append(args, packID, recIdx, fixIdx, stepNumber)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("step not found")
	}
	return nil
}

// ClaimStep atomically moves a ready step to in_progress and stamps its start
// time. Returns false when the step was not ready anymore, so of two
// concurrent claimants exactly one wins.
func (s *RecommendationStore) ClaimStep(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recommendation_steps SET status = ?, error = '', started_at = ?
		WHERE pack_id = ? AND rec_index = ? AND fix_index = ? AND step_number = ? AND status = ?
	`, model.StepStatusInProgress, startedAt, packID, recIdx, fixIdx, stepNumber, model.StepStatusReady)
	if err != nil {
		return false, fmt.Errorf("failed to claim step: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RecoverStaleSteps fails every step left in_progress by a previous process
// run. Called once at startup: an in_progress row survives a crash
// mid-statement, and only ready steps execute and only ready or failed steps
// can be skipped, so without this pass the roadmap has no way forward.
func (s *RecommendationStore) RecoverStaleSteps(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recommendation_steps SET status = ?, error = ?, completed_at = ?
		WHERE status = ?
	`, model.StepStatusFailed, "interrupted by process restart", now, model.StepStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale steps: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
