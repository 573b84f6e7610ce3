package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/store"
	"github.com/dbtune/backend/internal/targetdb"
)

// FixResult carries the metrics captured for one executed fix.
type FixResult struct {
	RowsAffected int64
	Elapsed      time.Duration
}

// ExecutorService runs one fix option (single statement or multi-step
// roadmap) against a target database. It never retries: DDL is not safely
// idempotent in general, so retry is the operator's call.
type ExecutorService struct {
	pool        *targetdb.Pool
	recStore    *store.RecommendationStore
	stmtTimeout time.Duration
}

// NewExecutorService creates a new ExecutorService
func NewExecutorService(pool *targetdb.Pool, recStore *store.RecommendationStore, stmtTimeout time.Duration) *ExecutorService {
	if stmtTimeout <= 0 {
		stmtTimeout = 5 * time.Minute
	}
	return &ExecutorService{pool: pool, recStore: recStore, stmtTimeout: stmtTimeout}
}

// ExecuteSingleFix runs one SQL statement on the target connection and
// captures rows-affected and elapsed time.
func (s *ExecutorService) ExecuteSingleFix(ctx context.Context, connectionID, sqlText string) (*FixResult, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, apperr.Validation("sql", "sql is required")
	}

	db, err := s.pool.DB(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, s.stmtTimeout)
	defer cancel()

	start := time.Now()
	res, err := db.ExecContext(execCtx, sqlText)
	elapsed := time.Since(start)
	if err != nil {
		return nil, &apperr.ExecutionError{
			SQLState: targetdb.SQLStateOf(err),
			Message:  targetdb.SanitizeError(err),
		}
	}

	rows, err := res.RowsAffected()
	if err != nil {
		// DDL statements often report no row count; not an execution failure.
		rows = 0
	}
	return &FixResult{RowsAffected: rows, Elapsed: elapsed}, nil
}

// ExecuteStep runs one roadmap step. Informational steps complete without
// touching the target; execute_fix steps run their SQL. The step must be
// ready: executing out of order, re-running a completed step, or starting a
// second step while one is in progress are all rejected.
func (s *ExecutorService) ExecuteStep(ctx context.Context, connectionID, packID string, recIdx, fixIdx, stepNumber int) (*model.RecommendationStep, error) {
	step, err := s.checkStep(ctx, packID, recIdx, fixIdx, stepNumber)
	if err != nil {
		return nil, err
	}

	// The conditional update is the authoritative claim: of two callers
	// racing past the read above, only one flips ready to in_progress.
	startedAt := time.Now().UTC()
	claimed, err := s.recStore.ClaimStep(ctx, packID, recIdx, fixIdx, stepNumber, startedAt)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperr.InvalidState("step", string(model.StepStatusInProgress),
			fmt.Sprintf("step %d was claimed by a concurrent request", stepNumber))
	}

	if step.StepType == model.StepTypeInformational {
		now := time.Now().UTC()
		if err := s.recStore.UpdateStepStatus(ctx, packID, recIdx, fixIdx, stepNumber, model.StepStatusCompleted, "", nil, &now); err != nil {
			return nil, err
		}
		if err := s.promoteNext(ctx, packID, recIdx, fixIdx, stepNumber); err != nil {
			return nil, err
		}
		return s.recStore.GetStep(ctx, packID, recIdx, fixIdx, stepNumber)
	}

	_, execErr := s.ExecuteSingleFix(ctx, connectionID, step.SQL)
	completedAt := time.Now().UTC()
	if execErr != nil {
		// Record the failure and stop; successors stay pending until an
		// operator intervenes.
		if err := s.recStore.UpdateStepStatus(ctx, packID, recIdx, fixIdx, stepNumber, model.StepStatusFailed, execErr.Error(), nil, &completedAt); err != nil {
			return nil, err
		}
		return nil, execErr
	}

	if err := s.recStore.UpdateStepStatus(ctx, packID, recIdx, fixIdx, stepNumber, model.StepStatusCompleted, "", nil, &completedAt); err != nil {
		return nil, err
	}
	if err := s.promoteNext(ctx, packID, recIdx, fixIdx, stepNumber); err != nil {
		return nil, err
	}
	return s.recStore.GetStep(ctx, packID, recIdx, fixIdx, stepNumber)
}

// SkipStep marks the roadmap's frontier step skipped and readies its
// successor. Skipping is the manual-intervention path past a failed step.
func (s *ExecutorService) SkipStep(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int) (*model.RecommendationStep, error) {
	steps, err := s.recStore.ListSteps(ctx, packID, recIdx, fixIdx)
	if err != nil {
		return nil, err
	}
	step := findStep(steps, stepNumber)
	if step == nil {
		return nil, apperr.NotFound("step", fmt.Sprintf("%s/%d/%d/%d", packID, recIdx, fixIdx, stepNumber))
	}
	if step.Status != model.StepStatusReady && step.Status != model.StepStatusFailed {
		return nil, apperr.InvalidState("step", string(step.Status), "only ready or failed steps can be skipped")
	}

	now := time.Now().UTC()
	if err := s.recStore.UpdateStepStatus(ctx, packID, recIdx, fixIdx, stepNumber, model.StepStatusSkipped, "", nil, &now); err != nil {
		return nil, err
	}
	if err := s.promoteNext(ctx, packID, recIdx, fixIdx, stepNumber); err != nil {
		return nil, err
	}
	return s.recStore.GetStep(ctx, packID, recIdx, fixIdx, stepNumber)
}

// ExecuteFixOption runs a whole fix option: a single statement, or every
// remaining step of a roadmap in order. Used by the orchestrator, which has
// already gated on the kill switch.
func (s *ExecutorService) ExecuteFixOption(ctx context.Context, connectionID, packID string, recIdx, fixIdx int, fix model.FixOption) (*FixResult, error) {
	if !fix.IsMultistep {
		return s.ExecuteSingleFix(ctx, connectionID, fix.SQL)
	}

	steps, err := s.recStore.ListSteps(ctx, packID, recIdx, fixIdx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for _, step := range steps {
		switch step.Status {
		case model.StepStatusCompleted, model.StepStatusSkipped:
			// Already done on a previous attempt; never re-run.
			continue
		case model.StepStatusFailed:
			return nil, apperr.InvalidState("step", string(step.Status),
				fmt.Sprintf("step %d previously failed and needs manual intervention", step.StepNumber))
		}

		if _, err := s.ExecuteStep(ctx, connectionID, packID, recIdx, fixIdx, step.StepNumber); err != nil {
			return nil, err
		}
	}
	// Row counts are per statement and not meaningful summed across a
	// roadmap; elapsed covers the remaining steps only.
	return &FixResult{Elapsed: time.Since(start)}, nil
}

// checkStep validates readiness before the claim; the claim itself is the
// store's conditional update.
func (s *ExecutorService) checkStep(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int) (*model.RecommendationStep, error) {
	steps, err := s.recStore.ListSteps(ctx, packID, recIdx, fixIdx)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, apperr.NotFound("fix option", fmt.Sprintf("%s/%d/%d", packID, recIdx, fixIdx))
	}

	var target *model.RecommendationStep
	for i := range steps {
		if steps[i].Status == model.StepStatusInProgress {
			return nil, apperr.InvalidState("step", string(model.StepStatusInProgress),
				fmt.Sprintf("step %d is already in progress", steps[i].StepNumber))
		}
		if steps[i].StepNumber == stepNumber {
			target = &steps[i]
		}
	}
	if target == nil {
		return nil, apperr.NotFound("step", fmt.Sprintf("%s/%d/%d/%d", packID, recIdx, fixIdx, stepNumber))
	}
	if target.Status != model.StepStatusReady {
		return nil, apperr.InvalidState("step", string(target.Status), "step is not ready to execute")
	}
	return target, nil
}

// promoteNext readies the successor once step stepNumber is done, unless the
// roadmap is exhausted.
func (s *ExecutorService) promoteNext(ctx context.Context, packID string, recIdx, fixIdx, stepNumber int) error {
	next, err := s.recStore.GetStep(ctx, packID, recIdx, fixIdx, stepNumber+1)
	if err != nil {
		return err
	}
	if next == nil || next.Status != model.StepStatusPending {
		return nil
	}
	return s.recStore.UpdateStepStatus(ctx, packID, recIdx, fixIdx, stepNumber+1, model.StepStatusReady, "", nil, nil)
}

func findStep(steps []model.RecommendationStep, stepNumber int) *model.RecommendationStep {
	for i := range steps {
		if steps[i].StepNumber == stepNumber {
			return &steps[i]
		}
	}
	return nil
}

// IsExecutionError reports whether err is a target-database failure rather
// than a state or validation problem.
func IsExecutionError(err error) bool {
	var execErr *apperr.ExecutionError
	return errors.As(err, &execErr)
}
