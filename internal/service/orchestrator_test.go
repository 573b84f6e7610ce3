package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/model"
)

func TestApplyOneSuccess(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t, "INSERT INTO orders (customer_id) VALUES (42)")

	outcome, err := env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{
		PackID:              pack.ID,
		RecommendationIndex: 0,
		FixIndex:            0,
	})
	if err != nil {
		t.Fatalf("ApplyOne() error = %v", err)
	}
	if !outcome.OK || outcome.State != model.ItemStateSucceeded || outcome.RowsAffected != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	history, err := env.orchestrator.History(ctx, env.connID, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history.Items) != 1 {
		t.Fatalf("History() len = %d, want 1", len(history.Items))
	}
	rec := history.Items[0]
	if rec.Status != model.RunStatusCompleted || rec.SuccessCount != 1 || rec.CompletedAt == nil {
		t.Fatalf("unexpected history record: %+v", rec)
	}

	// A successful single apply leaves the pack approved for further fixes.
	got, err := env.recs.Get(ctx, pack.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.PackStatusApproved {
		t.Fatalf("pack status = %s, want approved", got.Status)
	}
}

func TestApplyOneRequiresApprovedPack(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	pack, err := env.recs.CreatePack(ctx, &model.CreatePackRequest{
		ConnectionID: env.connID,
		ScanRunID:    "scan-001",
		Recommendations: []model.RawRecommendation{{
			Type: model.IssueMissingIndex, Severity: model.SeverityHigh, Table: "orders",
			FixOptions: []model.FixOption{{Title: "fix", SQL: "SELECT 1"}},
		}},
	})
	if err != nil {
		t.Fatalf("CreatePack() error = %v", err)
	}

	_, err = env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{PackID: pack.ID})
	if !isInvalidState(err) {
		t.Fatalf("ApplyOne() on pending pack error = %v, want InvalidStateError", err)
	}
}

func TestApplyOneIndexValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	pack := env.singleFixPack(t, "SELECT 1")

	var validationErr *apperr.ValidationError
	_, err := env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{PackID: pack.ID, RecommendationIndex: 5})
	if !errors.As(err, &validationErr) {
		t.Fatalf("ApplyOne(bad rec index) error = %v, want ValidationError", err)
	}
	_, err = env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{PackID: pack.ID, FixIndex: 3})
	if !errors.As(err, &validationErr) {
		t.Fatalf("ApplyOne(bad fix index) error = %v, want ValidationError", err)
	}
}

func TestApplyOneBlockedByKillSwitch(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	pack := env.singleFixPack(t, "SELECT 1")

	if _, err := env.killSwitch.Toggle(ctx, env.connID, true, "maintenance window", "ops@example.com"); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	_, err := env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{PackID: pack.ID})
	var blockedErr *apperr.KillSwitchBlockedError
	if !errors.As(err, &blockedErr) {
		t.Fatalf("ApplyOne() error = %v, want KillSwitchBlockedError", err)
	}
	if blockedErr.Scope != env.connID {
		t.Fatalf("blocking scope = %s, want %s", blockedErr.Scope, env.connID)
	}

	// Nothing ran, so nothing is recorded.
	history, err := env.orchestrator.History(ctx, env.connID, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history.Items) != 0 {
		t.Fatalf("History() len = %d, want 0", len(history.Items))
	}
}

func TestApplyOneFailureMarksPackFailed(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t, "INSERT INTO no_such_table VALUES (1)")

	outcome, err := env.orchestrator.ApplyOne(ctx, &model.ApplyOneRequest{PackID: pack.ID})
	if err != nil {
		t.Fatalf("ApplyOne() error = %v; execution failures belong in the outcome", err)
	}
	if outcome.OK || outcome.State != model.ItemStateFailed || outcome.Error == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	env.waitPackStatus(t, pack.ID, model.PackStatusFailed)
}

func TestApplyAllCompletesAndMarksPackExecuted(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t,
		"INSERT INTO orders (customer_id) VALUES (1)",
		"INSERT INTO orders (customer_id) VALUES (2)",
		"INSERT INTO orders (customer_id) VALUES (3)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}

	progress := env.waitRun(t, runID)
	if progress.Status != model.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", progress.Status)
	}
	if progress.SuccessCount != 3 || progress.FailedCount != 0 {
		t.Fatalf("counts = %d/%d, want 3/0", progress.SuccessCount, progress.FailedCount)
	}

	rec := env.waitPersisted(t, runID)
	if rec.Status != model.RunStatusCompleted || len(rec.Items) != 3 {
		t.Fatalf("persisted record = %+v", rec)
	}
	env.waitPackStatus(t, pack.ID, model.PackStatusExecuted)
}

func TestApplyAllAnyFailureMarksPackFailed(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t,
		"INSERT INTO orders (customer_id) VALUES (1)",
		"INSERT INTO no_such_table VALUES (1)",
		"INSERT INTO orders (customer_id) VALUES (2)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}

	progress := env.waitRun(t, runID)
	if progress.Status != model.RunStatusCompleted {
		t.Fatalf("run status = %s, want completed", progress.Status)
	}
	// A failing item does not halt the batch; the items after it still run.
	if progress.SuccessCount != 2 || progress.FailedCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", progress.SuccessCount, progress.FailedCount)
	}
	env.waitPackStatus(t, pack.ID, model.PackStatusFailed)
}

func TestApplyAllKillSwitchHaltsMidBatch(t *testing.T) {
	env := newTestEnv(t, 250*time.Millisecond)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t,
		"INSERT INTO orders (customer_id) VALUES (1)",
		"INSERT INTO orders (customer_id) VALUES (2)",
		"INSERT INTO orders (customer_id) VALUES (3)",
		"INSERT INTO orders (customer_id) VALUES (4)",
		"INSERT INTO orders (customer_id) VALUES (5)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}

	updates, unsubscribe, err := env.orchestrator.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	// Flip the switch once two items have landed; the inter-item delay leaves
	// room for the toggle before the gate re-check.
	toggled := false
	for progress := range updates {
		if !toggled && progress.SuccessCount >= 2 {
			if _, err := env.killSwitch.Toggle(ctx, model.GlobalScope, true, "emergency stop", "ops@example.com"); err != nil {
				t.Fatalf("Toggle() error = %v", err)
			}
			toggled = true
		}
	}
	if !toggled {
		t.Fatalf("batch finished before the toggle could land")
	}

	rec := env.waitPersisted(t, runID)
	if rec.Status != model.RunStatusBlocked {
		t.Fatalf("run status = %s, want blocked", rec.Status)
	}
	if rec.SuccessCount != 2 || rec.FailedCount != 0 || rec.SkippedCount != 3 {
		t.Fatalf("counts = %d/%d/%d, want 2 succeeded, 0 failed, 3 not attempted",
			rec.SuccessCount, rec.FailedCount, rec.SkippedCount)
	}
	for _, item := range rec.Items[2:] {
		if item.State != model.ItemStateNotAttempted {
			t.Fatalf("item %d state = %s, want not_attempted", item.RecommendationIndex, item.State)
		}
	}

	// A blocked batch leaves the pack in its prior state so it can be retried
	// once the switch clears.
	got, err := env.recs.Get(ctx, pack.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.PackStatusApproved {
		t.Fatalf("pack status = %s, want approved after blocked batch", got.Status)
	}
}

func TestApplyAllCancel(t *testing.T) {
	env := newTestEnv(t, 250*time.Millisecond)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t,
		"INSERT INTO orders (customer_id) VALUES (1)",
		"INSERT INTO orders (customer_id) VALUES (2)",
		"INSERT INTO orders (customer_id) VALUES (3)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}

	updates, unsubscribe, err := env.orchestrator.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	cancelled := false
	for progress := range updates {
		if !cancelled && progress.SuccessCount >= 1 {
			if err := env.orchestrator.CancelRun(runID); err != nil {
				t.Fatalf("CancelRun() error = %v", err)
			}
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatalf("batch finished before the cancel could land")
	}

	rec := env.waitPersisted(t, runID)
	if rec.Status != model.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", rec.Status)
	}
	if rec.SuccessCount == 0 || rec.SkippedCount == 0 {
		t.Fatalf("counts = %d/%d/%d, want partial progress and a not-attempted tail",
			rec.SuccessCount, rec.FailedCount, rec.SkippedCount)
	}

	got, err := env.recs.Get(ctx, pack.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != model.PackStatusApproved {
		t.Fatalf("pack status = %s, want approved after cancelled batch", got.Status)
	}

	// Cancelling a finished run is rejected.
	env.waitRun(t, runID)
	if err := env.orchestrator.CancelRun(runID); !isInvalidState(err) {
		t.Fatalf("CancelRun() on finished run error = %v, want InvalidStateError", err)
	}
}

func TestApplyAllOneBatchPerPack(t *testing.T) {
	env := newTestEnv(t, 250*time.Millisecond)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t,
		"INSERT INTO orders (customer_id) VALUES (1)",
		"INSERT INTO orders (customer_id) VALUES (2)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}

	if _, err := env.orchestrator.ApplyAll(ctx, pack.ID); !isInvalidState(err) {
		t.Fatalf("second ApplyAll() error = %v, want InvalidStateError", err)
	}

	env.waitRun(t, runID)
	env.waitPersisted(t, runID)
}

func TestApplyAllBlockedUpFront(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	pack := env.singleFixPack(t, "SELECT 1")

	if _, err := env.killSwitch.Toggle(ctx, model.GlobalScope, true, "freeze", "ops@example.com"); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	_, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	var blockedErr *apperr.KillSwitchBlockedError
	if !errors.As(err, &blockedErr) {
		t.Fatalf("ApplyAll() error = %v, want KillSwitchBlockedError", err)
	}
}

func TestRunFallsBackToPersistedRecord(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t, "INSERT INTO orders (customer_id) VALUES (1)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	env.waitRun(t, runID)
	env.waitPersisted(t, runID)

	// A fresh orchestrator, as after a restart, serves the run from the store.
	fresh := NewOrchestratorService(env.killSwitch, env.recs, env.executor, env.execStore, env.drain, 0)
	progress, err := fresh.Run(ctx, runID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if progress.Status != model.RunStatusCompleted || progress.SuccessCount != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	_, err = fresh.Run(ctx, "run-missing")
	var notFoundErr *apperr.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("Run(missing) error = %v, want NotFoundError", err)
	}
}

func TestSubscribeFinishedRunYieldsFinalSnapshot(t *testing.T) {
	env := newTestEnv(t, 0)
	env.seedTargetTable(t)
	ctx := context.Background()
	pack := env.singleFixPack(t, "INSERT INTO orders (customer_id) VALUES (1)")

	runID, err := env.orchestrator.ApplyAll(ctx, pack.ID)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	env.waitRun(t, runID)
	env.waitPersisted(t, runID)

	updates, unsubscribe, err := env.orchestrator.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	var last *model.RunProgress
	for progress := range updates {
		p := progress
		last = &p
	}
	if last == nil || last.Status != model.RunStatusCompleted {
		t.Fatalf("final snapshot = %+v, want completed", last)
	}
}
