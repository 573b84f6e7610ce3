package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/model"
)

func TestCreatePackValidation(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *model.CreatePackRequest
	}{
		{
			name: "unknown connection",
			req: &model.CreatePackRequest{
				ConnectionID: "conn-nope", ScanRunID: "s", Recommendations: []model.RawRecommendation{},
			},
		},
		{
			name: "no recommendations",
			req: &model.CreatePackRequest{
				ConnectionID: env.connID, ScanRunID: "s", Recommendations: []model.RawRecommendation{},
			},
		},
		{
			name: "fix without sql",
			req: &model.CreatePackRequest{
				ConnectionID: env.connID, ScanRunID: "s",
				Recommendations: []model.RawRecommendation{{
					Type: model.IssueMissingIndex, Severity: model.SeverityLow, Table: "orders",
					FixOptions: []model.FixOption{{Title: "broken"}},
				}},
			},
		},
		{
			name: "multistep with bad numbering",
			req: &model.CreatePackRequest{
				ConnectionID: env.connID, ScanRunID: "s",
				Recommendations: []model.RawRecommendation{{
					Type: model.IssueTableFragmentation, Severity: model.SeverityLow, Table: "orders",
					FixOptions: []model.FixOption{{
						Title: "roadmap", IsMultistep: true,
						Steps: []model.RecommendationStep{
							{StepNumber: 1, StepType: model.StepTypeInformational},
							{StepNumber: 3, StepType: model.StepTypeExecuteFix, SQL: "ANALYZE TABLE orders"},
						},
					}},
				}},
			},
		},
		{
			name: "execute step without sql",
			req: &model.CreatePackRequest{
				ConnectionID: env.connID, ScanRunID: "s",
				Recommendations: []model.RawRecommendation{{
					Type: model.IssueTableFragmentation, Severity: model.SeverityLow, Table: "orders",
					FixOptions: []model.FixOption{{
						Title: "roadmap", IsMultistep: true,
						Steps: []model.RecommendationStep{
							{StepNumber: 1, StepType: model.StepTypeExecuteFix},
						},
					}},
				}},
			},
		},
		{
			name: "unknown severity",
			req: &model.CreatePackRequest{
				ConnectionID: env.connID, ScanRunID: "s",
				Recommendations: []model.RawRecommendation{{
					Type: model.IssueMissingIndex, Severity: "catastrophic", Table: "orders",
					FixOptions: []model.FixOption{{Title: "fix", SQL: "SELECT 1"}},
				}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.recs.CreatePack(ctx, tc.req)
			if err == nil {
				t.Fatalf("CreatePack() succeeded, want error")
			}
			var validationErr *apperr.ValidationError
			var notFoundErr *apperr.NotFoundError
			if !errors.As(err, &validationErr) && !errors.As(err, &notFoundErr) {
				t.Fatalf("CreatePack() error = %v, want validation or not-found", err)
			}
		})
	}
}

func TestCreatePackAggregatesAndNormalization(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	pack, err := env.recs.CreatePack(ctx, &model.CreatePackRequest{
		ConnectionID: env.connID,
		ScanRunID:    "scan-042",
		Recommendations: []model.RawRecommendation{
			{
				Type: model.IssueMissingIndex, Severity: model.SeverityCritical, Table: "orders",
				FixOptions: []model.FixOption{{Title: "fix", SQL: "SELECT 1"}},
			},
			{
				Type: "exotic_analyzer_finding", Severity: model.SeverityLow, Table: "customers",
				FixOptions: []model.FixOption{{Title: "fix", SQL: "SELECT 1"}},
			},
			{
				Type: model.IssueSlowQuery, Severity: model.SeverityLow, Table: "orders",
				FixOptions: []model.FixOption{{Title: "fix", SQL: "SELECT 1"}},
			},
		},
	})
	if err != nil {
		t.Fatalf("CreatePack() error = %v", err)
	}

	if pack.Status != model.PackStatusPending {
		t.Fatalf("new pack status = %s, want pending", pack.Status)
	}
	if pack.TotalCount != 3 {
		t.Fatalf("TotalCount = %d, want 3", pack.TotalCount)
	}
	if pack.SeverityCounts.Critical != 1 || pack.SeverityCounts.Low != 2 {
		t.Fatalf("severity counts = %+v", pack.SeverityCounts)
	}
	// Affected tables are deduplicated and sorted.
	if len(pack.AffectedTables) != 2 || pack.AffectedTables[0] != "customers" || pack.AffectedTables[1] != "orders" {
		t.Fatalf("AffectedTables = %v", pack.AffectedTables)
	}
	// Unknown analyzer types normalize to "other" but keep the raw string.
	rec := pack.Recommendations[1]
	if rec.Type != model.IssueOther || rec.RawType != "exotic_analyzer_finding" {
		t.Fatalf("normalization lost raw type: %+v", rec)
	}
	if pack.TopIssues["exotic_analyzer_finding"] != 1 || pack.TopIssues["missing_index"] != 1 {
		t.Fatalf("TopIssues = %v", pack.TopIssues)
	}
}

func TestPackLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	pack := env.singleFixPack(t, "SELECT 1")

	// singleFixPack already approved it; approving again is an idempotent
	// success, the double-submit case.
	status, err := env.recs.Approve(ctx, pack.ID)
	if err != nil {
		t.Fatalf("Approve() repeat error = %v", err)
	}
	if status != model.PackStatusApproved {
		t.Fatalf("Approve() repeat status = %s", status)
	}

	at := time.Now().Add(time.Hour)
	status, err = env.recs.Schedule(ctx, pack.ID, at)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if status != model.PackStatusScheduled {
		t.Fatalf("Schedule() status = %s", status)
	}

	// Re-scheduling updates the time.
	later := at.Add(time.Hour)
	if _, err := env.recs.Schedule(ctx, pack.ID, later); err != nil {
		t.Fatalf("Schedule() repeat error = %v", err)
	}
	got, err := env.recs.Get(ctx, pack.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(later.UTC()) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, later.UTC())
	}

	// Scheduled packs are still rejectable; rejected is terminal.
	if _, err := env.recs.Reject(ctx, pack.ID); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if _, err := env.recs.Approve(ctx, pack.ID); !isInvalidState(err) {
		t.Fatalf("Approve() after reject error = %v, want InvalidStateError", err)
	}
	if _, err := env.recs.Reject(ctx, pack.ID); !isInvalidState(err) {
		t.Fatalf("Reject() on terminal pack error = %v, want InvalidStateError", err)
	}
}

func TestScheduleRequiresApproved(t *testing.T) {
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

	if _, err := env.recs.Schedule(ctx, pack.ID, time.Now().Add(time.Hour)); !isInvalidState(err) {
		t.Fatalf("Schedule() on pending pack error = %v, want InvalidStateError", err)
	}
	if _, err := env.recs.RequireExecutable(ctx, pack.ID); !isInvalidState(err) {
		t.Fatalf("RequireExecutable() on pending pack error = %v, want InvalidStateError", err)
	}
}

func TestGetMissingPack(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.recs.Get(context.Background(), "pack-missing")
	var notFoundErr *apperr.NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("Get() error = %v, want NotFoundError", err)
	}
}

func isInvalidState(err error) bool {
	var stateErr *apperr.InvalidStateError
	return errors.As(err, &stateErr)
}
