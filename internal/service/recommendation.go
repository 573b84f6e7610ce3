package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/store"
)

// RecommendationService owns the pack lifecycle state machine. Transitions
// serialize per pack; two concurrent calls against the same pack take the
// same lock.
type RecommendationService struct {
	store     *store.RecommendationStore
	connStore *store.ConnectionStore

	mu        sync.Mutex
	packLocks map[string]*sync.Mutex
}

// NewRecommendationService creates a new RecommendationService
func NewRecommendationService(recStore *store.RecommendationStore, connStore *store.ConnectionStore) *RecommendationService {
	return &RecommendationService{
		store:     recStore,
		connStore: connStore,
		packLocks: make(map[string]*sync.Mutex),
	}
}

func (s *RecommendationService) packLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.packLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.packLocks[id] = lock
	return lock
}

// CreatePack ingests one finished scan run. Aggregates (counts, affected
// tables, top issues) are computed here, not trusted from the agent.
func (s *RecommendationService) CreatePack(ctx context.Context, req *model.CreatePackRequest) (*model.RecommendationPack, error) {
	exists, err := s.connStore.Exists(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("connection", req.ConnectionID)
	}
	if len(req.Recommendations) == 0 {
		return nil, apperr.Validation("recommendations", "a pack requires at least one recommendation")
	}

	recs := make([]model.RawRecommendation, len(req.Recommendations))
	copy(recs, req.Recommendations)

	tables := make(map[string]struct{})
	topIssues := make(map[string]int)
	var counts model.SeverityCounts

	for i := range recs {
		rec := &recs[i]
		if len(rec.FixOptions) == 0 {
			return nil, apperr.Validation("fixOptions", fmt.Sprintf("recommendation %d has no fix options", i))
		}
		for j, fix := range rec.FixOptions {
			if err := validateFixOption(i, j, fix); err != nil {
				return nil, err
			}
		}

		raw := string(rec.Type)
		normalized := model.NormalizeIssueType(raw)
		if normalized == model.IssueOther && rec.RawType == "" {
			rec.RawType = raw
		}
		rec.Type = normalized

		if rec.Table != "" {
			tables[rec.Table] = struct{}{}
		}
		topIssues[raw]++

		switch rec.Severity {
		case model.SeverityCritical:
			counts.Critical++
		case model.SeverityHigh:
			counts.High++
		case model.SeverityMedium:
			counts.Medium++
		case model.SeverityLow:
			counts.Low++
		default:
			return nil, apperr.Validation("severity", fmt.Sprintf("recommendation %d has unknown severity '%s'", i, rec.Severity))
		}
	}

	affectedTables := make([]string, 0, len(tables))
	for t := range tables {
		affectedTables = append(affectedTables, t)
	}
	sort.Strings(affectedTables)

	pack := &model.RecommendationPack{
		ConnectionID:    req.ConnectionID,
		ScanRunID:       req.ScanRunID,
		Status:          model.PackStatusPending,
		TotalCount:      len(recs),
		SeverityCounts:  counts,
		AffectedTables:  affectedTables,
		TopIssues:       topIssues,
		Recommendations: recs,
	}
	if err := s.store.CreatePack(ctx, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

func validateFixOption(recIdx, fixIdx int, fix model.FixOption) error {
	if fix.IsMultistep {
		if len(fix.Steps) == 0 {
			return apperr.Validation("steps", fmt.Sprintf("fix %d/%d is multistep but has no steps", recIdx, fixIdx))
		}
		for k, step := range fix.Steps {
			if step.StepNumber != k+1 {
				return apperr.Validation("steps", fmt.Sprintf("fix %d/%d step numbers must start at 1 and increase strictly", recIdx, fixIdx))
			}
			switch step.StepType {
			case model.StepTypeInformational:
			case model.StepTypeExecuteFix:
				if strings.TrimSpace(step.SQL) == "" {
					return apperr.Validation("steps", fmt.Sprintf("fix %d/%d step %d is execute_fix without sql", recIdx, fixIdx, step.StepNumber))
				}
			default:
				return apperr.Validation("steps", fmt.Sprintf("fix %d/%d step %d has unknown type '%s'", recIdx, fixIdx, step.StepNumber, step.StepType))
			}
		}
		return nil
	}
	if strings.TrimSpace(fix.SQL) == "" {
		return apperr.Validation("sql", fmt.Sprintf("fix %d/%d has no sql", recIdx, fixIdx))
	}
	return nil
}

// Get returns a pack with recommendations and live step state.
func (s *RecommendationService) Get(ctx context.Context, id string) (*model.RecommendationPack, error) {
	pack, err := s.store.GetPack(ctx, id)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, apperr.NotFound("recommendation pack", id)
	}
	return pack, nil
}

// List returns pack summaries, optionally filtered by status and connection.
func (s *RecommendationService) List(ctx context.Context, status, connectionID string) (*model.PackListResponse, error) {
	items, err := s.store.ListPacks(ctx, status, connectionID)
	if err != nil {
		return nil, err
	}
	return &model.PackListResponse{Items: items}, nil
}

// Approve transitions pending → approved. Approving an already-approved pack
// is a no-op success: the double-submit case from two operator tabs should
// not surface as an error.
func (s *RecommendationService) Approve(ctx context.Context, id string) (model.PackStatus, error) {
	lock := s.packLock(id)
	lock.Lock()
	defer lock.Unlock()

	pack, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if pack.Status == model.PackStatusApproved {
		return pack.Status, nil
	}
	if pack.Status != model.PackStatusPending {
		return "", apperr.InvalidState("pack", string(pack.Status), "only pending packs can be approved")
	}
	if err := s.store.UpdatePackStatus(ctx, id, model.PackStatusApproved, nil); err != nil {
		return "", err
	}
	return model.PackStatusApproved, nil
}

// Reject transitions any non-terminal state to rejected. Unlike kill-switch
// toggles, rejection carries no mandatory reason; rejecting a pack has no
// execution side effects, so the audit bar is lower.
func (s *RecommendationService) Reject(ctx context.Context, id string) (model.PackStatus, error) {
	lock := s.packLock(id)
	lock.Lock()
	defer lock.Unlock()

	pack, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if pack.Status.Terminal() {
		return "", apperr.InvalidState("pack", string(pack.Status), "terminal packs cannot be rejected")
	}
	if err := s.store.UpdatePackStatus(ctx, id, model.PackStatusRejected, nil); err != nil {
		return "", err
	}
	return model.PackStatusRejected, nil
}

// Schedule transitions approved → scheduled. Re-scheduling an already
// scheduled pack updates the time.
func (s *RecommendationService) Schedule(ctx context.Context, id string, at time.Time) (model.PackStatus, error) {
	lock := s.packLock(id)
	lock.Lock()
	defer lock.Unlock()

	pack, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if pack.Status != model.PackStatusApproved && pack.Status != model.PackStatusScheduled {
		return "", apperr.InvalidState("pack", string(pack.Status), "only approved packs can be scheduled")
	}
	utc := at.UTC()
	if err := s.store.UpdatePackStatus(ctx, id, model.PackStatusScheduled, &utc); err != nil {
		return "", err
	}
	return model.PackStatusScheduled, nil
}

// RequireExecutable returns the pack if its state permits execution.
func (s *RecommendationService) RequireExecutable(ctx context.Context, id string) (*model.RecommendationPack, error) {
	pack, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pack.Status != model.PackStatusApproved && pack.Status != model.PackStatusScheduled {
		return nil, apperr.InvalidState("pack", string(pack.Status), "pack must be approved or scheduled to execute")
	}
	return pack, nil
}

// RecordBatchOutcome applies the partial-success policy after a batch: every
// fix succeeded means executed, any failure means failed, and a kill-switch
// block or cancel mid-batch leaves the pack in its prior state so the batch
// can be retried once the interlock clears.
func (s *RecommendationService) RecordBatchOutcome(ctx context.Context, id string, runStatus model.RunStatus, failedCount int) error {
	lock := s.packLock(id)
	lock.Lock()
	defer lock.Unlock()

	switch runStatus {
	case model.RunStatusBlocked, model.RunStatusCancelled:
		return nil
	case model.RunStatusCompleted:
		status := model.PackStatusExecuted
		if failedCount > 0 {
			status = model.PackStatusFailed
		}
		return s.store.UpdatePackStatus(ctx, id, status, nil)
	default:
		return fmt.Errorf("unexpected run status %q", runStatus)
	}
}

// RecordFixFailure marks the pack failed after a single-fix apply reported an
// unrecoverable error.
func (s *RecommendationService) RecordFixFailure(ctx context.Context, id string) error {
	lock := s.packLock(id)
	lock.Lock()
	defer lock.Unlock()

	pack, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if pack.Status.Terminal() {
		return nil
	}
	return s.store.UpdatePackStatus(ctx, id, model.PackStatusFailed, nil)
}
