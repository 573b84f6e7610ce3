package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbtune/backend/internal/apperr"
	"github.com/dbtune/backend/internal/lifecycle"
	"github.com/dbtune/backend/internal/logx"
	"github.com/dbtune/backend/internal/model"
	"github.com/dbtune/backend/internal/store"
)

// OrchestratorService is the top-level entry point for applying fixes. It
// re-checks the kill switch before every individual execution (a toggle may
// arrive mid-batch) and never holds the registry lock while target I/O is in
// flight; the gate check and the statement are separate critical sections.
type OrchestratorService struct {
	killSwitch *KillSwitchService
	recs       *RecommendationService
	executor   *ExecutorService
	execStore  *store.ExecutionStore
	drain      *lifecycle.DrainManager

	// interItemDelay paces batch items as a courtesy to the target's
	// connection pool. Policy knob, not a correctness requirement.
	interItemDelay time.Duration

	mu          sync.Mutex
	runs        map[string]*batchRun
	activePacks map[string]string // pack id -> in-flight run id
}

// NewOrchestratorService creates a new OrchestratorService
func NewOrchestratorService(killSwitch *KillSwitchService, recs *RecommendationService, executor *ExecutorService, execStore *store.ExecutionStore, drain *lifecycle.DrainManager, interItemDelay time.Duration) *OrchestratorService {
	return &OrchestratorService{
		killSwitch:     killSwitch,
		recs:           recs,
		executor:       executor,
		execStore:      execStore,
		drain:          drain,
		interItemDelay: interItemDelay,
		runs:           make(map[string]*batchRun),
		activePacks:    make(map[string]string),
	}
}

// batchRun is the in-memory state of one execute-all call.
type batchRun struct {
	mu          sync.Mutex
	record      *model.ExecutionRecord
	totalItems  int
	currentIdx  int
	cancelled   bool
	cancelCtx   context.CancelFunc
	subscribers map[int]chan model.RunProgress
	nextSubID   int
	done        chan struct{}
}

func (r *batchRun) snapshot() model.RunProgress {
	items := make([]model.ItemOutcome, len(r.record.Items))
	copy(items, r.record.Items)
	return model.RunProgress{
		RunID:        r.record.ID,
		PackID:       r.record.PackID,
		Status:       r.record.Status,
		CurrentIndex: r.currentIdx,
		TotalItems:   r.totalItems,
		SuccessCount: r.record.SuccessCount,
		FailedCount:  r.record.FailedCount,
		SkippedCount: r.record.SkippedCount,
		Items:        items,
	}
}

// notifyLocked pushes the current snapshot to every subscriber. Slow
// consumers miss intermediate updates rather than stalling the batch.
func (r *batchRun) notifyLocked() {
	progress := r.snapshot()
	for _, ch := range r.subscribers {
		select {
		case ch <- progress:
		default:
		}
	}
}

// ApplyOne executes a single fix option and records the outcome in execution
// history. Target-database failures are returned inside the outcome, not as
// an error; gate and state problems surface as errors with nothing run.
func (s *OrchestratorService) ApplyOne(ctx context.Context, req *model.ApplyOneRequest) (*model.ItemOutcome, error) {
	pack, err := s.recs.RequireExecutable(ctx, req.PackID)
	if err != nil {
		return nil, err
	}
	if req.RecommendationIndex < 0 || req.RecommendationIndex >= len(pack.Recommendations) {
		return nil, apperr.Validation("recommendationIndex", "index out of range")
	}
	rec := pack.Recommendations[req.RecommendationIndex]
	if req.FixIndex < 0 || req.FixIndex >= len(rec.FixOptions) {
		return nil, apperr.Validation("fixIndex", "index out of range")
	}

	if scope, blocked := s.killSwitch.BlockingScope(pack.ConnectionID); blocked {
		return nil, &apperr.KillSwitchBlockedError{Scope: scope}
	}

	record := &model.ExecutionRecord{
		PackID:       pack.ID,
		ConnectionID: pack.ConnectionID,
		TriggeredBy:  actorFrom(ctx),
		Status:       model.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
		Items:        []model.ItemOutcome{},
	}
	if err := s.execStore.Create(ctx, record); err != nil {
		return nil, err
	}

	outcome := s.executeItem(ctx, pack, req.RecommendationIndex, req.FixIndex)
	record.Items = append(record.Items, outcome)
	record.Status = model.RunStatusCompleted
	if outcome.State == model.ItemStateSucceeded {
		record.SuccessCount = 1
	} else {
		record.FailedCount = 1
	}
	if err := s.execStore.Finish(ctx, record); err != nil {
		return nil, err
	}

	if outcome.State == model.ItemStateFailed {
		if err := s.recs.RecordFixFailure(ctx, pack.ID); err != nil {
			slog.Error("failed to record fix failure on pack",
				"component", "orchestrator", "pack_id", pack.ID, "error", err)
		}
	}
	return &outcome, nil
}

// ApplyAll starts an asynchronous batch over every recommendation's first fix
// option, in pack order. Returns the run id for polling or streaming. Only
// one batch may be in flight per pack.
func (s *OrchestratorService) ApplyAll(ctx context.Context, packID string) (string, error) {
	pack, err := s.recs.RequireExecutable(ctx, packID)
	if err != nil {
		return "", err
	}
	if scope, blocked := s.killSwitch.BlockingScope(pack.ConnectionID); blocked {
		return "", &apperr.KillSwitchBlockedError{Scope: scope}
	}

	record := &model.ExecutionRecord{
		PackID:       pack.ID,
		ConnectionID: pack.ConnectionID,
		TriggeredBy:  actorFrom(ctx),
		Status:       model.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
		Items:        []model.ItemOutcome{},
	}

	s.mu.Lock()
	if runID, busy := s.activePacks[packID]; busy {
		s.mu.Unlock()
		return "", apperr.InvalidState("pack", "executing",
			fmt.Sprintf("batch %s is already running for this pack", runID))
	}
	// Reserve the pack before releasing the lock so a concurrent ApplyAll
	// cannot slip in while the record is persisted.
	s.activePacks[packID] = "pending"
	s.mu.Unlock()

	if err := s.execStore.Create(ctx, record); err != nil {
		s.mu.Lock()
		delete(s.activePacks, packID)
		s.mu.Unlock()
		return "", err
	}

	// The batch outlives the HTTP request; it runs on a background context
	// that keeps the request id for log correlation and stops only via
	// CancelRun or process shutdown.
	batchCtx, cancel := context.WithCancel(context.Background())
	batchCtx = logx.WithRequestID(batchCtx, logx.RequestIDFromContext(ctx))

	run := &batchRun{
		record:      record,
		totalItems:  len(pack.Recommendations),
		cancelCtx:   cancel,
		subscribers: make(map[int]chan model.RunProgress),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[record.ID] = run
	s.activePacks[packID] = record.ID
	s.mu.Unlock()

	release := s.drain.Track()
	go func() {
		defer release()
		s.runBatch(batchCtx, run, pack)
	}()

	return record.ID, nil
}

func (s *OrchestratorService) runBatch(ctx context.Context, run *batchRun, pack *model.RecommendationPack) {
	log := logx.LoggerWithRequestID(ctx)
	log.Info("batch started",
		"component", "orchestrator",
		"run_id", run.record.ID,
		"pack_id", pack.ID,
		"items", run.totalItems)

	finalStatus := model.RunStatusCompleted

	for i := range pack.Recommendations {
		run.mu.Lock()
		cancelled := run.cancelled
		run.currentIdx = i
		run.mu.Unlock()

		if cancelled {
			finalStatus = model.RunStatusCancelled
			s.markRemaining(run, pack, i)
			break
		}

		// Re-check the gate before every item, not only at batch start; a
		// kill-switch toggle must take effect mid-batch.
		if scope, blocked := s.killSwitch.BlockingScope(pack.ConnectionID); blocked {
			log.Warn("batch halted by kill switch",
				"component", "orchestrator",
				"run_id", run.record.ID,
				"scope", scope,
				"completed_items", i)
			finalStatus = model.RunStatusBlocked
			s.markRemaining(run, pack, i)
			break
		}

		outcome := s.executeItem(ctx, pack, i, 0)

		run.mu.Lock()
		run.record.Items = append(run.record.Items, outcome)
		if outcome.State == model.ItemStateSucceeded {
			run.record.SuccessCount++
		} else {
			run.record.FailedCount++
		}
		run.notifyLocked()
		run.mu.Unlock()

		if i < len(pack.Recommendations)-1 && s.interItemDelay > 0 {
			select {
			case <-time.After(s.interItemDelay):
			case <-ctx.Done():
			}
		}
	}

	run.mu.Lock()
	run.record.Status = finalStatus
	run.currentIdx = run.totalItems
	record := run.record
	run.notifyLocked()
	for id, ch := range run.subscribers {
		close(ch)
		delete(run.subscribers, id)
	}
	run.mu.Unlock()

	// Persistence and pack-status bookkeeping run on a fresh context: the
	// batch context may already be cancelled.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.execStore.Finish(finishCtx, record); err != nil {
		log.Error("failed to persist execution record",
			"component", "orchestrator", "run_id", record.ID, "error", err)
	}
	if err := s.recs.RecordBatchOutcome(finishCtx, pack.ID, finalStatus, record.FailedCount); err != nil {
		log.Error("failed to record batch outcome on pack",
			"component", "orchestrator", "pack_id", pack.ID, "error", err)
	}

	s.mu.Lock()
	delete(s.activePacks, pack.ID)
	s.mu.Unlock()
	close(run.done)

	log.Info("batch finished",
		"component", "orchestrator",
		"run_id", record.ID,
		"status", finalStatus,
		"success", record.SuccessCount,
		"failed", record.FailedCount,
		"not_attempted", record.SkippedCount)
}

// executeItem runs one item and folds the result into an outcome. Execution
// failures are captured, not propagated: the batch keeps going.
func (s *OrchestratorService) executeItem(ctx context.Context, pack *model.RecommendationPack, recIdx, fixIdx int) model.ItemOutcome {
	outcome := model.ItemOutcome{
		RecommendationIndex: recIdx,
		FixIndex:            fixIdx,
	}

	fix := pack.Recommendations[recIdx].FixOptions[fixIdx]
	result, err := s.executor.ExecuteFixOption(ctx, pack.ConnectionID, pack.ID, recIdx, fixIdx, fix)
	if err != nil {
		outcome.State = model.ItemStateFailed
		outcome.OK = false
		outcome.Error = err.Error()
		return outcome
	}

	outcome.State = model.ItemStateSucceeded
	outcome.OK = true
	outcome.RowsAffected = result.RowsAffected
	outcome.ElapsedMs = result.Elapsed.Milliseconds()
	return outcome
}

// markRemaining records items from index onward as not attempted, which the
// UI must render distinctly from failures.
func (s *OrchestratorService) markRemaining(run *batchRun, pack *model.RecommendationPack, from int) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for i := from; i < len(pack.Recommendations); i++ {
		run.record.Items = append(run.record.Items, model.ItemOutcome{
			RecommendationIndex: i,
			FixIndex:            0,
			State:               model.ItemStateNotAttempted,
		})
		run.record.SkippedCount++
	}
	run.notifyLocked()
}

// Run returns the live progress of a run, falling back to the persisted
// record for runs from a previous process.
func (s *OrchestratorService) Run(ctx context.Context, runID string) (*model.RunProgress, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		run.mu.Lock()
		progress := run.snapshot()
		run.mu.Unlock()
		return &progress, nil
	}

	record, err := s.execStore.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperr.NotFound("execution run", runID)
	}
	return &model.RunProgress{
		RunID:        record.ID,
		PackID:       record.PackID,
		Status:       record.Status,
		CurrentIndex: len(record.Items),
		TotalItems:   len(record.Items),
		SuccessCount: record.SuccessCount,
		FailedCount:  record.FailedCount,
		SkippedCount: record.SkippedCount,
		Items:        record.Items,
	}, nil
}

// Subscribe returns a channel of progress snapshots for a run plus an
// unsubscribe callback. The channel closes when the run finishes. A run that
// already finished yields one final snapshot and closes.
func (s *OrchestratorService) Subscribe(ctx context.Context, runID string) (<-chan model.RunProgress, func(), error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		progress, err := s.Run(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan model.RunProgress, 1)
		ch <- *progress
		close(ch)
		return ch, func() {}, nil
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	ch := make(chan model.RunProgress, 16)
	select {
	case <-run.done:
		ch <- run.snapshot()
		close(ch)
		return ch, func() {}, nil
	default:
	}

	id := run.nextSubID
	run.nextSubID++
	run.subscribers[id] = ch
	ch <- run.snapshot()

	unsubscribe := func() {
		run.mu.Lock()
		defer run.mu.Unlock()
		if existing, ok := run.subscribers[id]; ok {
			delete(run.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe, nil
}

// CancelRun stops an in-flight batch. The current item's statement context is
// cancelled, so an item caught mid-flight is recorded failed; the remainder is
// recorded not-attempted, the same shape a kill-switch block produces, so an
// operator can stop one runaway batch without reaching for the global switch.
func (s *OrchestratorService) CancelRun(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return apperr.NotFound("execution run", runID)
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	select {
	case <-run.done:
		return apperr.InvalidState("execution run", string(run.record.Status), "run already finished")
	default:
	}
	run.cancelled = true
	run.cancelCtx()
	return nil
}

// History lists persisted execution records newest first.
func (s *OrchestratorService) History(ctx context.Context, connectionID string, limit int) (*model.ExecutionListResponse, error) {
	items, err := s.execStore.List(ctx, connectionID, limit)
	if err != nil {
		return nil, err
	}
	return &model.ExecutionListResponse{Items: items}, nil
}
